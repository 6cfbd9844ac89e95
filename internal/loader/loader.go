// Package loader places a guest image (raw binary or ELF64) into a
// rv64.Machine's bus before it starts executing.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rvjit/internal/rv64"
)

// elfMagic is the 4-byte ELF identification prefix.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Bus is the subset of rv64.Bus the loader needs, narrowed so tests can
// substitute a fake.
type Bus interface {
	LoadBytes(addr uint64, data []byte) error
	Write8(addr uint64, value uint8) error
}

// Load writes image into bus, auto-detecting ELF64 versus a raw binary
// loaded at rv64.RAMBase. Returns the entry point PC the guest should
// start executing at.
func Load(bus Bus, image []byte) (entry uint64, err error) {
	if bytes.HasPrefix(image, elfMagic) {
		return loadELF(bus, image)
	}
	if err := bus.LoadBytes(rv64.RAMBase, image); err != nil {
		return 0, fmt.Errorf("loader: writing raw image: %w", err)
	}
	return rv64.RAMBase, nil
}

func loadELF(bus Bus, image []byte) (uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("loader: parsing ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return 0, fmt.Errorf("loader: unsupported ELF machine %d (want RISC-V)", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return 0, errors.New("loader: only 64-bit ELF images are supported")
	}

	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Memsz == 0 {
			continue
		}

		loadAddr := prog.Paddr
		if loadAddr == 0 {
			loadAddr = prog.Vaddr
		}

		if prog.Filesz > 0 {
			data := make([]byte, prog.Filesz)
			if _, err := io.ReadFull(prog.Open(), data); err != nil {
				return 0, fmt.Errorf("loader: reading segment @%#x: %w", prog.Off, err)
			}
			if err := bus.LoadBytes(loadAddr, data); err != nil {
				return 0, fmt.Errorf("loader: writing segment @%#x: %w", loadAddr, err)
			}
		}

		if prog.Memsz > prog.Filesz {
			if err := zeroFill(bus, loadAddr+prog.Filesz, prog.Memsz-prog.Filesz); err != nil {
				return 0, fmt.Errorf("loader: zero-filling segment tail @%#x: %w", loadAddr, err)
			}
		}
		loaded++
	}

	if loaded == 0 {
		return 0, errors.New("loader: ELF image has no loadable segments")
	}
	if f.Entry == 0 {
		return 0, errors.New("loader: ELF entry point is zero")
	}

	return f.Entry, nil
}

// zeroFill writes n zero bytes starting at addr, one at a time through
// the narrow Bus interface; bss segments in these guests are small
// enough (a handful of KiB) that this isn't worth a bulk-write method.
func zeroFill(bus Bus, addr, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := bus.Write8(addr+i, 0); err != nil {
			return err
		}
	}
	return nil
}
