package loader

import (
	"testing"

	"github.com/tinyrange/rvjit/internal/rv64"
)

func TestLoadRawImageGoesToRAMBase(t *testing.T) {
	bus := rv64.NewBus(1024 * 1024)
	image := []byte{0x13, 0x00, 0x00, 0x00} // addi x0, x0, 0

	entry, err := Load(bus, image)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entry != rv64.RAMBase {
		t.Fatalf("entry = %#x, want RAMBase %#x", entry, rv64.RAMBase)
	}

	v, err := bus.Read32(rv64.RAMBase)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0x00000013 {
		t.Fatalf("loaded word = %#x, want 0x13", v)
	}
}

func TestLoadRejectsTruncatedELFMagic(t *testing.T) {
	bus := rv64.NewBus(1024 * 1024)
	image := []byte{0x7f, 'E', 'L', 'F', 0x02, 0x01, 0x01, 0x00}

	if _, err := Load(bus, image); err == nil {
		t.Fatal("expected an error parsing a truncated ELF header")
	}
}
