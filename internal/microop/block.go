package microop

// Fetcher fetches and, if necessary, expands the instruction at a guest
// virtual address, returning its 32-bit encoding, its original byte
// length (2 or 4), and the physical address it was fetched from.
type Fetcher func(vaddr uint64) (insn uint32, length int, paddr uint64, err error)

// PageSize must match rv64.PageSize; duplicated here to avoid an import
// cycle (rv64 has no reason to depend on microop).
const PageSize = 4096

// BuildBlock decodes instructions starting at entryPC until it hits a
// terminator (branch/jump/system op), crosses a page boundary, or hits
// MaxBlockOps, whichever comes first. The returned Block is immutable.
func BuildBlock(fetch Fetcher, entryPC uint64) (*Block, error) {
	insn0, len0, entryPA, err := fetch(entryPC)
	if err != nil {
		return nil, err
	}

	b := &Block{EntryPC: entryPC, EntryPA: entryPA}
	pc := entryPC
	entryPage := entryPC &^ (PageSize - 1)

	insnWord, length := insn0, len0
	for {
		op := Decode(insnWord)
		b.Insns = append(b.Insns, Insn{Op: op, Len: length})
		b.ByteLen += length
		pc += uint64(length)

		if op.Terminates() || op.Kind == KindInvalid {
			break
		}
		if len(b.Insns) >= MaxBlockOps {
			break
		}
		if pc&^(PageSize-1) != entryPage {
			break
		}

		insnWord, length, _, err = fetch(pc)
		if err != nil {
			// A faulting fetch ends the block here; the trap fires for
			// real once execution actually reaches this PC.
			break
		}
	}

	return b, nil
}
