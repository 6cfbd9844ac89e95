package jit

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvjit/internal/microop"
	"github.com/tinyrange/rvjit/internal/rv64"
)

// ErrUnsuitable is returned by Compile when a block cannot be represented
// by the compiler's instruction subset. The caller (the scheduler loop)
// should blacklist the block's entry PC and keep running it through the
// interpreter rather than retrying compilation.
var ErrUnsuitable = errors.New("jit: block unsuitable for compilation")

// Return-value sentinel ABI for a compiled block's "run" export. A
// non-negative i64 is the next program counter. A negative i64 (bit 63
// set) signals a trap: bits[62:48] carry the trap cause, bits[47:0]
// carry the trap value, mirroring how the interpreter's own
// CPU.Exception/HandleTrap pairs (cause, tval).
const (
	trapBit    = uint64(1) << 63
	causeShift = 48
	causeMask  = uint64(0x7FFF)
	tvalMask   = uint64(0xFFFF_FFFF_FFFF)
)

// EncodeTrapReturn packs a trap cause/value into the sentinel the
// compiled code returns instead of a next-PC.
func EncodeTrapReturn(cause, tval uint64) int64 {
	v := trapBit | ((cause & causeMask) << causeShift) | (tval & tvalMask)
	return int64(v)
}

// DecodeReturn unpacks a compiled block's return value. trapped is false
// when the value is a plain next-PC.
func DecodeReturn(v int64) (nextPC uint64, trapped bool, cause uint64, tval uint64) {
	u := uint64(v)
	if u&trapBit == 0 {
		return u, false, 0, 0
	}
	cause = (u >> causeShift) & causeMask
	tval = u & tvalMask
	return 0, true, cause, tval
}

// maxCompiledOps bounds how large a block we'll bother compiling; beyond
// this the interpreter is cheap enough that JIT setup cost isn't worth
// it, matching the teacher pack's general preference for bounding work
// rather than unboundedly inlining.
const maxCompiledOps = 64

// Compiler lowers microop blocks into WASM modules exercising the fixed
// 8 memory-helper imports and the trapped import, plus direct
// state-buffer access.
type Compiler struct{}

// NewCompiler returns a ready-to-use Compiler. It carries no state of its
// own; all per-block data lives in the Builder the Compile call creates.
func NewCompiler() *Compiler { return &Compiler{} }

// Suitable reports whether a block can be compiled at all, without
// paying for the full Compile pass. The scheduler loop calls this before
// submitting a block so it can blacklist unsuitable PCs immediately.
func (c *Compiler) Suitable(b *microop.Block) (bool, string) {
	if len(b.Insns) == 0 {
		return false, "empty block"
	}
	if len(b.Insns) > maxCompiledOps {
		return false, "block exceeds compiled op budget"
	}
	for i, insn := range b.Insns {
		op := insn.Op
		last := i == len(b.Insns)-1
		switch op.Effect {
		case microop.EffectSystem, microop.EffectCsr:
			return false, "system/csr instructions stay on the interpreter"
		}
		switch op.Kind {
		case microop.KindAMO:
			return false, "atomics stay on the interpreter"
		case microop.KindFP:
			return false, "floating point stays on the interpreter"
		case microop.KindFence:
			return false, "fences stay on the interpreter"
		case microop.KindInvalid:
			return false, "undecoded instruction"
		}
		if (op.Kind == microop.KindOp || op.Kind == microop.KindOp32) && op.Funct7 == 0x01 {
			return false, "multiply/divide stays on the interpreter"
		}
		if !last && op.Terminates() {
			return false, "terminator mid-block"
		}
	}
	return true, ""
}

// Compile lowers b into a complete WASM module. Returns ErrUnsuitable
// (wrapped with the reason) if Suitable would have rejected the block.
func (c *Compiler) Compile(b *microop.Block) ([]byte, error) {
	if ok, reason := c.Suitable(b); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsuitable, reason)
	}

	builder := NewBuilder()
	// Param 0 is the i32 base pointer into the shared state memory; it
	// addresses the register file directly, so no widening is needed for
	// state access (only guest loads/stores go through the i64-addressed
	// import helpers).
	const base = 0

	pc := b.EntryPC
	for _, insn := range b.Insns {
		if err := c.emitOp(builder, base, insn.Op, pc); err != nil {
			return nil, err
		}
		pc += uint64(insn.Len)
	}

	last := b.Insns[len(b.Insns)-1].Op
	if !last.Terminates() {
		// Block ran off the end of its cap without hitting a terminator;
		// fall through to the next sequential PC.
		builder.EmitI64Const(int64(pc))
		builder.Emit(opReturn)
	}

	return builder.BuildWithImports(), nil
}

// emitOp lowers a single decoded instruction. pc is the address of this
// instruction (needed for PC-relative targets: JAL/branch/AUIPC).
func (c *Compiler) emitOp(b *Builder, base uint32, op microop.Op, pc uint64) error {
	switch op.Kind {
	case microop.KindLui:
		c.storeReg(b, base, op.Rd, func() {
			b.EmitI64Const(op.Imm)
		})
	case microop.KindAuipc:
		c.storeReg(b, base, op.Rd, func() {
			b.EmitI64Const(int64(pc) + op.Imm)
		})
	case microop.KindJal:
		target := int64(pc) + op.Imm
		if op.Rd != 0 {
			c.storeReg(b, base, op.Rd, func() {
				b.EmitI64Const(int64(pc + 4))
			})
		}
		b.EmitI64Const(target)
		b.Emit(opReturn)
	case microop.KindJalr:
		if op.Rd != 0 {
			c.storeReg(b, base, op.Rd, func() {
				b.EmitI64Const(int64(pc + 4))
			})
		}
		c.loadReg(b, base, op.Rs1)
		b.EmitI64Const(op.Imm)
		b.Emit(opI64Add)
		b.EmitI64Const(^int64(1)) // ~1, clears bit 0 per JALR semantics
		b.Emit(opI64And)
		b.Emit(opReturn)
	case microop.KindBranch:
		return c.emitBranch(b, base, op, pc)
	case microop.KindLoad:
		return c.emitLoad(b, base, op, pc)
	case microop.KindStore:
		return c.emitStore(b, base, op, pc)
	case microop.KindOpImm, microop.KindOpImm32, microop.KindOp, microop.KindOp32:
		return c.emitAlu(b, base, op)
	default:
		return fmt.Errorf("%w: unhandled kind %d", ErrUnsuitable, op.Kind)
	}
	return nil
}

// loadReg pushes register rs onto the stack as an i64; x0 is always 0.
func (c *Compiler) loadReg(b *Builder, base uint32, rs uint32) {
	if rs == 0 {
		b.EmitI64Const(0)
		return
	}
	b.EmitLocalGet(base)
	b.EmitDirectLoadI64(rv64.StateOffsetX + uint64(rs)*8)
}

// storeReg stores the value produced by push (left on the stack) into
// register rd. Writes to x0 emit nothing (push is not called), matching
// the interpreter's own x0-is-hardwired-zero behavior.
func (c *Compiler) storeReg(b *Builder, base uint32, rd uint32, push func()) {
	if rd == 0 {
		return
	}
	b.EmitLocalGet(base)
	push()
	b.EmitDirectStoreI64(rv64.StateOffsetX + uint64(rd)*8)
}

// emitSyncPC commits pc into the state buffer's PC field unconditionally,
// before the address computation for a guest memory access. Execute's
// cpu.LoadState runs before the trapErr check, so if the access that
// follows faults, the restored cpu.PC lands on this instruction's own
// address rather than the block's entry PC — matching the interpreter's
// own oldPC rollback in machine.go's Step.
func (c *Compiler) emitSyncPC(b *Builder, base uint32, pc uint64) {
	b.EmitLocalGet(base)
	b.EmitI64Const(int64(pc))
	b.EmitDirectStoreI64(rv64.StateOffsetPC)
}

// emitTrapCheck polls the `trapped` import right after a read_*/write_*
// call and returns out of the function immediately if it faulted, so the
// block never executes (or commits) anything past the faulting access.
// A return inside the if can only pop values pushed within the if, so
// the check pushes its own dummy i64 for it; Execute never inspects that
// value once trapErr is set.
func (c *Compiler) emitTrapCheck(b *Builder) {
	b.EmitTrapped()
	b.Emit(opIf)
	b.Emit(blockTypeVoid)
	b.EmitI64Const(0)
	b.Emit(opReturn)
	b.Emit(opEnd)
}

// emitLoad always performs the guest read, even when rd is x0, since the
// interpreter's execLoad does too (a load to x0 can still fault); only
// the final register commit is conditional.
func (c *Compiler) emitLoad(b *Builder, base uint32, op microop.Op, pc uint64) error {
	switch op.Width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: bad load width %d", ErrUnsuitable, op.Width)
	}

	c.emitSyncPC(b, base, pc)

	if op.Rd != 0 {
		b.EmitLocalGet(base)
	}

	c.loadReg(b, base, op.Rs1)
	b.EmitI64Const(op.Imm)
	b.Emit(opI64Add)

	switch op.Width {
	case 1:
		b.EmitReadU8()
	case 2:
		b.EmitReadU16()
	case 4:
		b.EmitReadU32()
	case 8:
		b.EmitReadU64()
	}

	c.emitTrapCheck(b)

	if op.Rd == 0 {
		b.EmitDrop()
		return nil
	}

	switch op.Width {
	case 1:
		if !op.Unsigned {
			signExtendByte(b)
		}
	case 2:
		if !op.Unsigned {
			signExtendHalf(b)
		}
	case 4:
		if !op.Unsigned {
			signExtendWord(b)
		}
	}
	b.EmitDirectStoreI64(rv64.StateOffsetX + uint64(op.Rd)*8)
	return nil
}

func (c *Compiler) emitStore(b *Builder, base uint32, op microop.Op, pc uint64) error {
	switch op.Width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: bad store width %d", ErrUnsuitable, op.Width)
	}

	c.emitSyncPC(b, base, pc)

	c.loadReg(b, base, op.Rs1)
	b.EmitI64Const(op.Imm)
	b.Emit(opI64Add)
	c.loadReg(b, base, op.Rs2)
	switch op.Width {
	case 1:
		b.EmitWriteU8()
	case 2:
		b.EmitWriteU16()
	case 4:
		b.EmitWriteU32()
	case 8:
		b.EmitWriteU64()
	}

	// A write call leaves nothing on the stack, so the trapped-check's
	// implicit return needs its own i64 to discard.
	b.EmitTrapped()
	b.Emit(opIf)
	b.Emit(blockTypeVoid)
	b.EmitI64Const(0)
	b.Emit(opReturn)
	b.Emit(opEnd)
	return nil
}

// signExtendByte/Half/Word sign-extend the low 8/16/32 bits of the i64
// on top of the stack, since WASM has no native sign-extending load
// narrower than the ones we already use via the read helpers (those
// always return zero-extended values; sign comes from the original
// opcode, not the memory width).
func signExtendByte(b *Builder) {
	b.EmitI64Const(56)
	b.Emit(opI64Shl)
	b.EmitI64Const(56)
	b.Emit(opI64ShrS)
}

func signExtendHalf(b *Builder) {
	b.EmitI64Const(48)
	b.Emit(opI64Shl)
	b.EmitI64Const(48)
	b.Emit(opI64ShrS)
}

func signExtendWord(b *Builder) {
	b.EmitI64Const(32)
	b.Emit(opI64Shl)
	b.EmitI64Const(32)
	b.Emit(opI64ShrS)
}

func (c *Compiler) emitBranch(b *Builder, base uint32, op microop.Op, pc uint64) error {
	c.loadReg(b, base, op.Rs1)
	c.loadReg(b, base, op.Rs2)
	switch op.Funct3 {
	case 0: // BEQ
		b.Emit(opI64Eq)
	case 1: // BNE
		b.Emit(opI64Ne)
	case 4: // BLT
		b.Emit(opI64LtS)
	case 5: // BGE
		b.Emit(opI64GeS)
	case 6: // BLTU
		b.Emit(opI64LtU)
	case 7: // BGEU
		b.Emit(opI64GeU)
	default:
		return fmt.Errorf("%w: bad branch funct3 %d", ErrUnsuitable, op.Funct3)
	}
	// i64 comparisons push an i32 bool; WASM's if consumes that directly.
	// The if is typed (result i64): each arm leaves its target PC on the
	// stack via fallthrough rather than returning from inside the arm, so
	// after End the function frame is reachable again with exactly the
	// one i64 value the trailing return needs. An arm-local return would
	// only unreachable-mark that arm; the enclosing function frame would
	// resume with an empty stack and fail the function's own final End.
	b.Emit(opIf)
	b.Emit(valI64)
	b.EmitI64Const(int64(pc) + op.Imm)
	b.Emit(opElse)
	b.EmitI64Const(int64(pc + 4))
	b.Emit(opEnd)
	b.Emit(opReturn)
	return nil
}

func (c *Compiler) emitAlu(b *Builder, base uint32, op microop.Op) error {
	is32 := op.Kind == microop.KindOpImm32 || op.Kind == microop.KindOp32
	isReg := op.Kind == microop.KindOp || op.Kind == microop.KindOp32

	c.storeReg(b, base, op.Rd, func() {
		c.loadReg(b, base, op.Rs1)
		if is32 && op.Funct3 == 5 {
			// SRLIW/SRLW/SRAIW/SRAW shift a 32-bit view of rs1; truncate
			// before shifting so upper bits can't leak into the result,
			// then re-extend per the arithmetic/logical flavor.
			b.Emit(opI32WrapI64)
			if op.Funct7 == 0x20 {
				b.Emit(opI64ExtendI32S)
			} else {
				b.Emit(opI64ExtendI32U)
			}
		}
		if isReg {
			c.loadReg(b, base, op.Rs2)
		} else {
			b.EmitI64Const(op.Imm)
		}
		shiftMask := int64(0x3f)
		if is32 {
			shiftMask = 0x1f
		}
		switch op.Funct3 {
		case 0:
			if isReg && op.Funct7 == 0x20 {
				b.Emit(opI64Sub)
			} else {
				b.Emit(opI64Add)
			}
		case 1:
			b.EmitI64Const(shiftMask)
			b.Emit(opI64And)
			b.Emit(opI64Shl)
		case 2:
			b.Emit(opI64LtS)
			b.Emit(opI64ExtendI32U)
		case 3:
			b.Emit(opI64LtU)
			b.Emit(opI64ExtendI32U)
		case 4:
			b.Emit(opI64Xor)
		case 5:
			b.EmitI64Const(shiftMask)
			b.Emit(opI64And)
			if op.Funct7 == 0x20 {
				b.Emit(opI64ShrS)
			} else {
				b.Emit(opI64ShrU)
			}
		case 6:
			b.Emit(opI64Or)
		case 7:
			b.Emit(opI64And)
		}
		if is32 {
			b.Emit(opI32WrapI64)
			b.Emit(opI64ExtendI32S)
		}
	})
	return nil
}
