// Package microop decodes RISC-V instructions into a tagged intermediate
// representation shared by the interpreter's block-boundary logic and the
// JIT compiler, and groups runs of them into immutable Blocks.
package microop

// Kind identifies an instruction's opcode family.
type Kind int

const (
	KindInvalid Kind = iota
	KindLui
	KindAuipc
	KindJal
	KindJalr
	KindBranch
	KindLoad
	KindStore
	KindOpImm
	KindOpImm32
	KindOp
	KindOp32
	KindFence
	KindSystem // ECALL/EBREAK/MRET/SRET/WFI/CSR*
	KindAMO
	KindFP // any of LoadFP/StoreFP/OpFP/Madd/Msub/Nmsub/Nmadd
)

// Effect classifies an op's side effects, used by the block builder to
// decide where a block must end and by the JIT compiler to decide whether
// a block is suitable for compilation.
type Effect int

const (
	EffectPure Effect = iota
	EffectLoad
	EffectStore
	EffectBranch
	EffectJump
	EffectCsr
	EffectSystem
)

// Op is a single decoded instruction: its opcode family, register
// operands, sign-extended immediate, and side-effect classification.
type Op struct {
	Kind   Kind
	Effect Effect

	Rd, Rs1, Rs2 uint32
	Imm          int64
	Funct3       uint32
	Funct7       uint32

	// Width is the access width in bytes for Load/Store ops.
	Width int
	// Unsigned marks a zero-extending load (LBU/LHU/LWU).
	Unsigned bool

	// Raw is the original instruction word, kept so the interpreter tier
	// can fall back to rv64.CPU.Execute verbatim for any op the JIT
	// compiler declines to handle.
	Raw uint32
}

// Insn pairs a decoded Op with the byte length of its encoding (2 for a
// compressed instruction after expansion, 4 otherwise).
type Insn struct {
	Op  Op
	Len int
}

// Block is an immutable, entry-PC-to-terminator run of instructions. It
// ends on the first Branch/Jump/System op or when crossing a page
// boundary, whichever comes first, capped at MaxBlockOps.
type Block struct {
	EntryPC uint64
	EntryPA uint64
	Insns   []Insn
	ByteLen int
}

// MaxBlockOps bounds how many instructions a single block may contain.
const MaxBlockOps = 256
