package jit

// WASM binary format constants, grounded on the opcode/section layout in
// _examples/other_examples's wasm-constants reference and the official
// binary format spec. Only the subset this compiler emits is listed.

const (
	wasmMagic   uint32 = 0x6D736100 // "\0asm"
	wasmVersion uint32 = 0x01
)

// Section IDs.
const (
	secCustom   = 0
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
)

// Value types.
const (
	valI32 = 0x7F
	valI64 = 0x7E
)

// Import/export kinds.
const (
	kindFunc   = 0x00
	kindTable  = 0x01
	kindMemory = 0x02
	kindGlobal = 0x03
)

// Function type form.
const funcTypeForm = 0x60

// blockTypeVoid marks a block/if with no parameters and no results.
const blockTypeVoid = 0x40

// Control/variable/memory opcodes used by the encoder.
const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0B
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A

	opLocalGet = 0x20
	opLocalSet = 0x21
	opLocalTee = 0x22

	opI32Load  = 0x28
	opI64Load  = 0x29
	opI32Load8S  = 0x2C
	opI32Load8U  = 0x2D
	opI32Load16S = 0x2E
	opI32Load16U = 0x2F
	opI64Load8S  = 0x30
	opI64Load8U  = 0x31
	opI64Load16S = 0x32
	opI64Load16U = 0x33
	opI64Load32S = 0x34
	opI64Load32U = 0x35
	opI32Store   = 0x36
	opI64Store   = 0x37
	opI32Store8  = 0x3A
	opI32Store16 = 0x3B
	opI64Store8  = 0x3C
	opI64Store16 = 0x3D
	opI64Store32 = 0x3E

	opI32Const = 0x41
	opI64Const = 0x42

	opI32Eqz = 0x45
	opI32Eq  = 0x46
	opI32Ne  = 0x47
	opI32LtS = 0x48
	opI32LtU = 0x49
	opI32GtS = 0x4A
	opI32GtU = 0x4B
	opI32LeS = 0x4C
	opI32LeU = 0x4D
	opI32GeS = 0x4E
	opI32GeU = 0x4F

	opI64Eqz = 0x50
	opI64Eq  = 0x51
	opI64Ne  = 0x52
	opI64LtS = 0x53
	opI64LtU = 0x54
	opI64GtS = 0x55
	opI64GtU = 0x56
	opI64LeS = 0x57
	opI64LeU = 0x58
	opI64GeS = 0x59
	opI64GeU = 0x5A

	opI32Add = 0x6A
	opI32Sub = 0x6B
	opI32And = 0x71
	opI32Or  = 0x72
	opI32Xor = 0x73
	opI32Shl = 0x74
	opI32ShrS = 0x75
	opI32ShrU = 0x76

	opI64Add  = 0x7C
	opI64Sub  = 0x7D
	opI64Mul  = 0x7E
	opI64DivS = 0x7F
	opI64DivU = 0x80
	opI64RemS = 0x81
	opI64RemU = 0x82
	opI64And  = 0x83
	opI64Or   = 0x84
	opI64Xor  = 0x85
	opI64Shl  = 0x86
	opI64ShrS = 0x87
	opI64ShrU = 0x88

	opI32WrapI64    = 0xA7
	opI64ExtendI32S = 0xAC
	opI64ExtendI32U = 0xAD
)

// imports lists the fixed import function indices the encoder always
// emits first, matching encoder.rs's `imports` module for the 8 memory
// helpers, plus one addition of our own: `trapped`, which a compiled
// block polls after every guest memory access so it can stop executing
// precisely at the faulting instruction instead of running the rest of
// the block against a poisoned state buffer.
const (
	importReadU64  = 0
	importReadU32  = 1
	importReadU16  = 2
	importReadU8   = 3
	importWriteU64 = 4
	importWriteU32 = 5
	importWriteU16 = 6
	importWriteU8  = 7
	importTrapped  = 8
	// RunFuncIndex is the index our own compiled function gets once it
	// follows the 9 imports, and the index its "run" export refers to.
	RunFuncIndex = 9
)
