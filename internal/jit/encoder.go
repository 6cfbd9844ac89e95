package jit

import "encoding/binary"

// leb128U appends an unsigned LEB128 encoding of v to buf.
func leb128U(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// leb128S appends a signed LEB128 encoding of v to buf.
func leb128S(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			buf = append(buf, b)
			return buf
		}
		buf = append(buf, b|0x80)
	}
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = leb128U(out, uint64(len(body)))
	return append(out, body...)
}

// localGroup is a run of consecutive locals sharing a type, mirroring
// encoder.rs's coalescing of add_local calls.
type localGroup struct {
	count uint32
	typ   byte
}

// Builder assembles a single WASM module: 10 types ((i32)->i64 for `run`,
// the 8 memory-helper signatures, and ()->i32 for `trapped`), a memory
// import plus the 9 fixed function imports, one function (our compiled
// block), one export ("run"), and a code section. Grounded on
// encoder.rs's WasmModuleBuilder, extended with the `trapped` poll this
// port needs for precise trap delivery (encoder.rs's JIT never needed it
// since the Rust original checks a Rust-side Result after every call
// instead of crossing a language boundary that can't propagate errors).
type Builder struct {
	instructions []byte
	locals       []localGroup
	localIndex   uint32 // next free local index, starting after params
}

// NewBuilder creates an encoder for a function taking a single i32
// parameter (the CPU-state base pointer) and returning an i64 (the
// trap/next-PC sentinel).
func NewBuilder() *Builder {
	return &Builder{localIndex: 1} // param 0 is the base pointer
}

// AddLocal declares a new local of the given WASM value type and returns
// its index, coalescing it into the previous group when the type matches
// (exactly as encoder.rs's get_or_create_local/add_local do).
func (b *Builder) AddLocal(typ byte) uint32 {
	idx := b.localIndex
	b.localIndex++
	if n := len(b.locals); n > 0 && b.locals[n-1].typ == typ {
		b.locals[n-1].count++
	} else {
		b.locals = append(b.locals, localGroup{count: 1, typ: typ})
	}
	return idx
}

// Emit appends a raw opcode byte.
func (b *Builder) Emit(op byte) *Builder {
	b.instructions = append(b.instructions, op)
	return b
}

// EmitAll appends raw bytes verbatim.
func (b *Builder) EmitAll(bs ...byte) *Builder {
	b.instructions = append(b.instructions, bs...)
	return b
}

// EmitI32Const emits an i32.const.
func (b *Builder) EmitI32Const(v int32) *Builder {
	b.Emit(opI32Const)
	b.instructions = leb128S(b.instructions, int64(v))
	return b
}

// EmitI64Const emits an i64.const.
func (b *Builder) EmitI64Const(v int64) *Builder {
	b.Emit(opI64Const)
	b.instructions = leb128S(b.instructions, v)
	return b
}

// EmitLocalGet/Set/Tee emit the corresponding variable-access opcode.
func (b *Builder) EmitLocalGet(idx uint32) *Builder {
	b.Emit(opLocalGet)
	b.instructions = leb128U(b.instructions, uint64(idx))
	return b
}

func (b *Builder) EmitLocalSet(idx uint32) *Builder {
	b.Emit(opLocalSet)
	b.instructions = leb128U(b.instructions, uint64(idx))
	return b
}

func (b *Builder) EmitLocalTee(idx uint32) *Builder {
	b.Emit(opLocalTee)
	b.instructions = leb128U(b.instructions, uint64(idx))
	return b
}

// EmitCall emits a call to a function index (used for the 8 fixed memory
// helper imports).
func (b *Builder) EmitCall(fnIndex uint32) *Builder {
	b.Emit(opCall)
	b.instructions = leb128U(b.instructions, uint64(fnIndex))
	return b
}

// memArg appends a (align, offset) pair ahead of a direct load/store.
func (b *Builder) memArg(align uint32, offset uint64) {
	b.instructions = leb128U(b.instructions, uint64(align))
	b.instructions = leb128U(b.instructions, offset)
}

// EmitDirectLoadI64/I32 emit a raw i64.load/i32.load against the shared
// CPU-state memory (used for state-buffer field access, which needs no
// MMU translation since it isn't guest-addressable).
func (b *Builder) EmitDirectLoadI64(offset uint64) *Builder {
	b.Emit(opI64Load)
	b.memArg(3, offset)
	return b
}

func (b *Builder) EmitDirectLoadI32(offset uint64) *Builder {
	b.Emit(opI32Load)
	b.memArg(2, offset)
	return b
}

// EmitDirectStoreI64/I32 emit a raw i64.store/i32.store.
func (b *Builder) EmitDirectStoreI64(offset uint64) *Builder {
	b.Emit(opI64Store)
	b.memArg(3, offset)
	return b
}

func (b *Builder) EmitDirectStoreI32(offset uint64) *Builder {
	b.Emit(opI32Store)
	b.memArg(2, offset)
	return b
}

// EmitReadU64/32/16/8 call the imported guest-memory read helpers (which
// perform MMU translation host-side); the address is expected already on
// the stack as an i64, and the result is pushed as an i64.
func (b *Builder) EmitReadU64() *Builder { return b.EmitCall(importReadU64) }
func (b *Builder) EmitReadU32() *Builder { return b.EmitCall(importReadU32) }
func (b *Builder) EmitReadU16() *Builder { return b.EmitCall(importReadU16) }
func (b *Builder) EmitReadU8() *Builder  { return b.EmitCall(importReadU8) }

// EmitWriteU64/32/16/8 call the imported guest-memory write helpers; the
// address and value are expected already on the stack as i64s.
func (b *Builder) EmitWriteU64() *Builder { return b.EmitCall(importWriteU64) }
func (b *Builder) EmitWriteU32() *Builder { return b.EmitCall(importWriteU32) }
func (b *Builder) EmitWriteU16() *Builder { return b.EmitCall(importWriteU16) }
func (b *Builder) EmitWriteU8() *Builder  { return b.EmitCall(importWriteU8) }

// EmitI64ExtendI32U zero-extends the i32 on top of the stack to i64.
func (b *Builder) EmitI64ExtendI32U() *Builder { return b.Emit(opI64ExtendI32U) }

// EmitTrapped calls the imported `trapped` host function, pushing an i32
// boolean: whether the last read_*/write_* call faulted.
func (b *Builder) EmitTrapped() *Builder { return b.EmitCall(importTrapped) }

// EmitDrop discards the top of stack.
func (b *Builder) EmitDrop() *Builder { return b.Emit(opDrop) }

func funcTypeBytes(params, results []byte) []byte {
	out := []byte{funcTypeForm}
	out = leb128U(out, uint64(len(params)))
	out = append(out, params...)
	out = leb128U(out, uint64(len(results)))
	out = append(out, results...)
	return out
}

// Build produces the minimal module: one type (i32)->i64, a memory
// import only, our function, and a "run" export — used by tests and by
// the empty-block case where no memory helpers are needed at all.
func (b *Builder) Build() []byte {
	return b.encode(false)
}

// BuildWithImports produces the full module: 10 types (ours plus the 8
// helper signatures and trapped's), the memory import plus the 8 helper
// imports and trapped in their fixed order (giving them function indices
// 0-8), our function at index 9 (RunFuncIndex) exported as "run".
func (b *Builder) BuildWithImports() []byte {
	return b.encode(true)
}

func (b *Builder) encode(withImports bool) []byte {
	var out []byte
	out = append(out, byte(wasmMagic), byte(wasmMagic>>8), byte(wasmMagic>>16), byte(wasmMagic>>24))
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], wasmVersion)
	out = append(out, verBuf[:]...)

	// Type section.
	runType := funcTypeBytes([]byte{valI32}, []byte{valI64})
	var typeBody []byte
	var numTypes uint64 = 1
	if withImports {
		numTypes = 10
	}
	typeBody = leb128U(typeBody, numTypes)
	typeBody = append(typeBody, runType...)
	if withImports {
		// 8 helper signatures: read_* take (i64 guestAddr)->i64, write_*
		// take (i64 guestAddr, i64 value)->() — the guest address space is
		// 64-bit regardless of the wasm32 linear memory the state buffer
		// lives in, so these cross the host boundary as plain i64s rather
		// than wasm memory operations. trapped takes no operands and
		// returns an i32 boolean: whether the most recent read_*/write_*
		// call faulted.
		readType := funcTypeBytes([]byte{valI64}, []byte{valI64})
		writeType := funcTypeBytes([]byte{valI64, valI64}, nil)
		trappedType := funcTypeBytes(nil, []byte{valI32})
		for i := 0; i < 4; i++ {
			typeBody = append(typeBody, readType...)
		}
		for i := 0; i < 4; i++ {
			typeBody = append(typeBody, writeType...)
		}
		typeBody = append(typeBody, trappedType...)
	}
	out = append(out, section(secType, typeBody)...)

	// Import section.
	var importBody []byte
	numImports := uint64(1)
	if withImports {
		numImports = 10
	}
	importBody = leb128U(importBody, numImports)
	importBody = appendImport(importBody, "env", "memory", kindMemory, 0)
	if withImports {
		names := []string{"read_u64", "read_u32", "read_u16", "read_u8", "write_u64", "write_u32", "write_u16", "write_u8", "trapped"}
		for i, name := range names {
			importBody = appendImportFunc(importBody, "env", name, uint32(i+1))
		}
	}
	out = append(out, section(secImport, importBody)...)

	// Function section: one function, using type index 0 (the run type).
	funcBody := leb128U(nil, 1)
	funcBody = leb128U(funcBody, 0)
	out = append(out, section(secFunction, funcBody)...)

	// Export section: "run" exported at its function index.
	runIndex := uint64(0)
	if withImports {
		runIndex = RunFuncIndex
	}
	exportBody := leb128U(nil, 1)
	exportBody = appendExportFunc(exportBody, "run", runIndex)
	out = append(out, section(secExport, exportBody)...)

	// Code section: our single function body.
	code := b.codeBody()
	codeBody := leb128U(nil, 1)
	codeBody = leb128U(codeBody, uint64(len(code)))
	codeBody = append(codeBody, code...)
	out = append(out, section(secCode, codeBody)...)

	return out
}

func (b *Builder) codeBody() []byte {
	var body []byte
	body = leb128U(body, uint64(len(b.locals)))
	for _, g := range b.locals {
		body = leb128U(body, uint64(g.count))
		body = append(body, g.typ)
	}
	body = append(body, b.instructions...)
	body = append(body, opEnd)
	return body
}

func appendStr(buf []byte, s string) []byte {
	buf = leb128U(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendImport(buf []byte, mod, name string, kind byte, memMaxPages int) []byte {
	buf = appendStr(buf, mod)
	buf = appendStr(buf, name)
	buf = append(buf, kind)
	// limits: flag 0x00 (non-shared, no max) with a minimum of 1 page,
	// matched by the 1-page state memory the runtime's env module exports.
	buf = append(buf, 0x00)
	buf = leb128U(buf, 1)
	return buf
}

func appendImportFunc(buf []byte, mod, name string, typeIdx uint32) []byte {
	buf = appendStr(buf, mod)
	buf = appendStr(buf, name)
	buf = append(buf, kindFunc)
	buf = leb128U(buf, uint64(typeIdx))
	return buf
}

func appendExportFunc(buf []byte, name string, idx uint64) []byte {
	buf = appendStr(buf, name)
	buf = append(buf, kindFunc)
	buf = leb128U(buf, idx)
	return buf
}
