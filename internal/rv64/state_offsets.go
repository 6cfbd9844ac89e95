package rv64

// StateOffsets are the byte offsets of CPU fields within the flat state
// buffer the JIT-compiled WASM functions address directly (the JIT
// encoder bakes these in as i64.load/i64.store constant offsets). The
// interpreter works on the Go struct fields and meets this layout only
// through SaveState/LoadState, so the two tiers agree on exactly one
// layout. Kept as an explicit table — not derived through
// reflection/unsafe — so it reads the same way the rest of this package
// is written: small, literal, and easy to audit against the encoder.
const (
	StateOffsetX    = 0            // 32 x uint64
	StateOffsetPC   = 32 * 8       // uint64
	StateOffsetPriv = StateOffsetPC + 8
	// 7 bytes padding to keep the next field 8-byte aligned.
	StateOffsetMstatus = StateOffsetPriv + 8
	StateOffsetSatp    = StateOffsetMstatus + 8
	StateOffsetMie     = StateOffsetSatp + 8
	StateOffsetMip     = StateOffsetMie + 8
	StateOffsetMcause  = StateOffsetMip + 8
	StateOffsetMtval   = StateOffsetMcause + 8
	StateOffsetMepc    = StateOffsetMtval + 8

	// StateSize is the total size of the flat buffer; must stay in sync
	// with the last field above.
	StateSize = StateOffsetMepc + 8
)

// SaveState flattens the live CPU registers/PC the JIT tier needs into
// buf (at least StateSize bytes), in StateOffsets layout.
func (cpu *CPU) SaveState(buf []byte) {
	for i, v := range cpu.X {
		cpuEndian.PutUint64(buf[StateOffsetX+i*8:], v)
	}
	cpuEndian.PutUint64(buf[StateOffsetPC:], cpu.PC)
	buf[StateOffsetPriv] = cpu.Priv
	cpuEndian.PutUint64(buf[StateOffsetMstatus:], cpu.Mstatus)
	cpuEndian.PutUint64(buf[StateOffsetSatp:], cpu.Satp)
	cpuEndian.PutUint64(buf[StateOffsetMie:], cpu.Mie)
	cpuEndian.PutUint64(buf[StateOffsetMip:], cpu.Mip)
	cpuEndian.PutUint64(buf[StateOffsetMcause:], cpu.Mcause)
	cpuEndian.PutUint64(buf[StateOffsetMtval:], cpu.Mtval)
	cpuEndian.PutUint64(buf[StateOffsetMepc:], cpu.Mepc)
}

// LoadState writes buf (StateOffsets layout) back into the live CPU
// registers/PC after a JIT-compiled block returns.
func (cpu *CPU) LoadState(buf []byte) {
	for i := range cpu.X {
		cpu.X[i] = cpuEndian.Uint64(buf[StateOffsetX+i*8:])
	}
	cpu.PC = cpuEndian.Uint64(buf[StateOffsetPC:])
	cpu.Priv = buf[StateOffsetPriv]
	cpu.Mstatus = cpuEndian.Uint64(buf[StateOffsetMstatus:])
	cpu.Satp = cpuEndian.Uint64(buf[StateOffsetSatp:])
	cpu.Mie = cpuEndian.Uint64(buf[StateOffsetMie:])
	cpu.Mip = cpuEndian.Uint64(buf[StateOffsetMip:])
	cpu.Mcause = cpuEndian.Uint64(buf[StateOffsetMcause:])
	cpu.Mtval = cpuEndian.Uint64(buf[StateOffsetMtval:])
	cpu.Mepc = cpuEndian.Uint64(buf[StateOffsetMepc:])
}
