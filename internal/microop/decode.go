package microop

// Decode turns a 32-bit (already-expanded, if originally compressed)
// instruction word into an Op, classifying its side effects the way the
// block builder and JIT compiler need.
func Decode(insn uint32) Op {
	op := Op{Raw: insn, Funct3: funct3(insn), Funct7: funct7(insn)}

	switch opcode(insn) {
	case opLui:
		op.Kind = KindLui
		op.Effect = EffectPure
		op.Rd = rd(insn)
		op.Imm = immU(insn)
	case opAuipc:
		op.Kind = KindAuipc
		op.Effect = EffectPure
		op.Rd = rd(insn)
		op.Imm = immU(insn)
	case opJal:
		op.Kind = KindJal
		op.Effect = EffectJump
		op.Rd = rd(insn)
		op.Imm = immJ(insn)
	case opJalr:
		op.Kind = KindJalr
		op.Effect = EffectJump
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Imm = immI(insn)
	case opBranch:
		op.Kind = KindBranch
		op.Effect = EffectBranch
		op.Rs1 = rs1(insn)
		op.Rs2 = rs2(insn)
		op.Imm = immB(insn)
	case opLoad:
		width, unsigned := loadWidth(op.Funct3)
		if width == 0 {
			// funct3 == 0b111 is reserved; the interpreter raises
			// IllegalInstruction for it (execute.go's execLoad default
			// case), so it must never reach the JIT as a real load.
			op.Kind = KindInvalid
			op.Effect = EffectSystem
			break
		}
		op.Kind = KindLoad
		op.Effect = EffectLoad
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Imm = immI(insn)
		op.Width, op.Unsigned = width, unsigned
	case opStore:
		op.Kind = KindStore
		op.Effect = EffectStore
		op.Rs1 = rs1(insn)
		op.Rs2 = rs2(insn)
		op.Imm = immS(insn)
		op.Width = 1 << op.Funct3
	case opOpImm:
		op.Kind = KindOpImm
		op.Effect = EffectPure
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Imm = immI(insn)
	case opOpImm32:
		op.Kind = KindOpImm32
		op.Effect = EffectPure
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Imm = immI(insn)
	case opOp:
		op.Kind = KindOp
		op.Effect = EffectPure
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Rs2 = rs2(insn)
	case opOp32:
		op.Kind = KindOp32
		op.Effect = EffectPure
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Rs2 = rs2(insn)
	case opMiscMem:
		op.Kind = KindFence
		op.Effect = EffectPure
	case opSystem:
		op.Kind = KindSystem
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		if op.Funct3 == 0 {
			op.Effect = EffectSystem
		} else {
			op.Effect = EffectCsr
		}
	case opAMO:
		op.Kind = KindAMO
		op.Effect = EffectStore
		op.Rd = rd(insn)
		op.Rs1 = rs1(insn)
		op.Rs2 = rs2(insn)
	case opLoadFP, opStoreFP, opOpFP, opMadd, opMsub, opNmsub, opNmadd:
		op.Kind = KindFP
		op.Effect = EffectPure
		if opcode(insn) == opLoadFP {
			op.Effect = EffectLoad
		} else if opcode(insn) == opStoreFP {
			op.Effect = EffectStore
		}
	default:
		op.Kind = KindInvalid
		op.Effect = EffectSystem
	}

	return op
}

func loadWidth(f3 uint32) (width int, unsigned bool) {
	switch f3 {
	case 0b000:
		return 1, false
	case 0b001:
		return 2, false
	case 0b010:
		return 4, false
	case 0b011:
		return 8, false
	case 0b100:
		return 1, true
	case 0b101:
		return 2, true
	case 0b110:
		return 4, true
	default:
		return 0, false
	}
}

// Terminates reports whether an Op of this Effect must end a block: any
// control-flow transfer (branch, jump) or a system instruction. CSR
// accesses do not end a block.
func (o Op) Terminates() bool {
	switch o.Effect {
	case EffectBranch, EffectJump, EffectSystem:
		return true
	}
	return false
}
