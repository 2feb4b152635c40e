package lir

// fold performs constant folding on ins before it is appended. It reports
// the replacement ref when the instruction is not needed.
func (b *Buffer) fold(ins *Ins) (Ref, bool) {
	isImm := func(r Ref, op Opcode) (*Ins, bool) {
		if r == NoRef {
			return nil, false
		}
		x := b.At(r)
		return x, x.Op == op
	}
	unary := ins.B == NoRef
	ai, aInt := isImm(ins.A, OpImmI32)
	bi, bInt := isImm(ins.B, OpImmI32)
	af, aFlt := isImm(ins.A, OpImmF64)
	bf, bFlt := isImm(ins.B, OpImmF64)

	switch op := ins.Op; {
	case op == OpGuard:
		if aInt && (ai.Imm != 0) == (ins.Imm != 0) {
			return NoRef, true
		}
	case op == OpI2F && aInt:
		return b.ImmF64(float64(int32(ai.Imm))), true
	case op == OpU2F && aInt:
		return b.ImmF64(float64(uint32(ai.Imm))), true
	case op == OpF2I && aFlt:
		return b.ImmI32(F2I(af.F)), true
	case op.IsIntOp() && aInt && (unary || bInt):
		var y int32
		if !unary {
			y = int32(bi.Imm)
		}
		return b.ImmI32(EvalI(op, int32(ai.Imm), y)), true
	case op.IsCheckedOp() && aInt && (unary || bInt):
		var y int32
		if !unary {
			y = int32(bi.Imm)
		}
		if r, ok := EvalChecked(op, int32(ai.Imm), y); ok {
			return b.ImmI32(r), true
		}
	case op.IsFloatOp() && aFlt && (unary || bFlt):
		var y float64
		if !unary {
			y = bf.F
		}
		return b.ImmF64(EvalF(op, af.F, y)), true
	case op.IsFloatCmp() && aFlt && bFlt:
		return b.ImmI32(CmpF(op, af.F, bf.F)), true
	}
	return NoRef, false
}
