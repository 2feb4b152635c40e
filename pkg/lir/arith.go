package lir

import (
	"math"

	"github.com/chazu/tracejit/pkg/value"
)

// Arithmetic semantics shared by constant folding, the executor and
// generated Go code.

func AddOv(a, b int32) (int32, bool) {
	r := int64(a) + int64(b)
	return int32(r), r == int64(int32(r))
}

func SubOv(a, b int32) (int32, bool) {
	r := int64(a) - int64(b)
	return int32(r), r == int64(int32(r))
}

// MulOv fails on overflow and on a zero result with a negative operand,
// which would be -0.
func MulOv(a, b int32) (int32, bool) {
	r := int64(a) * int64(b)
	if r == 0 && (a < 0 || b < 0) {
		return 0, false
	}
	return int32(r), r == int64(int32(r))
}

// NegOv fails for 0 (-0) and MinInt32.
func NegOv(a int32) (int32, bool) {
	if a == 0 || a == math.MinInt32 {
		return 0, false
	}
	return -a, true
}

// ModOv handles the non-negative dividend, positive divisor case only.
func ModOv(a, b int32) (int32, bool) {
	if a < 0 || b <= 0 {
		return 0, false
	}
	return a % b, true
}

func Lsh(a, b int32) int32  { return a << (uint32(b) & 31) }
func Rsh(a, b int32) int32  { return a >> (uint32(b) & 31) }
func Ursh(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 31)) }

func ModF(a, b float64) float64 { return math.Mod(a, b) }

// F2I converts with wrapping.
func F2I(f float64) int32 { return value.ToInt32(f) }

// B2I converts a Go bool to an i32 truth value.
func B2I(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// EvalI evaluates an unchecked integer op.
func EvalI(op Opcode, a, b int32) int32 {
	switch op {
	case OpAddI:
		return a + b
	case OpSubI:
		return a - b
	case OpMulI:
		return a * b
	case OpAndI:
		return a & b
	case OpOrI:
		return a | b
	case OpXorI:
		return a ^ b
	case OpNotI:
		return ^a
	case OpLshI:
		return Lsh(a, b)
	case OpRshI:
		return Rsh(a, b)
	case OpUrshI:
		return Ursh(a, b)
	case OpEqI:
		return B2I(a == b)
	case OpLtI:
		return B2I(a < b)
	case OpLeI:
		return B2I(a <= b)
	case OpGtI:
		return B2I(a > b)
	case OpGeI:
		return B2I(a >= b)
	case OpNot:
		return B2I(a == 0)
	}
	panic("lir: not an integer op: " + op.String())
}

// EvalChecked evaluates an overflow-checked integer op.
func EvalChecked(op Opcode, a, b int32) (int32, bool) {
	switch op {
	case OpAddOv:
		return AddOv(a, b)
	case OpSubOv:
		return SubOv(a, b)
	case OpMulOv:
		return MulOv(a, b)
	case OpNegOv:
		return NegOv(a)
	case OpModOv:
		return ModOv(a, b)
	}
	panic("lir: not a checked op: " + op.String())
}

// EvalF evaluates a float op; comparisons yield 0 or 1 as a float.
func EvalF(op Opcode, a, b float64) float64 {
	switch op {
	case OpAddF:
		return a + b
	case OpSubF:
		return a - b
	case OpMulF:
		return a * b
	case OpDivF:
		return a / b
	case OpModF:
		return ModF(a, b)
	case OpNegF:
		return -a
	}
	panic("lir: not a float op: " + op.String())
}

// CmpF evaluates a float comparison.
func CmpF(op Opcode, a, b float64) int32 {
	switch op {
	case OpEqF:
		return B2I(a == b)
	case OpLtF:
		return B2I(a < b)
	case OpLeF:
		return B2I(a <= b)
	case OpGtF:
		return B2I(a > b)
	case OpGeF:
		return B2I(a >= b)
	}
	panic("lir: not a float comparison: " + op.String())
}

// Class of an opcode's operands and result, used by folding and executors.
type opClass uint8

const (
	classOther opClass = iota
	classInt
	classChecked
	classFloat
	classFloatCmp
)

func (op Opcode) class() opClass {
	switch {
	case op >= OpAddI && op <= OpUrshI, op >= OpEqI && op <= OpGeI, op == OpNot:
		return classInt
	case op >= OpAddOv && op <= OpModOv:
		return classChecked
	case op >= OpAddF && op <= OpNegF:
		return classFloat
	case op >= OpEqF && op <= OpGeF:
		return classFloatCmp
	}
	return classOther
}

// IsIntOp reports whether op is an unchecked integer op.
func (op Opcode) IsIntOp() bool { return op.class() == classInt }

// IsCheckedOp reports whether op is an overflow-checked integer op.
func (op Opcode) IsCheckedOp() bool { return op.class() == classChecked }

// IsFloatOp reports whether op is float arithmetic.
func (op Opcode) IsFloatOp() bool { return op.class() == classFloat }

// IsFloatCmp reports whether op is a float comparison.
func (op Opcode) IsFloatCmp() bool { return op.class() == classFloatCmp }
