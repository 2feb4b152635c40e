// Package lir defines the linear intermediate representation emitted by the
// trace recorder and consumed by the native backend.
//
// A trace is a straight-line program. Instructions live in a Buffer that is
// split into an entry section, holding the loads that import interpreter
// slots, and a body. Control leaves the body only through guards, exits,
// loop jumps and nested tree calls.
package lir

import (
	"fmt"
	"math"

	"github.com/chazu/tracejit/pkg/value"
)

// Type is the native type of an instruction's result.
type Type uint8

const (
	Void Type = iota
	I32
	F64
	Str
	Obj
	Boxed
)

var typeNames = [...]string{"void", "i32", "f64", "str", "obj", "boxed"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "?"
}

// TypeOfTag returns the native type a slot of the given tag is held in.
// Int32 slots travel as i32 on the native stack.
func TypeOfTag(tag value.Tag) Type {
	switch tag {
	case value.TagInt32, value.TagBool:
		return I32
	case value.TagDouble:
		return F64
	case value.TagString:
		return Str
	case value.TagObject:
		return Obj
	}
	return Boxed
}

// Ref names an instruction within a Buffer.
type Ref int32

// NoRef marks an absent operand or a folded-away instruction.
const NoRef Ref = -1

// Opcode is an IR operation.
type Opcode uint8

const (
	OpImmI32 Opcode = iota
	OpImmF64
	OpImmStr
	OpImmObj

	OpLdStack  // Imm: native stack offset
	OpStStack  // A -> [Imm]
	OpLdGlobal // Imm: global slot index
	OpStGlobal // A -> global[Imm]

	OpAddI
	OpSubI
	OpMulI
	OpAndI
	OpOrI
	OpXorI
	OpNotI
	OpLshI
	OpRshI
	OpUrshI

	// Overflow-checked integer ops leave through Exit when the result does
	// not fit in an int32 or would be -0.
	OpAddOv
	OpSubOv
	OpMulOv
	OpNegOv
	OpModOv

	OpEqI
	OpLtI
	OpLeI
	OpGtI
	OpGeI

	OpAddF
	OpSubF
	OpMulF
	OpDivF
	OpModF
	OpNegF
	OpEqF
	OpLtF
	OpLeF
	OpGtF
	OpGeF

	OpI2F
	OpU2F
	OpF2I

	OpNot   // i32: A == 0
	OpRefEq // i32: A and B are the same string, object or exit

	OpGuard // leave through Exit unless (A != 0) == (Imm != 0)
	OpExit  // leave through Exit
	OpLoop  // jump to the entry of the fragment in Exit

	OpCall // Call with Args

	OpBox   // A of tag Imm -> boxed
	OpUnbox // boxed A -> Type
	OpTag   // boxed A -> i32 value.Tag
	OpShape // obj A -> i32 shape id
	OpClass // obj A -> i32 value.Class

	OpLdSlot // obj A, slot Imm -> boxed
	OpStSlot // obj A, slot Imm <- boxed B
	OpLdElem // obj A, i32 B -> boxed
	OpStElem // obj A, i32 B <- boxed C
	OpLength // array or string A -> i32

	OpTreeCall // run the tree in Exit with its stack based at Imm; yields the exit taken

	opCount
)

var opNames = [opCount]string{
	"immi", "immf", "imms", "immo",
	"ldstack", "ststack", "ldglobal", "stglobal",
	"addi", "subi", "muli", "andi", "ori", "xori", "noti", "lshi", "rshi", "urshi",
	"addov", "subov", "mulov", "negov", "modov",
	"eqi", "lti", "lei", "gti", "gei",
	"addf", "subf", "mulf", "divf", "modf", "negf", "eqf", "ltf", "lef", "gtf", "gef",
	"i2f", "u2f", "f2i",
	"not", "refeq",
	"guard", "exit", "loop",
	"call",
	"box", "unbox", "tag", "shape", "class",
	"ldslot", "stslot", "ldelem", "stelem", "length",
	"treecall",
}

func (op Opcode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", op)
}

// IsGuarded reports whether op can leave the trace through its Exit.
func (op Opcode) IsGuarded() bool {
	switch op {
	case OpAddOv, OpSubOv, OpMulOv, OpNegOv, OpModOv, OpGuard:
		return true
	}
	return false
}

// IsTerminal reports whether op ends a fragment.
func (op Opcode) IsTerminal() bool { return op == OpExit || op == OpLoop }

// HasSideEffect reports whether op must be kept even when unused.
func (op Opcode) HasSideEffect() bool {
	switch op {
	case OpStStack, OpStGlobal, OpStSlot, OpStElem, OpCall, OpTreeCall:
		return true
	}
	return op.IsGuarded() || op.IsTerminal()
}

// Exit is implemented by side-exit records and by anything a loop or tree
// call can target.
type Exit interface {
	String() string
}

// CallInfo describes a helper callable from compiled code.
type CallInfo struct {
	Name string
	Args []Type
	Ret  Type
	Fn   func(h *value.Heap, args []Word) Word
}

// Ins is one IR instruction.
type Ins struct {
	Op   Opcode
	Type Type
	A    Ref
	B    Ref
	C    Ref
	Imm  int64
	F    float64
	S    string
	Aux  any
	Exit Exit
	Call *CallInfo
	Args []Ref
}

// Word is a native value: numbers and booleans live in Bits, strings,
// objects, boxed values and exits in Ref.
type Word struct {
	Bits uint64
	Ref  any
}

func I32Word(i int32) Word { return Word{Bits: uint64(uint32(i))} }
func F64Word(f float64) Word { return Word{Bits: math.Float64bits(f)} }
func StrWord(s string) Word { return Word{Ref: s} }
func BoxedWord(v value.Value) Word { return Word{Ref: v} }

// ObjWord wraps o; a nil object is null.
func ObjWord(o *value.Object) Word {
	if o == nil {
		return Word{}
	}
	return Word{Ref: o}
}

func (w Word) I32() int32 { return int32(uint32(w.Bits)) }
func (w Word) F64() float64 { return math.Float64frombits(w.Bits) }

func (w Word) Str() string {
	s, _ := w.Ref.(string)
	return s
}

func (w Word) Obj() *value.Object {
	o, _ := w.Ref.(*value.Object)
	return o
}

func (w Word) Boxed() value.Value {
	v, _ := w.Ref.(value.Value)
	return v
}
