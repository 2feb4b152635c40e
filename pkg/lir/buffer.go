package lir

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/chazu/tracejit/pkg/value"
)

var generations atomic.Uint64

// Buffer is the arena holding one fragment's instructions. Releasing it
// drops the instructions and retires its generation, so code assembled
// from it can detect that it is stale.
type Buffer struct {
	ins      []Ins
	entry    []Ref
	body     []Ref
	gen      uint64
	released bool
	limit    int
}

// NewBuffer returns an empty buffer holding at most limit instructions
// (0 for no limit).
func NewBuffer(limit int) *Buffer {
	return &Buffer{gen: generations.Add(1), limit: limit}
}

// Generation identifies this buffer's current contents.
func (b *Buffer) Generation() uint64 { return b.gen }

// Release frees the instructions. Later reads of a released buffer see an
// empty program.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.ins, b.entry, b.body = nil, nil, nil
	b.gen = generations.Add(1)
}

func (b *Buffer) Released() bool { return b.released }

// Len returns the number of instructions.
func (b *Buffer) Len() int { return len(b.ins) }

// Full reports whether the buffer has reached its limit.
func (b *Buffer) Full() bool { return b.limit > 0 && len(b.ins) >= b.limit }

// At returns the instruction r.
func (b *Buffer) At(r Ref) *Ins { return &b.ins[r] }

// Entry returns the entry section in order.
func (b *Buffer) Entry() []Ref { return b.entry }

// Body returns the body in order.
func (b *Buffer) Body() []Ref { return b.body }

// Last returns the final body instruction, or nil.
func (b *Buffer) Last() *Ins {
	if len(b.body) == 0 {
		return nil
	}
	return &b.ins[b.body[len(b.body)-1]]
}

func (b *Buffer) add(ins Ins, entry bool) Ref {
	r := Ref(len(b.ins))
	b.ins = append(b.ins, ins)
	if entry {
		b.entry = append(b.entry, r)
	} else {
		b.body = append(b.body, r)
	}
	return r
}

// EmitEntry appends ins to the entry section.
func (b *Buffer) EmitEntry(ins Ins) Ref { return b.add(ins, true) }

// Emit appends ins to the body after constant folding. The returned ref may
// name an existing instruction, or be NoRef for a guard that always holds.
func (b *Buffer) Emit(ins Ins) Ref {
	if r, ok := b.fold(&ins); ok {
		return r
	}
	return b.add(ins, false)
}

// ============================================================================
// Emitters
// ============================================================================

func (b *Buffer) ImmI32(i int32) Ref {
	return b.Emit(Ins{Op: OpImmI32, Type: I32, A: NoRef, B: NoRef, C: NoRef, Imm: int64(i)})
}

func (b *Buffer) ImmF64(f float64) Ref {
	return b.Emit(Ins{Op: OpImmF64, Type: F64, A: NoRef, B: NoRef, C: NoRef, F: f})
}

func (b *Buffer) ImmStr(s string) Ref {
	return b.Emit(Ins{Op: OpImmStr, Type: Str, A: NoRef, B: NoRef, C: NoRef, S: s})
}

// ImmObj emits an object constant; nil is null.
func (b *Buffer) ImmObj(o *value.Object) Ref {
	var aux any
	if o != nil {
		aux = o
	}
	return b.Emit(Ins{Op: OpImmObj, Type: Obj, A: NoRef, B: NoRef, C: NoRef, Aux: aux})
}

// Op1 emits a unary instruction.
func (b *Buffer) Op1(op Opcode, t Type, a Ref) Ref {
	return b.Emit(Ins{Op: op, Type: t, A: a, B: NoRef, C: NoRef})
}

// Op2 emits a binary instruction.
func (b *Buffer) Op2(op Opcode, t Type, a, c Ref) Ref {
	return b.Emit(Ins{Op: op, Type: t, A: a, B: c, C: NoRef})
}

// Checked emits an overflow-checked integer op that leaves through exit.
func (b *Buffer) Checked(op Opcode, a, c Ref, exit Exit) Ref {
	return b.Emit(Ins{Op: op, Type: I32, A: a, B: c, C: NoRef, Exit: exit})
}

// LdStack imports native stack slot off at the trace entry.
func (b *Buffer) LdStack(t Type, off int) Ref {
	return b.EmitEntry(Ins{Op: OpLdStack, Type: t, A: NoRef, B: NoRef, C: NoRef, Imm: int64(off)})
}

// LdGlobal imports global slot g at the trace entry.
func (b *Buffer) LdGlobal(t Type, g int) Ref {
	return b.EmitEntry(Ins{Op: OpLdGlobal, Type: t, A: NoRef, B: NoRef, C: NoRef, Imm: int64(g)})
}

// ReloadStack loads native stack slot off at the current position.
func (b *Buffer) ReloadStack(t Type, off int) Ref {
	return b.add(Ins{Op: OpLdStack, Type: t, A: NoRef, B: NoRef, C: NoRef, Imm: int64(off)}, false)
}

// ReloadGlobal loads global slot g at the current position.
func (b *Buffer) ReloadGlobal(t Type, g int) Ref {
	return b.add(Ins{Op: OpLdGlobal, Type: t, A: NoRef, B: NoRef, C: NoRef, Imm: int64(g)}, false)
}

func (b *Buffer) StStack(a Ref, off int) Ref {
	return b.Emit(Ins{Op: OpStStack, Type: Void, A: a, B: NoRef, C: NoRef, Imm: int64(off)})
}

func (b *Buffer) StGlobal(a Ref, g int) Ref {
	return b.Emit(Ins{Op: OpStGlobal, Type: Void, A: a, B: NoRef, C: NoRef, Imm: int64(g)})
}

// Guard leaves through exit unless cond's truth equals expect.
func (b *Buffer) Guard(cond Ref, expect bool, exit Exit) Ref {
	var imm int64
	if expect {
		imm = 1
	}
	return b.Emit(Ins{Op: OpGuard, Type: Void, A: cond, B: NoRef, C: NoRef, Imm: imm, Exit: exit})
}

// ExitTo leaves unconditionally.
func (b *Buffer) ExitTo(exit Exit) Ref {
	return b.Emit(Ins{Op: OpExit, Type: Void, A: NoRef, B: NoRef, C: NoRef, Exit: exit})
}

// Loop jumps to the entry of target.
func (b *Buffer) Loop(target Exit) Ref {
	return b.Emit(Ins{Op: OpLoop, Type: Void, A: NoRef, B: NoRef, C: NoRef, Exit: target})
}

// Call emits a helper call.
func (b *Buffer) Call(ci *CallInfo, args ...Ref) Ref {
	return b.Emit(Ins{Op: OpCall, Type: ci.Ret, A: NoRef, B: NoRef, C: NoRef, Call: ci, Args: args})
}

// Box converts a of the given tag to a boxed value.
func (b *Buffer) Box(a Ref, tag value.Tag) Ref {
	return b.Emit(Ins{Op: OpBox, Type: Boxed, A: a, B: NoRef, C: NoRef, Imm: int64(tag)})
}

// Unbox extracts a native value of type t from boxed a. The caller must
// already have guarded the tag.
func (b *Buffer) Unbox(a Ref, t Type) Ref { return b.Op1(OpUnbox, t, a) }

// TreeCall runs the tree entered through target with its stack based at
// off and yields the exit it left through.
func (b *Buffer) TreeCall(target Exit, off int) Ref {
	return b.Emit(Ins{Op: OpTreeCall, Type: Obj, A: NoRef, B: NoRef, C: NoRef, Imm: int64(off), Exit: target})
}

// LdSlot loads named slot i of obj.
func (b *Buffer) LdSlot(obj Ref, i int) Ref {
	return b.Emit(Ins{Op: OpLdSlot, Type: Boxed, A: obj, B: NoRef, C: NoRef, Imm: int64(i)})
}

// StSlot stores boxed v into named slot i of obj.
func (b *Buffer) StSlot(obj, v Ref, i int) Ref {
	return b.Emit(Ins{Op: OpStSlot, Type: Void, A: obj, B: v, C: NoRef, Imm: int64(i)})
}

// StElem stores boxed v into element idx of obj.
func (b *Buffer) StElem(obj, idx, v Ref) Ref {
	return b.Emit(Ins{Op: OpStElem, Type: Void, A: obj, B: idx, C: v})
}

// ============================================================================
// Integer promotion
// ============================================================================

// IsPromoteInt reports whether the f64 value r is provably an int32 widened
// to double, judging by how it was produced rather than by its value.
func (b *Buffer) IsPromoteInt(r Ref) bool {
	ins := b.At(r)
	switch ins.Op {
	case OpI2F:
		return true
	case OpImmF64:
		_, ok := value.Int32Of(ins.F)
		return ok
	}
	return false
}

// IsPromoteUint is IsPromoteInt for uint32 sources.
func (b *Buffer) IsPromoteUint(r Ref) bool {
	ins := b.At(r)
	switch ins.Op {
	case OpU2F:
		return true
	case OpImmF64:
		return ins.F >= 0 && ins.F <= math.MaxUint32 && ins.F == math.Trunc(ins.F) && !math.Signbit(ins.F)
	}
	return false
}

// Demote returns the int32 value a promote-int r was widened from.
func (b *Buffer) Demote(r Ref) Ref {
	ins := b.At(r)
	if ins.Op == OpI2F {
		return ins.A
	}
	i, _ := value.Int32Of(ins.F)
	return b.ImmI32(i)
}

// ============================================================================
// Listing
// ============================================================================

// String renders the buffer for debugging.
func (b *Buffer) String() string {
	if b.released {
		return "; released\n"
	}
	var sb strings.Builder
	sb.WriteString("entry:\n")
	for _, r := range b.entry {
		sb.WriteString("  " + b.Format(r) + "\n")
	}
	sb.WriteString("body:\n")
	for _, r := range b.body {
		sb.WriteString("  " + b.Format(r) + "\n")
	}
	return sb.String()
}

// Format renders one instruction.
func (b *Buffer) Format(r Ref) string {
	ins := b.At(r)
	var operands []string
	switch ins.Op {
	case OpImmI32:
		operands = append(operands, fmt.Sprint(ins.Imm))
	case OpImmF64:
		operands = append(operands, value.FormatNumber(ins.F))
	case OpImmStr:
		operands = append(operands, fmt.Sprintf("%q", ins.S))
	case OpImmObj:
		if ins.Aux == nil {
			operands = append(operands, "null")
		} else {
			operands = append(operands, fmt.Sprintf("%p", ins.Aux))
		}
	case OpCall:
		operands = append(operands, ins.Call.Name)
		for _, a := range ins.Args {
			operands = append(operands, fmt.Sprintf("v%d", a))
		}
	}
	for _, a := range []Ref{ins.A, ins.B, ins.C} {
		if a != NoRef {
			operands = append(operands, fmt.Sprintf("v%d", a))
		}
	}
	switch ins.Op {
	case OpLdStack, OpStStack, OpLdGlobal, OpStGlobal, OpLdSlot, OpStSlot, OpBox, OpGuard, OpTreeCall:
		operands = append(operands, fmt.Sprintf("#%d", ins.Imm))
	}
	if ins.Exit != nil {
		operands = append(operands, "-> "+ins.Exit.String())
	}
	lhs := ""
	if ins.Type != Void {
		lhs = fmt.Sprintf("v%d:%s = ", r, ins.Type)
	}
	return lhs + ins.Op.String() + " " + strings.Join(operands, " ")
}
