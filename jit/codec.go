package jit

import (
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/native"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
)

// toNative converts an interpreter value into a native word of type t. The
// caller has checked that v is compatible with t.
func toNative(v value.Value, t value.Tag) lir.Word {
	switch t {
	case value.TagInt32:
		return lir.I32Word(v.Int32())
	case value.TagDouble:
		return lir.F64Word(v.Float())
	case value.TagBool:
		return lir.I32Word(v.NativeBool())
	case value.TagString:
		return lir.StrWord(v.AsString())
	case value.TagObject:
		return lir.ObjWord(v.AsObject())
	}
	return lir.BoxedWord(v)
}

// fromNative converts a native word of type t back into an interpreter
// value. Doubles are boxed from the heap's recovery pool so flushing never
// triggers a collection.
func fromNative(h *value.Heap, w lir.Word, t value.Tag) value.Value {
	if t == value.TagDouble {
		return h.BoxDouble(w.F64())
	}
	return native.Box(w, t)
}

// BuildStack writes interpreter stack slots [base, base+len(types)) into
// the native stack.
func BuildStack(cx *vm.Context, base int, types TypeMap, stack []lir.Word) {
	for i, t := range types {
		stack[i] = toNative(cx.Stack[base+i], t)
	}
}

// BuildGlobals writes the given global slots into the native global buffer.
func BuildGlobals(cx *vm.Context, slots []int, types TypeMap, globals []lir.Word) {
	for i, t := range types {
		globals[i] = toNative(cx.Global.Slot(slots[i]), t)
	}
}

// FlushStack writes native stack words back into interpreter slots
// [base, base+len(types)).
func FlushStack(cx *vm.Context, base int, types TypeMap, stack []lir.Word) {
	for i, t := range types {
		cx.Stack[base+i] = fromNative(cx.Heap, stack[i], t)
	}
}

// FlushGlobals writes the native global buffer back into the global object.
func FlushGlobals(cx *vm.Context, slots []int, types TypeMap, globals []lir.Word) {
	for i, t := range types {
		cx.Global.SetSlot(slots[i], fromNative(cx.Heap, globals[i], t))
	}
}
