package vm

import (
	"fmt"
	"math"

	"github.com/chazu/tracejit/pkg/value"
)

// Natives installed in every global object. The trace recorder knows how to
// call some of them from compiled code by name; the rest abort recording.
func (cx *Context) installNatives() {
	define := func(name string, arity int, fn func(h *value.Heap, this value.Value, args []value.Value) (value.Value, error)) {
		cx.Global.Set(name, value.Obj(cx.Heap.NewNative(&value.Native{Name: name, Arity: arity, Fn: fn})))
	}
	arg := func(args []value.Value, i int) value.Value {
		if i < len(args) {
			return args[i]
		}
		return value.Undefined()
	}

	define("sqrt", 1, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		return value.Number(math.Sqrt(arg(args, 0).ToNumber())), nil
	})
	define("floor", 1, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		return value.Number(math.Floor(arg(args, 0).ToNumber())), nil
	})
	define("abs", 1, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		return value.Number(math.Abs(arg(args, 0).ToNumber())), nil
	})
	define("charCodeAt", 2, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		return CharCodeAt(arg(args, 0), arg(args, 1)), nil
	})
	define("push", 2, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		a := arg(args, 0).AsObject()
		if a == nil || a.Class != value.ClassArray {
			return value.Undefined(), fmt.Errorf("push: not an array")
		}
		a.Elems = append(a.Elems, arg(args, 1))
		return value.Int(int32(len(a.Elems))), nil
	})
	define("pop", 1, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		a := arg(args, 0).AsObject()
		if a == nil || a.Class != value.ClassArray {
			return value.Undefined(), fmt.Errorf("pop: not an array")
		}
		return PopElem(a), nil
	})
	define("print", -1, func(_ *value.Heap, _ value.Value, args []value.Value) (value.Value, error) {
		parts := make([]any, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		fmt.Fprintln(cx.Out, parts...)
		return value.Undefined(), nil
	})
	define("gc", 0, func(h *value.Heap, _ value.Value, _ []value.Value) (value.Value, error) {
		h.Collect()
		return value.Undefined(), nil
	})
}

// CharCodeAt returns the byte at index i of s, or NaN when out of range.
func CharCodeAt(s, i value.Value) value.Value {
	str := s.String()
	f := i.ToNumber()
	n, ok := value.Int32Of(f)
	if !ok || n < 0 || int(n) >= len(str) {
		return value.Double(math.NaN())
	}
	return value.Int(int32(str[n]))
}

// PopElem removes and returns the last element of an array.
func PopElem(a *value.Object) value.Value {
	if len(a.Elems) == 0 {
		return value.Undefined()
	}
	v := a.Elems[len(a.Elems)-1]
	a.Elems = a.Elems[:len(a.Elems)-1]
	if v.Kind() == value.KindHole {
		return value.Undefined()
	}
	return v
}
