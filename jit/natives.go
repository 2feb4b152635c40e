package jit

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
)

// ============================================================================
// Helpers called from compiled code
// ============================================================================

var (
	concatCall = &lir.CallInfo{
		Name: "concat", Args: []lir.Type{lir.Str, lir.Str}, Ret: lir.Str,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word { return lir.StrWord(a[0].Str() + a[1].Str()) },
	}
	strcmpCall = &lir.CallInfo{
		Name: "strcmp", Args: []lir.Type{lir.Str, lir.Str}, Ret: lir.I32,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word {
			return lir.I32Word(int32(strings.Compare(a[0].Str(), a[1].Str())))
		},
	}
	charAtCall = &lir.CallInfo{
		Name: "charAt", Args: []lir.Type{lir.Str, lir.I32}, Ret: lir.Str,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word {
			i := a[1].I32()
			return lir.StrWord(a[0].Str()[i : i+1])
		},
	}
	setPropCall = &lir.CallInfo{
		Name: "setProp", Args: []lir.Type{lir.Obj, lir.Str, lir.Boxed}, Ret: lir.Void,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word {
			a[0].Obj().Set(a[1].Str(), a[2].Boxed())
			return lir.Word{}
		},
	}
	appendCall = &lir.CallInfo{
		Name: "arrayAppend", Args: []lir.Type{lir.Obj, lir.Boxed}, Ret: lir.Void,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word {
			o := a[0].Obj()
			o.Elems = append(o.Elems, a[1].Boxed())
			return lir.Word{}
		},
	}
	heapPendingCall = &lir.CallInfo{
		Name: "heapPending", Ret: lir.I32,
		Fn: func(h *value.Heap, _ []lir.Word) lir.Word { return lir.I32Word(lir.B2I(h.Pending())) },
	}
	newObjectCall = &lir.CallInfo{
		Name: "newObject", Ret: lir.Obj,
		Fn: func(h *value.Heap, _ []lir.Word) lir.Word { return lir.ObjWord(h.NewObject()) },
	}
)

var newArrayCalls sync.Map // int -> *lir.CallInfo

// newArrayCall returns the allocation helper for an array literal of n
// elements.
func newArrayCall(n int) *lir.CallInfo {
	if ci, ok := newArrayCalls.Load(n); ok {
		return ci.(*lir.CallInfo)
	}
	args := make([]lir.Type, n)
	for i := range args {
		args[i] = lir.Boxed
	}
	ci := &lir.CallInfo{
		Name: fmt.Sprintf("newArray%d", n), Args: args, Ret: lir.Obj,
		Fn: func(h *value.Heap, a []lir.Word) lir.Word {
			elems := make([]value.Value, len(a))
			for i, w := range a {
				elems[i] = w.Boxed()
			}
			return lir.ObjWord(h.NewArray(elems))
		},
	}
	actual, _ := newArrayCalls.LoadOrStore(n, ci)
	return actual.(*lir.CallInfo)
}

// ============================================================================
// Traceable natives
// ============================================================================

// traceableNatives maps native function names to the IR call that replaces
// them on trace. Natives missing here abort recording.
var traceableNatives = map[string]*lir.CallInfo{
	"sqrt": {
		Name: "sqrt", Args: []lir.Type{lir.F64}, Ret: lir.F64,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word { return lir.F64Word(math.Sqrt(a[0].F64())) },
	},
	"floor": {
		Name: "floor", Args: []lir.Type{lir.F64}, Ret: lir.F64,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word { return lir.F64Word(math.Floor(a[0].F64())) },
	},
	"abs": {
		Name: "abs", Args: []lir.Type{lir.F64}, Ret: lir.F64,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word { return lir.F64Word(math.Abs(a[0].F64())) },
	},
	"charCodeAt": {
		Name: "charCodeAt", Args: []lir.Type{lir.Str, lir.F64}, Ret: lir.F64,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word {
			return lir.F64Word(vm.CharCodeAt(value.Str(a[0].Str()), value.Double(a[1].F64())).Float())
		},
	},
	"push": {
		Name: "push", Args: []lir.Type{lir.Obj, lir.Boxed}, Ret: lir.I32,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word {
			o := a[0].Obj()
			o.Elems = append(o.Elems, a[1].Boxed())
			return lir.I32Word(int32(len(o.Elems)))
		},
	},
	"pop": {
		Name: "pop", Args: []lir.Type{lir.Obj}, Ret: lir.Boxed,
		Fn: func(_ *value.Heap, a []lir.Word) lir.Word { return lir.BoxedWord(vm.PopElem(a[0].Obj())) },
	},
}

// arrayNatives take an array as their first argument.
var arrayNatives = map[string]bool{"push": true, "pop": true}
