package native

import (
	"fmt"

	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/value"
)

// Run executes c until control leaves through an exit that is not linked to
// further code, and returns that exit.
func Run(c *Code, st *State) (exit lir.Exit, err error) {
	defer func() {
		if r := recover(); r != nil {
			exit, err = nil, fmt.Errorf("%s: %v: %w", c.Name, r, ErrFault)
		}
	}()
	cur := c
	for {
		if !cur.Valid() {
			return nil, fmt.Errorf("%s: %w", cur.Name, ErrStale)
		}
		next, ex, err := cur.exec(st)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return ex, nil
		}
		cur = next
	}
}

func linked(e lir.Exit) *Code {
	if l, ok := e.(Linked); ok {
		return l.LinkedCode()
	}
	return nil
}

// leave follows a linked exit or returns it to the caller.
func (c *Code) leave(st *State, e lir.Exit) (*Code, lir.Exit, error) {
	if next := linked(e); next != nil {
		st.Transfers++
		return next, nil, nil
	}
	return nil, e, nil
}

func (c *Code) exec(st *State) (*Code, lir.Exit, error) {
	buf := c.buf
	v := make([]lir.Word, c.size)
	for _, r := range c.entry {
		v[r] = c.eval(buf.At(r), st, v)
	}
	for _, r := range c.body {
		ins := buf.At(r)
		switch {
		case ins.Op == lir.OpGuard:
			if (v[ins.A].I32() != 0) != (ins.Imm != 0) {
				return c.leave(st, ins.Exit)
			}
		case ins.Op.IsCheckedOp():
			var b int32
			if ins.B != lir.NoRef {
				b = v[ins.B].I32()
			}
			res, ok := lir.EvalChecked(ins.Op, v[ins.A].I32(), b)
			if !ok {
				return c.leave(st, ins.Exit)
			}
			v[r] = lir.I32Word(res)
		case ins.Op == lir.OpExit:
			return c.leave(st, ins.Exit)
		case ins.Op == lir.OpLoop:
			next := linked(ins.Exit)
			if next == nil {
				return nil, nil, fmt.Errorf("%s: loop target %s not compiled: %w", c.Name, ins.Exit, ErrStale)
			}
			st.Iterations++
			return next, nil, nil
		case ins.Op == lir.OpTreeCall:
			inner := linked(ins.Exit)
			if inner == nil {
				return nil, nil, fmt.Errorf("%s: tree %s not compiled: %w", c.Name, ins.Exit, ErrStale)
			}
			sub := &State{Stack: st.Stack, Globals: st.Globals, Base: st.Base + int(ins.Imm), Heap: st.Heap}
			ex, err := Run(inner, sub)
			st.Iterations += sub.Iterations
			st.Transfers += sub.Transfers
			if err != nil {
				return nil, nil, err
			}
			st.Nested = append([]NestedExit{{Exit: ex, Base: sub.Base}}, sub.Nested...)
			v[r] = lir.Word{Ref: ex}
		default:
			v[r] = c.eval(ins, st, v)
		}
	}
	return nil, nil, fmt.Errorf("%s: fell off the end: %w", c.Name, ErrMalformed)
}

// eval computes a non-control instruction.
func (c *Code) eval(ins *lir.Ins, st *State, v []lir.Word) lir.Word {
	a := func() lir.Word { return v[ins.A] }
	b := func() lir.Word { return v[ins.B] }

	switch op := ins.Op; {
	case op == lir.OpImmI32:
		return lir.I32Word(int32(ins.Imm))
	case op == lir.OpImmF64:
		return lir.F64Word(ins.F)
	case op == lir.OpImmStr:
		return lir.StrWord(ins.S)
	case op == lir.OpImmObj:
		return lir.Word{Ref: ins.Aux}
	case op == lir.OpLdStack:
		return st.Stack[st.Base+int(ins.Imm)]
	case op == lir.OpStStack:
		st.Stack[st.Base+int(ins.Imm)] = a()
	case op == lir.OpLdGlobal:
		return st.Globals[ins.Imm]
	case op == lir.OpStGlobal:
		st.Globals[ins.Imm] = a()
	case op.IsIntOp():
		var y int32
		if ins.B != lir.NoRef {
			y = b().I32()
		}
		return lir.I32Word(lir.EvalI(op, a().I32(), y))
	case op.IsFloatOp():
		var y float64
		if ins.B != lir.NoRef {
			y = b().F64()
		}
		return lir.F64Word(lir.EvalF(op, a().F64(), y))
	case op.IsFloatCmp():
		return lir.I32Word(lir.CmpF(op, a().F64(), b().F64()))
	case op == lir.OpI2F:
		return lir.F64Word(float64(a().I32()))
	case op == lir.OpU2F:
		return lir.F64Word(float64(uint32(a().I32())))
	case op == lir.OpF2I:
		return lir.I32Word(lir.F2I(a().F64()))
	case op == lir.OpRefEq:
		return lir.I32Word(lir.B2I(a().Ref == b().Ref))
	case op == lir.OpCall:
		args := make([]lir.Word, len(ins.Args))
		for i, r := range ins.Args {
			args[i] = v[r]
		}
		return ins.Call.Fn(st.Heap, args)
	case op == lir.OpBox:
		return lir.BoxedWord(Box(a(), value.Tag(ins.Imm)))
	case op == lir.OpUnbox:
		return Unbox(a().Boxed(), ins.Type)
	case op == lir.OpTag:
		return lir.I32Word(int32(a().Boxed().Tag()))
	case op == lir.OpShape:
		return lir.I32Word(int32(a().Obj().Shape().ID()))
	case op == lir.OpClass:
		return lir.I32Word(int32(a().Obj().Class))
	case op == lir.OpLdSlot:
		return lir.BoxedWord(a().Obj().Slot(int(ins.Imm)))
	case op == lir.OpStSlot:
		a().Obj().SetSlot(int(ins.Imm), b().Boxed())
	case op == lir.OpLdElem:
		return lir.BoxedWord(a().Obj().Elems[b().I32()])
	case op == lir.OpStElem:
		a().Obj().Elems[b().I32()] = v[ins.C].Boxed()
	case op == lir.OpLength:
		return lir.I32Word(Length(a()))
	default:
		panic("unexpected " + op.String())
	}
	return lir.Word{}
}

// Box converts a native word of the given tag into an interpreter value.
func Box(w lir.Word, tag value.Tag) value.Value {
	switch tag {
	case value.TagInt32:
		return value.Int(w.I32())
	case value.TagDouble:
		return value.Number(w.F64())
	case value.TagBool:
		return value.FromNativeBool(w.I32())
	case value.TagString:
		return value.Str(w.Str())
	case value.TagObject:
		return value.Obj(w.Obj())
	}
	return w.Boxed()
}

// Unbox converts an interpreter value into a native word of type t.
func Unbox(v value.Value, t lir.Type) lir.Word {
	switch t {
	case lir.I32:
		if v.IsInt() {
			return lir.I32Word(v.Int32())
		}
		return lir.I32Word(v.NativeBool())
	case lir.F64:
		return lir.F64Word(v.Float())
	case lir.Str:
		return lir.StrWord(v.AsString())
	case lir.Obj:
		return lir.ObjWord(v.AsObject())
	}
	return lir.BoxedWord(v)
}

// Length returns the length of an array or string word.
func Length(w lir.Word) int32 {
	if o := w.Obj(); o != nil {
		return int32(len(o.Elems))
	}
	return int32(len(w.Str()))
}
