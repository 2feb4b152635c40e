package vm

import (
	"math"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/value"
)

// run interprets until the frame count drops back to stopDepth and returns
// the value left by the final return.
func (cx *Context) run(stopDepth int) (value.Value, error) {
	for {
		fr := cx.Frames[len(cx.Frames)-1]
		mon := cx.Monitor
		if mon != nil && mon.Recording() && mon.RecordOp(cx) {
			continue
		}

		fn := fr.Fun
		pc := fr.PC
		op := fn.Op(pc)
		st := cx.Stack
		cx.Steps++

		switch op {

		// ====================================================================
		// Stack manipulation
		// ====================================================================

		case bytecode.OpNop:
		case bytecode.OpPop:
			fr.SP--
		case bytecode.OpDup:
			st[fr.SP] = st[fr.SP-1]
			fr.SP++
		case bytecode.OpSwap:
			st[fr.SP-1], st[fr.SP-2] = st[fr.SP-2], st[fr.SP-1]

		// ====================================================================
		// Constants
		// ====================================================================

		case bytecode.OpUndefined:
			cx.push(fr, value.Undefined())
		case bytecode.OpNull:
			cx.push(fr, value.Null())
		case bytecode.OpTrue:
			cx.push(fr, value.Bool(true))
		case bytecode.OpFalse:
			cx.push(fr, value.Bool(false))
		case bytecode.OpZero:
			cx.push(fr, value.Int(0))
		case bytecode.OpOne:
			cx.push(fr, value.Int(1))
		case bytecode.OpInt8:
			cx.push(fr, value.Int(int32(fn.I8(pc))))
		case bytecode.OpInt32:
			cx.push(fr, value.Int(fn.I32(pc)))
		case bytecode.OpConst:
			cx.push(fr, fn.ConstAt(pc))

		// ====================================================================
		// Variables
		// ====================================================================

		case bytecode.OpGetArg:
			cx.push(fr, st[fr.ArgsBase()+fn.U8(pc)])
		case bytecode.OpSetArg:
			st[fr.ArgsBase()+fn.U8(pc)] = st[fr.SP-1]
		case bytecode.OpGetLocal:
			cx.push(fr, st[fr.LocalsBase()+fn.U8(pc)])
		case bytecode.OpSetLocal:
			st[fr.LocalsBase()+fn.U8(pc)] = st[fr.SP-1]
		case bytecode.OpGetGlobal:
			name := fn.NameAt(pc)
			v, ok := cx.Global.Get(name)
			if !ok {
				return cx.fail(fr, "%s is not defined", name)
			}
			cx.push(fr, v)
		case bytecode.OpSetGlobal:
			cx.Global.Set(fn.NameAt(pc), st[fr.SP-1])
		case bytecode.OpThis:
			cx.push(fr, st[fr.Base+1])

		// ====================================================================
		// Properties and elements
		// ====================================================================

		case bytecode.OpGetProp:
			v, err := GetProp(st[fr.SP-1], fn.NameAt(pc))
			if err != nil {
				return cx.fail(fr, "%v", err)
			}
			st[fr.SP-1] = v
		case bytecode.OpSetProp:
			obj, v := st[fr.SP-2], st[fr.SP-1]
			o := obj.AsObject()
			if o == nil {
				return cx.fail(fr, "cannot set property %s of %s", fn.NameAt(pc), obj)
			}
			o.Set(fn.NameAt(pc), v)
			st[fr.SP-2] = v
			fr.SP--
		case bytecode.OpGetElem:
			v, err := GetElem(st[fr.SP-2], st[fr.SP-1])
			if err != nil {
				return cx.fail(fr, "%v", err)
			}
			st[fr.SP-2] = v
			fr.SP--
		case bytecode.OpSetElem:
			if err := SetElem(st[fr.SP-3], st[fr.SP-2], st[fr.SP-1]); err != nil {
				return cx.fail(fr, "%v", err)
			}
			st[fr.SP-3] = st[fr.SP-1]
			fr.SP -= 2
		case bytecode.OpLength:
			v, err := Length(st[fr.SP-1])
			if err != nil {
				return cx.fail(fr, "%v", err)
			}
			st[fr.SP-1] = v
		case bytecode.OpNewArray:
			n := fn.U8(pc)
			elems := make([]value.Value, n)
			copy(elems, st[fr.SP-n:fr.SP])
			fr.SP -= n
			cx.push(fr, value.Obj(cx.Heap.NewArray(elems)))
		case bytecode.OpNewObject:
			cx.push(fr, value.Obj(cx.Heap.NewObject()))

		// ====================================================================
		// Arithmetic, bitwise, comparison
		// ====================================================================

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpBitAnd, bytecode.OpBitOr, bytecode.OpBitXor, bytecode.OpLsh, bytecode.OpRsh, bytecode.OpUrsh,
			bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe,
			bytecode.OpEq, bytecode.OpNe, bytecode.OpStrictEq, bytecode.OpStrictNe:
			st[fr.SP-2] = Binary(op, st[fr.SP-2], st[fr.SP-1])
			fr.SP--
		case bytecode.OpNeg:
			st[fr.SP-1] = value.Number(-st[fr.SP-1].ToNumber())
		case bytecode.OpBitNot:
			st[fr.SP-1] = value.Int(^value.ToInt32(st[fr.SP-1].ToNumber()))
		case bytecode.OpNot:
			st[fr.SP-1] = value.Bool(!st[fr.SP-1].Truthy())
		case bytecode.OpTypeof:
			st[fr.SP-1] = value.Str(st[fr.SP-1].TypeOf())

		// ====================================================================
		// Control flow
		// ====================================================================

		case bytecode.OpGoto:
			fr.PC = fn.JumpTarget(pc)
			continue
		case bytecode.OpIfFalse, bytecode.OpIfTrue:
			fr.SP--
			if st[fr.SP].Truthy() == (op == bytecode.OpIfTrue) {
				fr.PC = fn.JumpTarget(pc)
				continue
			}
		case bytecode.OpLoopHead:
			cx.Profiler.RecordLoop(fn, pc)
			if mon != nil && !mon.Recording() && mon.LoopEdge(cx) {
				continue
			}

		// ====================================================================
		// Calls
		// ====================================================================

		case bytecode.OpCall, bytecode.OpNew:
			argc := fn.U8(pc)
			base := fr.SP - argc - 2
			fr.PC = fn.Next(pc)
			pushed, err := cx.invoke(fr, base, argc, op == bytecode.OpNew)
			if err != nil {
				fr.PC = pc
				return cx.fail(fr, "%v", err)
			}
			if pushed && mon != nil && mon.Recording() {
				mon.EnterFrame(cx)
			}
			continue
		case bytecode.OpReturn:
			v := st[fr.SP-1]
			if fr.Constructing && !v.IsObject() {
				v = st[fr.Base+1]
			}
			st[fr.Base] = v
			cx.Frames = cx.Frames[:len(cx.Frames)-1]
			if len(cx.Frames) == stopDepth {
				if mon != nil && mon.Recording() {
					mon.AbortRecording(cx, "returned from entry frame")
				}
				return v, nil
			}
			caller := cx.Frames[len(cx.Frames)-1]
			caller.SP = fr.Base + 1
			if mon != nil && mon.Recording() {
				mon.LeaveFrame(cx)
			}
			continue

		// ====================================================================
		// Miscellaneous
		// ====================================================================

		case bytecode.OpEval:
			st[fr.SP-1] = value.Number(st[fr.SP-1].ToNumber())
		case bytecode.OpStop:
			if mon != nil && mon.Recording() {
				mon.AbortRecording(cx, "stop")
			}
			v := value.Undefined()
			if fr.SP > fr.StackBase() {
				v = st[fr.SP-1]
			}
			cx.Frames = cx.Frames[:stopDepth]
			return v, nil

		default:
			return cx.fail(fr, "unknown opcode 0x%02X", byte(op))
		}
		fr.PC = fn.Next(pc)
	}
}

func (cx *Context) push(fr *Frame, v value.Value) {
	cx.Stack[fr.SP] = v
	fr.SP++
}

// fail unwinds to the entry frame after an error, aborting any recording.
func (cx *Context) fail(fr *Frame, format string, args ...any) (value.Value, error) {
	err := cx.errorf(fr, format, args...)
	if cx.Monitor != nil && cx.Monitor.Recording() {
		cx.Monitor.AbortRecording(cx, err.Error())
	}
	log.Debugf("runtime error: %v", err)
	cx.Frames = cx.Frames[:0]
	return value.Undefined(), err
}

// invoke performs a call whose callee slot is at base. It reports whether a
// bytecode frame was pushed; native results are stored in place.
func (cx *Context) invoke(fr *Frame, base, argc int, constructing bool) (bool, error) {
	st := cx.Stack
	callee := st[base].AsObject()
	if callee == nil || !callee.IsCallable() {
		return false, &RuntimeError{Func: fr.Fun.Name, Msg: st[base].String() + " is not a function"}
	}
	if callee.Class == value.ClassNative {
		if constructing {
			return false, &RuntimeError{Func: fr.Fun.Name, Msg: callee.Name + " is not a constructor"}
		}
		args := make([]value.Value, argc)
		copy(args, st[base+2:base+2+argc])
		v, err := callee.Native.Fn(cx.Heap, st[base+1], args)
		if err != nil {
			return false, err
		}
		st[base] = v
		fr.SP = base + 1
		return false, nil
	}
	if constructing {
		st[base+1] = value.Obj(cx.Heap.NewObject())
	}
	if _, err := cx.PushFrame(callee.Fn.(*bytecode.Function), base, argc, constructing); err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Operation semantics shared with the trace recorder
// ============================================================================

// Binary applies a two-operand arithmetic, bitwise or comparison opcode.
func Binary(op bytecode.Opcode, a, b value.Value) value.Value {
	switch op {
	case bytecode.OpAdd:
		if a.IsString() || b.IsString() {
			return value.Str(a.String() + b.String())
		}
		return value.Number(a.ToNumber() + b.ToNumber())
	case bytecode.OpSub:
		return value.Number(a.ToNumber() - b.ToNumber())
	case bytecode.OpMul:
		return value.Number(a.ToNumber() * b.ToNumber())
	case bytecode.OpDiv:
		return value.Number(a.ToNumber() / b.ToNumber())
	case bytecode.OpMod:
		return value.Number(math.Mod(a.ToNumber(), b.ToNumber()))
	case bytecode.OpBitAnd:
		return value.Int(value.ToInt32(a.ToNumber()) & value.ToInt32(b.ToNumber()))
	case bytecode.OpBitOr:
		return value.Int(value.ToInt32(a.ToNumber()) | value.ToInt32(b.ToNumber()))
	case bytecode.OpBitXor:
		return value.Int(value.ToInt32(a.ToNumber()) ^ value.ToInt32(b.ToNumber()))
	case bytecode.OpLsh:
		return value.Int(value.ToInt32(a.ToNumber()) << (value.ToUint32(b.ToNumber()) & 31))
	case bytecode.OpRsh:
		return value.Int(value.ToInt32(a.ToNumber()) >> (value.ToUint32(b.ToNumber()) & 31))
	case bytecode.OpUrsh:
		return value.Number(float64(value.ToUint32(a.ToNumber()) >> (value.ToUint32(b.ToNumber()) & 31)))
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return value.Bool(Compare(op, a, b))
	case bytecode.OpEq:
		return value.Bool(a.LooseEquals(b))
	case bytecode.OpNe:
		return value.Bool(!a.LooseEquals(b))
	case bytecode.OpStrictEq:
		return value.Bool(a.StrictEquals(b))
	case bytecode.OpStrictNe:
		return value.Bool(!a.StrictEquals(b))
	}
	return value.Undefined()
}

// Compare evaluates a relational opcode.
func Compare(op bytecode.Opcode, a, b value.Value) bool {
	if a.IsString() && b.IsString() {
		x, y := a.AsString(), b.AsString()
		switch op {
		case bytecode.OpLt:
			return x < y
		case bytecode.OpLe:
			return x <= y
		case bytecode.OpGt:
			return x > y
		}
		return x >= y
	}
	x, y := a.ToNumber(), b.ToNumber()
	switch op {
	case bytecode.OpLt:
		return x < y
	case bytecode.OpLe:
		return x <= y
	case bytecode.OpGt:
		return x > y
	}
	return x >= y
}

// GetProp reads a named property.
func GetProp(obj value.Value, name string) (value.Value, error) {
	switch {
	case obj.IsObject():
		v, _ := obj.AsObject().Get(name)
		return v, nil
	case obj.IsString() && name == "length":
		return value.Int(int32(len(obj.AsString()))), nil
	case obj.IsUndefined() || obj.IsNull():
		return value.Undefined(), &RuntimeError{Msg: "cannot read property " + name + " of " + obj.String()}
	}
	return value.Undefined(), nil
}

// GetElem reads obj[idx].
func GetElem(obj, idx value.Value) (value.Value, error) {
	if o := obj.AsObject(); o != nil {
		if o.Class == value.ClassArray && idx.IsNumber() {
			i, ok := value.Int32Of(idx.Float())
			if !ok {
				return value.Undefined(), nil
			}
			return o.GetElem(int(i)), nil
		}
		v, _ := o.Get(idx.String())
		return v, nil
	}
	if obj.IsString() && idx.IsNumber() {
		s := obj.AsString()
		i, ok := value.Int32Of(idx.Float())
		if !ok || i < 0 || int(i) >= len(s) {
			return value.Undefined(), nil
		}
		return value.Str(s[i : i+1]), nil
	}
	if obj.IsUndefined() || obj.IsNull() {
		return value.Undefined(), &RuntimeError{Msg: "cannot index " + obj.String()}
	}
	return value.Undefined(), nil
}

// SetElem writes obj[idx] = v.
func SetElem(obj, idx, v value.Value) error {
	o := obj.AsObject()
	if o == nil {
		return &RuntimeError{Msg: "cannot index " + obj.String()}
	}
	if o.Class == value.ClassArray && idx.IsNumber() {
		i, ok := value.Int32Of(idx.Float())
		if !ok || i < 0 {
			return &RuntimeError{Msg: "bad array index " + idx.String()}
		}
		o.SetElem(int(i), v)
		return nil
	}
	o.Set(idx.String(), v)
	return nil
}

// Length returns the length of an array or string.
func Length(v value.Value) (value.Value, error) {
	if o := v.AsObject(); o != nil && o.Class == value.ClassArray {
		return value.Int(int32(len(o.Elems))), nil
	}
	if v.IsString() {
		return value.Int(int32(len(v.AsString()))), nil
	}
	return value.Undefined(), &RuntimeError{Msg: v.String() + " has no length"}
}
