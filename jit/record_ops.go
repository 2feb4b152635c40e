package jit

import (
	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
)

// opHandler records one instruction. It runs before the interpreter
// executes it, so the operands are on the interpreter stack.
type opHandler func(r *Recorder, fr *vm.Frame, pc int) RecordResult

var handlers [256]opHandler

func init() {
	h := &handlers
	h[bytecode.OpNop] = recordNop
	h[bytecode.OpLoopHead] = recordNop
	h[bytecode.OpPop] = recordNop
	h[bytecode.OpDup] = recordDup
	h[bytecode.OpSwap] = recordSwap

	h[bytecode.OpUndefined] = recordConst
	h[bytecode.OpNull] = recordConst
	h[bytecode.OpTrue] = recordConst
	h[bytecode.OpFalse] = recordConst
	h[bytecode.OpZero] = recordConst
	h[bytecode.OpOne] = recordConst
	h[bytecode.OpInt8] = recordConst
	h[bytecode.OpInt32] = recordConst
	h[bytecode.OpConst] = recordConst

	h[bytecode.OpGetArg] = recordGetVar
	h[bytecode.OpGetLocal] = recordGetVar
	h[bytecode.OpThis] = recordGetVar
	h[bytecode.OpSetArg] = recordSetVar
	h[bytecode.OpSetLocal] = recordSetVar
	h[bytecode.OpGetGlobal] = recordGetGlobal
	h[bytecode.OpSetGlobal] = recordSetGlobal

	h[bytecode.OpGetProp] = recordGetProp
	h[bytecode.OpSetProp] = recordSetProp
	h[bytecode.OpGetElem] = recordGetElem
	h[bytecode.OpSetElem] = recordSetElem
	h[bytecode.OpLength] = recordLength
	h[bytecode.OpNewArray] = recordNewArray
	h[bytecode.OpNewObject] = recordNewObject

	for _, op := range []bytecode.Opcode{bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod} {
		h[op] = recordArith
	}
	h[bytecode.OpNeg] = recordNeg
	for _, op := range []bytecode.Opcode{bytecode.OpBitAnd, bytecode.OpBitOr, bytecode.OpBitXor, bytecode.OpLsh, bytecode.OpRsh, bytecode.OpUrsh} {
		h[op] = recordBitwise
	}
	h[bytecode.OpBitNot] = recordBitNot
	for _, op := range []bytecode.Opcode{bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe} {
		h[op] = recordRelational
	}
	for _, op := range []bytecode.Opcode{bytecode.OpEq, bytecode.OpNe, bytecode.OpStrictEq, bytecode.OpStrictNe} {
		h[op] = recordEquality
	}
	h[bytecode.OpNot] = recordNot
	h[bytecode.OpTypeof] = recordTypeof

	h[bytecode.OpGoto] = recordGoto
	h[bytecode.OpIfFalse] = recordCondJump
	h[bytecode.OpIfTrue] = recordCondJump

	h[bytecode.OpCall] = recordCall
	h[bytecode.OpNew] = recordCall
	h[bytecode.OpReturn] = recordReturn

	h[bytecode.OpEval] = func(*Recorder, *vm.Frame, int) RecordResult { return abortf("eval") }
	h[bytecode.OpStop] = func(*Recorder, *vm.Frame, int) RecordResult { return abortf("stop") }
}

// ============================================================================
// Emit helpers
// ============================================================================

func (r *Recorder) i2f(ref lir.Ref) lir.Ref { return r.buf.Op1(lir.OpI2F, lir.F64, ref) }

func (r *Recorder) undefined() lir.Ref { return r.buf.ImmI32(value.NativeUndefined) }

func (r *Recorder) guardNotNull(obj lir.Ref) {
	r.guard(r.buf.Op2(lir.OpRefEq, lir.I32, obj, r.buf.ImmObj(nil)), false, BranchExit)
}

func (r *Recorder) guardClass(obj lir.Ref, c value.Class) {
	cls := r.buf.Op1(lir.OpClass, lir.I32, obj)
	r.guard(r.buf.Op2(lir.OpEqI, lir.I32, cls, r.buf.ImmI32(int32(c))), true, BranchExit)
}

func (r *Recorder) guardShape(obj lir.Ref, s *value.Shape) {
	shape := r.buf.Op1(lir.OpShape, lir.I32, obj)
	r.guard(r.buf.Op2(lir.OpEqI, lir.I32, shape, r.buf.ImmI32(int32(s.ID()))), true, BranchExit)
}

// guardBounds guards 0 <= i < length(obj).
func (r *Recorder) guardBounds(obj, i lir.Ref) {
	r.guard(r.buf.Op2(lir.OpGeI, lir.I32, i, r.buf.ImmI32(0)), true, BranchExit)
	length := r.buf.Op1(lir.OpLength, lir.I32, obj)
	r.guard(r.buf.Op2(lir.OpLtI, lir.I32, i, length), true, BranchExit)
}

// intIndex returns the int32 form of an index known to be an integer.
func (r *Recorder) intIndex(idx lir.Ref) lir.Ref {
	if !r.buf.IsPromoteInt(idx) {
		r.bail(abortf("non-integer index"))
	}
	return r.buf.Demote(idx)
}

// toInt32 converts a number to int32 the way bitwise operators do.
func (r *Recorder) toInt32(ref lir.Ref) lir.Ref {
	if r.buf.IsPromoteInt(ref) {
		return r.buf.Demote(ref)
	}
	return r.buf.Op1(lir.OpF2I, lir.I32, ref)
}

// truthy returns an i32 that is 1 when ref is truthy.
func (r *Recorder) truthy(ref lir.Ref) lir.Ref {
	b := r.buf
	switch r.slotType(ref) {
	case value.TagInt32:
		return b.Op1(lir.OpNot, lir.I32, b.Op2(lir.OpEqI, lir.I32, r.buf.Demote(ref), b.ImmI32(0)))
	case value.TagDouble:
		notNaN := b.Op2(lir.OpEqF, lir.I32, ref, ref)
		nonZero := b.Op1(lir.OpNot, lir.I32, b.Op2(lir.OpEqF, lir.I32, ref, b.ImmF64(0)))
		return b.Op2(lir.OpAndI, lir.I32, notNaN, nonZero)
	case value.TagBool:
		return b.Op2(lir.OpEqI, lir.I32, ref, b.ImmI32(value.NativeTrue))
	case value.TagString:
		return b.Op1(lir.OpNot, lir.I32, b.Op2(lir.OpEqI, lir.I32, b.Op1(lir.OpLength, lir.I32, ref), b.ImmI32(0)))
	case value.TagObject:
		return b.Op1(lir.OpNot, lir.I32, b.Op2(lir.OpRefEq, lir.I32, ref, b.ImmObj(nil)))
	}
	r.bail(abortf("truth value of a boxed value"))
	return lir.NoRef
}

// ============================================================================
// Stack, constants, variables
// ============================================================================

func recordNop(*Recorder, *vm.Frame, int) RecordResult { return cont() }

func recordDup(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	r.setStack(fr.SP, r.getStack(fr.SP-1))
	return cont()
}

func recordSwap(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	a, b := r.getStack(fr.SP-2), r.getStack(fr.SP-1)
	r.setStack(fr.SP-2, b)
	r.setStack(fr.SP-1, a)
	return cont()
}

func recordConst(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	fn, b := fr.Fun, r.buf
	var ref lir.Ref
	switch fn.Op(pc) {
	case bytecode.OpUndefined:
		ref = r.undefined()
	case bytecode.OpNull:
		ref = b.ImmObj(nil)
	case bytecode.OpTrue:
		ref = b.ImmI32(value.NativeTrue)
	case bytecode.OpFalse:
		ref = b.ImmI32(value.NativeFalse)
	case bytecode.OpZero:
		ref = b.ImmF64(0)
	case bytecode.OpOne:
		ref = b.ImmF64(1)
	case bytecode.OpInt8:
		ref = b.ImmF64(float64(fn.I8(pc)))
	case bytecode.OpInt32:
		ref = b.ImmF64(float64(fn.I32(pc)))
	case bytecode.OpConst:
		switch v := fn.ConstAt(pc); {
		case v.IsNumber():
			ref = b.ImmF64(v.Float())
		case v.IsString():
			ref = b.ImmStr(v.AsString())
		default:
			return abortf("constant %s", v)
		}
	}
	r.setStack(fr.SP, ref)
	return cont()
}

func varIndex(fr *vm.Frame, pc int) int {
	switch fr.Fun.Op(pc) {
	case bytecode.OpGetArg, bytecode.OpSetArg:
		return fr.ArgsBase() + fr.Fun.U8(pc)
	case bytecode.OpGetLocal, bytecode.OpSetLocal:
		return fr.LocalsBase() + fr.Fun.U8(pc)
	}
	return fr.Base + 1
}

func recordGetVar(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	r.setStack(fr.SP, r.getStack(varIndex(fr, pc)))
	return cont()
}

func recordSetVar(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	r.setStack(varIndex(fr, pc), r.getStack(fr.SP-1))
	return cont()
}

func recordGetGlobal(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	name := fr.Fun.NameAt(pc)
	slot, ok := r.cx.Global.Shape().Lookup(name)
	if !ok {
		return abortf("%s is not defined", name)
	}
	r.setStack(fr.SP, r.get(vm.GlobalAddr(slot)))
	return cont()
}

func recordSetGlobal(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	name := fr.Fun.NameAt(pc)
	slot, ok := r.cx.Global.Shape().Lookup(name)
	if !ok {
		return abortf("global shape change: defining %s", name)
	}
	r.set(vm.GlobalAddr(slot), r.getStack(fr.SP-1))
	return cont()
}

// ============================================================================
// Properties and elements
// ============================================================================

func recordGetProp(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	name := fr.Fun.NameAt(pc)
	v := r.cx.Stack[fr.SP-1]
	obj := r.getStack(fr.SP-1)
	var res lir.Ref
	switch {
	case v.IsString():
		if name != "length" {
			res = r.undefined()
			break
		}
		res = r.i2f(r.buf.Op1(lir.OpLength, lir.I32, obj))
	case v.IsObject():
		o := v.AsObject()
		r.guardNotNull(obj)
		r.guardClass(obj, o.Class)
		if o.Class == value.ClassArray && name == "length" {
			res = r.i2f(r.buf.Op1(lir.OpLength, lir.I32, obj))
			break
		}
		r.guardShape(obj, o.Shape())
		if i, ok := o.Shape().Lookup(name); ok {
			res = r.unboxValue(r.buf.LdSlot(obj, i), o.Slot(i))
		} else {
			res = r.undefined()
		}
	default:
		return abortf("property %s of %s", name, v.TypeOf())
	}
	r.setStack(fr.SP-1, res)
	return cont()
}

func recordSetProp(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	name := fr.Fun.NameAt(pc)
	o := r.cx.Stack[fr.SP-2].AsObject()
	if o == nil {
		return abortf("setting property %s of a non-object", name)
	}
	obj, val := r.getStack(fr.SP-2), r.getStack(fr.SP-1)
	r.guardNotNull(obj)
	if i, ok := o.Shape().Lookup(name); ok {
		r.guardClass(obj, o.Class)
		r.guardShape(obj, o.Shape())
		r.buf.StSlot(obj, r.box(val), i)
	} else {
		r.buf.Call(setPropCall, obj, r.buf.ImmStr(name), r.box(val))
	}
	r.setStack(fr.SP-2, val)
	return cont()
}

func recordGetElem(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	ov, iv := r.cx.Stack[fr.SP-2], r.cx.Stack[fr.SP-1]
	if !iv.IsNumber() {
		return abortf("element access with a %s index", iv.TypeOf())
	}
	n, ok := value.Int32Of(iv.Float())
	obj, idx := r.getStack(fr.SP-2), r.getStack(fr.SP-1)

	var res lir.Ref
	switch o := ov.AsObject(); {
	case o != nil && o.Class == value.ClassArray:
		if !ok || n < 0 || int(n) >= len(o.Elems) {
			return abortf("array read out of bounds")
		}
		i := r.intIndex(idx)
		r.guardNotNull(obj)
		r.guardClass(obj, value.ClassArray)
		r.guardBounds(obj, i)
		res = r.unboxValue(r.buf.Op2(lir.OpLdElem, lir.Boxed, obj, i), o.Elems[n])
	case ov.IsString():
		if !ok || n < 0 || int(n) >= len(ov.AsString()) {
			return abortf("string read out of bounds")
		}
		i := r.intIndex(idx)
		r.guardBounds(obj, i)
		res = r.buf.Call(charAtCall, obj, i)
	default:
		return abortf("non-array element access")
	}
	r.setStack(fr.SP-2, res)
	return cont()
}

func recordSetElem(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	ov, iv := r.cx.Stack[fr.SP-3], r.cx.Stack[fr.SP-2]
	o := ov.AsObject()
	if o == nil || o.Class != value.ClassArray || !iv.IsNumber() {
		return abortf("non-array element access")
	}
	n, ok := value.Int32Of(iv.Float())
	if !ok || n < 0 {
		return abortf("bad array index")
	}
	obj, idx, val := r.getStack(fr.SP-3), r.getStack(fr.SP-2), r.getStack(fr.SP-1)
	i := r.intIndex(idx)
	r.guardNotNull(obj)
	r.guardClass(obj, value.ClassArray)
	r.guard(r.buf.Op2(lir.OpGeI, lir.I32, i, r.buf.ImmI32(0)), true, BranchExit)
	length := r.buf.Op1(lir.OpLength, lir.I32, obj)
	switch {
	case int(n) < len(o.Elems):
		r.guard(r.buf.Op2(lir.OpLtI, lir.I32, i, length), true, BranchExit)
		r.buf.StElem(obj, i, r.box(val))
	case int(n) == len(o.Elems):
		r.guard(r.buf.Op2(lir.OpEqI, lir.I32, i, length), true, BranchExit)
		r.guardHeap()
		r.buf.Call(appendCall, obj, r.box(val))
	default:
		return abortf("sparse array write")
	}
	r.setStack(fr.SP-3, val)
	return cont()
}

func recordLength(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	v := r.cx.Stack[fr.SP-1]
	ref := r.getStack(fr.SP-1)
	switch o := v.AsObject(); {
	case o != nil && o.Class == value.ClassArray:
		r.guardNotNull(ref)
		r.guardClass(ref, value.ClassArray)
	case v.IsString():
	default:
		return abortf("length of %s", v.TypeOf())
	}
	r.setStack(fr.SP-1, r.i2f(r.buf.Op1(lir.OpLength, lir.I32, ref)))
	return cont()
}

func recordNewArray(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	n := fr.Fun.U8(pc)
	r.guardHeap()
	args := make([]lir.Ref, n)
	for i := range args {
		args[i] = r.box(r.getStack(fr.SP - n + i))
	}
	r.setStack(fr.SP-n, r.buf.Call(newArrayCall(n), args...))
	return cont()
}

func recordNewObject(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	r.guardHeap()
	r.setStack(fr.SP, r.buf.Call(newObjectCall))
	return cont()
}

// ============================================================================
// Arithmetic
// ============================================================================

var floatOps = map[bytecode.Opcode]lir.Opcode{
	bytecode.OpAdd: lir.OpAddF,
	bytecode.OpSub: lir.OpSubF,
	bytecode.OpMul: lir.OpMulF,
	bytecode.OpDiv: lir.OpDivF,
	bytecode.OpMod: lir.OpModF,
}

var checkedOps = map[bytecode.Opcode]lir.Opcode{
	bytecode.OpAdd: lir.OpAddOv,
	bytecode.OpSub: lir.OpSubOv,
	bytecode.OpMul: lir.OpMulOv,
	bytecode.OpMod: lir.OpModOv,
}

// speculateInt reports whether arithmetic at pc on a and b may be recorded
// in int32 form with an overflow guard. av and bv are the operands now;
// an operation that already overflows is recorded as double.
func (r *Recorder) speculateInt(op lir.Opcode, fr *vm.Frame, pc int, a, b lir.Ref, av, bv value.Value) bool {
	if !r.buf.IsPromoteInt(a) || (b != lir.NoRef && !r.buf.IsPromoteInt(b)) {
		return false
	}
	if r.s.oracle.IsInstructionUndemotable(fr.Fun.ID, pc) {
		return false
	}
	_, ok := lir.EvalChecked(op, av.Int32(), bv.Int32())
	return ok && av.IsInt() && (b == lir.NoRef || bv.IsInt())
}

// arith records a number-only binary operation.
func (r *Recorder) arith(op bytecode.Opcode, fr *vm.Frame, pc int, a, b lir.Ref, av, bv value.Value) lir.Ref {
	if iop, ok := checkedOps[op]; ok && r.speculateInt(iop, fr, pc, a, b, av, bv) {
		exit := r.snapshot(OverflowExit, fr.SP)
		return r.i2f(r.buf.Checked(iop, r.buf.Demote(a), r.buf.Demote(b), exit))
	}
	return r.buf.Op2(floatOps[op], lir.F64, a, b)
}

func recordArith(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	op := fr.Fun.Op(pc)
	av, bv := r.cx.Stack[fr.SP-2], r.cx.Stack[fr.SP-1]
	a, b := r.getStack(fr.SP-2), r.getStack(fr.SP-1)
	var res lir.Ref
	switch {
	case op == bytecode.OpAdd && av.IsString() && bv.IsString():
		res = r.buf.Call(concatCall, a, b)
	case op == bytecode.OpAdd && (av.IsString() || bv.IsString()):
		return abortf("mixed string/number addition")
	case av.IsNumber() && bv.IsNumber():
		res = r.arith(op, fr, pc, a, b, av, bv)
	default:
		return abortf("%s on %s and %s", op, av.TypeOf(), bv.TypeOf())
	}
	r.setStack(fr.SP-2, res)
	return cont()
}

func recordNeg(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	av := r.cx.Stack[fr.SP-1]
	if !av.IsNumber() {
		return abortf("negation of %s", av.TypeOf())
	}
	a := r.getStack(fr.SP - 1)
	var res lir.Ref
	if r.speculateInt(lir.OpNegOv, fr, pc, a, lir.NoRef, av, value.Int(0)) {
		exit := r.snapshot(OverflowExit, fr.SP)
		res = r.i2f(r.buf.Checked(lir.OpNegOv, r.buf.Demote(a), lir.NoRef, exit))
	} else {
		res = r.buf.Op1(lir.OpNegF, lir.F64, a)
	}
	r.setStack(fr.SP-1, res)
	return cont()
}

var bitwiseOps = map[bytecode.Opcode]lir.Opcode{
	bytecode.OpBitAnd: lir.OpAndI,
	bytecode.OpBitOr:  lir.OpOrI,
	bytecode.OpBitXor: lir.OpXorI,
	bytecode.OpLsh:    lir.OpLshI,
	bytecode.OpRsh:    lir.OpRshI,
	bytecode.OpUrsh:   lir.OpUrshI,
}

func recordBitwise(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	op := fr.Fun.Op(pc)
	av, bv := r.cx.Stack[fr.SP-2], r.cx.Stack[fr.SP-1]
	if !av.IsNumber() || !bv.IsNumber() {
		return abortf("%s on %s and %s", op, av.TypeOf(), bv.TypeOf())
	}
	a, b := r.toInt32(r.getStack(fr.SP-2)), r.toInt32(r.getStack(fr.SP-1))
	res := r.buf.Op2(bitwiseOps[op], lir.I32, a, b)
	if op == bytecode.OpUrsh {
		r.setStack(fr.SP-2, r.buf.Op1(lir.OpU2F, lir.F64, res))
	} else {
		r.setStack(fr.SP-2, r.i2f(res))
	}
	return cont()
}

func recordBitNot(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	av := r.cx.Stack[fr.SP-1]
	if !av.IsNumber() {
		return abortf("bitwise not of %s", av.TypeOf())
	}
	a := r.toInt32(r.getStack(fr.SP - 1))
	r.setStack(fr.SP-1, r.i2f(r.buf.Op1(lir.OpNotI, lir.I32, a)))
	return cont()
}

// ============================================================================
// Comparison
// ============================================================================

var intCmps = map[bytecode.Opcode]lir.Opcode{
	bytecode.OpLt: lir.OpLtI,
	bytecode.OpLe: lir.OpLeI,
	bytecode.OpGt: lir.OpGtI,
	bytecode.OpGe: lir.OpGeI,
}

var floatCmps = map[bytecode.Opcode]lir.Opcode{
	bytecode.OpLt: lir.OpLtF,
	bytecode.OpLe: lir.OpLeF,
	bytecode.OpGt: lir.OpGtF,
	bytecode.OpGe: lir.OpGeF,
}

func recordRelational(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	op := fr.Fun.Op(pc)
	av, bv := r.cx.Stack[fr.SP-2], r.cx.Stack[fr.SP-1]
	a, b := r.getStack(fr.SP-2), r.getStack(fr.SP-1)
	var res lir.Ref
	switch {
	case av.IsNumber() && bv.IsNumber():
		if r.buf.IsPromoteInt(a) && r.buf.IsPromoteInt(b) {
			res = r.buf.Op2(intCmps[op], lir.I32, r.buf.Demote(a), r.buf.Demote(b))
		} else {
			res = r.buf.Op2(floatCmps[op], lir.I32, a, b)
		}
	case av.IsString() && bv.IsString():
		c := r.buf.Call(strcmpCall, a, b)
		res = r.buf.Op2(intCmps[op], lir.I32, c, r.buf.ImmI32(0))
	default:
		return abortf("%s on %s and %s", op, av.TypeOf(), bv.TypeOf())
	}
	r.setStack(fr.SP-2, res)
	return cont()
}

func recordEquality(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	op := fr.Fun.Op(pc)
	strict := op == bytecode.OpStrictEq || op == bytecode.OpStrictNe
	av, bv := r.cx.Stack[fr.SP-2], r.cx.Stack[fr.SP-1]
	a, b := r.getStack(fr.SP-2), r.getStack(fr.SP-1)
	ta, tb := r.slotType(a), r.slotType(b)
	buf := r.buf

	var eq lir.Ref
	switch {
	case av.IsNumber() && bv.IsNumber():
		if buf.IsPromoteInt(a) && buf.IsPromoteInt(b) {
			eq = buf.Op2(lir.OpEqI, lir.I32, buf.Demote(a), buf.Demote(b))
		} else {
			eq = buf.Op2(lir.OpEqF, lir.I32, a, b)
		}
	case ta == tb && (ta == value.TagString || ta == value.TagObject):
		eq = buf.Op2(lir.OpRefEq, lir.I32, a, b)
	case ta == value.TagBool && tb == value.TagBool:
		eq = buf.Op2(lir.OpEqI, lir.I32, a, b)
	case strict && !(av.IsNumber() && bv.IsNumber()):
		eq = buf.ImmI32(0)
	case ta == value.TagBool && tb == value.TagObject:
		eq = buf.Op2(lir.OpAndI, lir.I32,
			buf.Op2(lir.OpEqI, lir.I32, a, r.undefined()),
			buf.Op2(lir.OpRefEq, lir.I32, b, buf.ImmObj(nil)))
	case ta == value.TagObject && tb == value.TagBool:
		eq = buf.Op2(lir.OpAndI, lir.I32,
			buf.Op2(lir.OpRefEq, lir.I32, a, buf.ImmObj(nil)),
			buf.Op2(lir.OpEqI, lir.I32, b, r.undefined()))
	default:
		return abortf("loose equality of %s and %s", av.TypeOf(), bv.TypeOf())
	}
	if op == bytecode.OpNe || op == bytecode.OpStrictNe {
		eq = buf.Op1(lir.OpNot, lir.I32, eq)
	}
	r.setStack(fr.SP-2, eq)
	return cont()
}

func recordNot(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	r.setStack(fr.SP-1, r.buf.Op1(lir.OpNot, lir.I32, r.truthy(r.getStack(fr.SP-1))))
	return cont()
}

func recordTypeof(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	v := r.cx.Stack[fr.SP-1]
	ref := r.getStack(fr.SP - 1)
	b := r.buf
	switch r.slotType(ref) {
	case value.TagBool:
		r.guard(b.Op2(lir.OpEqI, lir.I32, ref, r.undefined()), v.IsUndefined(), BranchExit)
	case value.TagObject:
		r.guard(b.Op2(lir.OpRefEq, lir.I32, ref, b.ImmObj(nil)), v.IsNull(), BranchExit)
		if o := v.AsObject(); o != nil {
			r.guardClass(ref, o.Class)
		}
	}
	r.setStack(fr.SP-1, b.ImmStr(v.TypeOf()))
	return cont()
}

// ============================================================================
// Control flow
// ============================================================================

func recordGoto(_ *Recorder, fr *vm.Frame, pc int) RecordResult {
	return branchTo(fr.Fun.JumpTarget(pc))
}

// recordCondJump guards the direction the interpreter is about to take. At
// the loop's own level, a guard whose other direction leaves the loop is a
// loop exit. Leaving the loop while the other direction is the back edge
// closes the loop as if the back edge had been taken.
func recordCondJump(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	fn := fr.Fun
	v := r.cx.Stack[fr.SP-1]
	cond := r.truthy(r.getStack(fr.SP - 1))
	taken := v.Truthy() == (fn.Op(pc) == bytecode.OpIfTrue)
	dest, other := fn.Next(pc), fn.JumpTarget(pc)
	if taken {
		dest, other = other, dest
	}

	kind := BranchExit
	if r.depth() == 0 {
		t := r.tree
		if !fn.InLoop(t.Header, dest) {
			if other != t.Header {
				return abortf("left the loop at pc %d", pc)
			}
			r.guard(cond, !v.Truthy(), LoopExit)
			return r.closeLoop(fr.SP - 1)
		}
		if !fn.InLoop(t.Header, other) {
			kind = LoopExit
		}
	}
	r.guard(cond, v.Truthy(), kind)
	if taken {
		return branchTo(dest)
	}
	return cont()
}

// ============================================================================
// Calls
// ============================================================================

func recordCall(r *Recorder, fr *vm.Frame, pc int) RecordResult {
	fn := fr.Fun
	argc := fn.U8(pc)
	base := fr.SP - argc - 2
	o := r.cx.Stack[base].AsObject()
	if o == nil || !o.IsCallable() {
		return abortf("call of a non-function")
	}
	callee := r.getStack(base)
	if r.buf.At(callee).Type != lir.Obj {
		return abortf("callee is not an object")
	}
	r.guard(r.buf.Op2(lir.OpRefEq, lir.I32, callee, r.buf.ImmObj(o)), true, MismatchExit)

	constructing := fn.Op(pc) == bytecode.OpNew
	if o.Class == value.ClassNative {
		if constructing {
			return abortf("%s is not a constructor", o.Name)
		}
		return r.callNative(o, base, argc)
	}

	target := o.Fn.(*bytecode.Function)
	if r.depth() >= r.s.policy.MaxCallDepth {
		return exhausted("call depth exceeds %d", r.s.policy.MaxCallDepth)
	}
	if base+target.FrameSlots()+2-r.entryBase > r.s.policy.MaxNativeStack {
		return exhausted("native stack exceeds %d slots", r.s.policy.MaxNativeStack)
	}
	fi := &FrameInfo{
		Callee:       o,
		Fun:          target,
		ReturnPC:     fn.Next(pc),
		Argc:         argc,
		Constructing: constructing,
		Base:         base - r.entryBase,
		CallTypes:    r.stackTypes(base + 2 + argc),
	}
	if constructing {
		r.guardHeap()
		r.setStack(base+1, r.buf.Call(newObjectCall))
	}
	undef := r.undefined()
	for i := argc; i < target.NArgs; i++ {
		r.setStack(base+2+i, undef)
	}
	for i := 0; i < target.NLocals; i++ {
		r.setStack(base+2+target.NArgs+i, undef)
	}
	r.pendingCall = fi
	return cont()
}

// callNative records a call to a native the trace can call directly.
func (r *Recorder) callNative(o *value.Object, base, argc int) RecordResult {
	name := o.Native.Name
	ci := traceableNatives[name]
	if ci == nil {
		return abortf("untraceable native %s", name)
	}
	if argc < len(ci.Args) {
		return abortf("too few arguments to %s", name)
	}
	args := make([]lir.Ref, len(ci.Args))
	for k, t := range ci.Args {
		v := r.cx.Stack[base+2+k]
		ref := r.getStack(base + 2 + k)
		switch t {
		case lir.F64:
			if !v.IsNumber() {
				return abortf("%s expects a number", name)
			}
		case lir.Str:
			if !v.IsString() {
				return abortf("%s expects a string", name)
			}
		case lir.Obj:
			a := v.AsObject()
			if a == nil || (arrayNatives[name] && a.Class != value.ClassArray) {
				return abortf("%s expects an array", name)
			}
			r.guardNotNull(ref)
			r.guardClass(ref, a.Class)
		case lir.Boxed:
			ref = r.box(ref)
		}
		args[k] = ref
	}

	res := r.buf.Call(ci, args...)
	switch ci.Ret {
	case lir.I32:
		r.setStack(base, r.i2f(res))
	case lir.Boxed:
		r.setStack(base, res)
		r.pendingNative = &pendingNative{addr: vm.StackAddr(base), ref: res}
	default:
		r.setStack(base, res)
	}
	return cont()
}

func recordReturn(r *Recorder, fr *vm.Frame, _ int) RecordResult {
	if r.depth() == 0 {
		return abortf("return from the loop frame")
	}
	fi := r.frames[len(r.frames)-1]
	v := r.cx.Stack[fr.SP-1]
	res := r.getStack(fr.SP - 1)
	if fi.Constructing {
		if r.slotType(res) == value.TagObject {
			r.guard(r.buf.Op2(lir.OpRefEq, lir.I32, res, r.buf.ImmObj(nil)), v.IsNull(), BranchExit)
		}
		if !v.IsObject() {
			res = r.getStack(fr.Base + 1)
		}
	}
	r.setStack(fr.Base, res)
	r.pendingReturn = true
	return cont()
}
