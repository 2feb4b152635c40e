package jit

import (
	"errors"
	"fmt"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/native"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
)

// RecordKind is the outcome of recording one instruction.
type RecordKind uint8

const (
	// Continue: recorded; the interpreter executes the instruction.
	Continue RecordKind = iota
	// Abort: recording stops; the interpreter carries on.
	Abort
	// Branch: recorded a jump the interpreter is about to take.
	Branch
	// Close: the loop was closed and the fragment compiled.
	Close
	// Resume: the recorder advanced the interpreter itself, e.g. by
	// running an inner tree, and the instruction must be dispatched again.
	Resume
)

var recordKindNames = [...]string{"continue", "abort", "branch", "close", "resume"}

func (k RecordKind) String() string { return recordKindNames[k] }

// RecordResult is returned by every instruction handler.
type RecordResult struct {
	Kind   RecordKind
	Reason string
	Target int // Branch: the pc the interpreter jumps to

	// Abort details.
	Blacklist bool // count the abort against the entry type map
	Flush     bool // a resource ran out; flush the cache
	Trash     bool // the tree's entry types are wrong; trash it
	Resumed   bool // interpreter state changed before the abort
}

func cont() RecordResult             { return RecordResult{Kind: Continue} }
func branchTo(pc int) RecordResult   { return RecordResult{Kind: Branch, Target: pc} }
func softAbort(reason string) RecordResult {
	return RecordResult{Kind: Abort, Reason: reason}
}

func abortf(format string, args ...any) RecordResult {
	return RecordResult{Kind: Abort, Reason: fmt.Sprintf(format, args...), Blacklist: true}
}

func exhausted(format string, args ...any) RecordResult {
	return RecordResult{Kind: Abort, Reason: fmt.Sprintf(format, args...), Flush: true}
}

// bailout carries an abort out of deeply nested emit helpers. It never
// leaves the package: step recovers it. Any other panic, including one
// from compiled code run by a nested tree call, is re-raised by step.
type bailout struct{ res RecordResult }

func (r *Recorder) bail(res RecordResult) { panic(bailout{res}) }

// pendingNative is a native call whose boxed result is unboxed once the
// interpreter has produced it.
type pendingNative struct {
	addr vm.Addr
	ref  lir.Ref
}

// Recorder records one fragment. It shadows every interpreter slot the
// trace touches with the IR value that computes it.
type Recorder struct {
	s      *Session
	cx     *vm.Context
	tree   *Tree
	frag   *Fragment
	buf    *lir.Buffer
	anchor *SideExit

	tracker Tracker

	// The tree's entry frame and the absolute stack index native stack
	// offset 0 corresponds to.
	entryDepth int
	entryBase  int

	frames        []*FrameInfo
	importStack   TypeMap
	importGlobals TypeMap

	pendingCall   *FrameInfo
	pendingReturn bool
	pendingNative *pendingNative

	// key is the entry type map hash blacklisting is counted against.
	key uint64
	// innerExit is the exit an inner tree run during recording left
	// through, when it was not the one recorded.
	innerExit *SideExit

	ops int
}

func newRecorder(s *Session, cx *vm.Context, tree *Tree, frag *Fragment, anchor *SideExit) *Recorder {
	r := &Recorder{s: s, cx: cx, tree: tree, frag: frag, buf: frag.Buf, anchor: anchor}
	if anchor == nil {
		r.entryDepth = len(cx.Frames)
		r.importStack = tree.StackTypes
		r.importGlobals = tree.GlobalTypes.Clone()
	} else {
		r.entryDepth = len(cx.Frames) - anchor.CallDepth
		r.frames = append([]*FrameInfo(nil), anchor.Frames...)
		r.importStack = anchor.StackTypes
		r.importGlobals = anchor.globalTypes()
	}
	r.entryBase = cx.Frames[r.entryDepth-1].Base
	return r
}

// depth returns the number of frames inlined below the tree's entry frame.
func (r *Recorder) depth() int { return len(r.frames) }

// step records the instruction the interpreter is about to execute.
func (r *Recorder) step() (res RecordResult) {
	defer func() {
		if x := recover(); x != nil {
			b, ok := x.(bailout)
			if !ok {
				panic(x)
			}
			res = b.res
		}
	}()

	fr := r.cx.Top()
	if len(r.cx.Frames) != r.entryDepth+r.depth() {
		return abortf("frame depth %d does not match recorded depth %d", len(r.cx.Frames), r.entryDepth+r.depth())
	}
	if r.pendingNative != nil {
		r.finishNative()
	}
	if r.buf.Full() {
		return exhausted("fragment exceeds %d instructions", r.s.policy.MaxIR)
	}
	if fr.SP+2-r.entryBase > r.s.policy.MaxNativeStack {
		return exhausted("native stack exceeds %d slots", r.s.policy.MaxNativeStack)
	}

	pc := fr.PC
	op := fr.Fun.Op(pc)
	if op == bytecode.OpLoopHead {
		if r.depth() == 0 && fr.Fun == r.tree.Fun && pc == r.tree.Header {
			if r.ops > 0 || r.anchor != nil {
				return r.closeLoop(fr.SP)
			}
		} else {
			return r.recordInnerLoop(fr)
		}
	}

	h := handlers[op]
	if h == nil {
		return abortf("unsupported opcode %s", op)
	}
	res = h(r, fr, pc)
	r.ops++
	if res.Kind == Branch && r.depth() == 0 && !r.tree.Fun.InLoop(r.tree.Header, res.Target) {
		return abortf("left the loop at pc %d", pc)
	}
	return res
}

// ============================================================================
// Slots
// ============================================================================

// ensureGlobal makes global index gi part of the tree's entry map and the
// fragment's import map. Globals the tree has never touched still hold
// their entry values, so their current types are the entry types.
func (r *Recorder) ensureGlobal(gi int) {
	t := r.tree
	for len(t.GlobalTypes) <= gi {
		slot := r.s.globals[len(t.GlobalTypes)]
		t.GlobalTypes = append(t.GlobalTypes, captureTag(r.cx.Global.Slot(slot), r.s.oracle.IsGlobalSlotUndemotable(slot)))
	}
	for len(r.importGlobals) <= gi {
		r.importGlobals = append(r.importGlobals, t.GlobalTypes[len(r.importGlobals)])
	}
}

func (r *Recorder) globalIndex(slot int) int {
	gi := r.s.trackGlobal(slot)
	r.ensureGlobal(gi)
	return gi
}

// stackOffset returns the native stack offset of absolute stack index i.
func (r *Recorder) stackOffset(i int) int {
	off := i - r.entryBase
	if off < 0 {
		r.bail(abortf("slot %d below the entry frame", i))
	}
	if off >= r.s.policy.MaxNativeStack {
		r.bail(exhausted("native stack exceeds %d slots", r.s.policy.MaxNativeStack))
	}
	return off
}

// importSlot loads a slot the trace has not touched yet from native memory.
func (r *Recorder) importSlot(a vm.Addr) lir.Ref {
	var tag value.Tag
	var ref lir.Ref
	if a.IsGlobal() {
		gi := r.globalIndex(a.Index())
		tag = r.importGlobals[gi]
		ref = r.buf.LdGlobal(lir.TypeOfTag(tag), gi)
	} else {
		off := r.stackOffset(a.Index())
		if off >= len(r.importStack) {
			r.bail(abortf("read of untracked slot %s", a))
		}
		tag = r.importStack[off]
		ref = r.buf.LdStack(lir.TypeOfTag(tag), off)
	}
	if tag == value.TagInt32 {
		ref = r.buf.Op1(lir.OpI2F, lir.F64, ref)
	}
	r.tracker.Set(a, ref)
	return ref
}

// get returns the IR value of slot a, importing it on first use. Boxed
// values are unboxed against the type the slot holds now.
func (r *Recorder) get(a vm.Addr) lir.Ref {
	ref, ok := r.tracker.Get(a)
	if !ok {
		ref = r.importSlot(a)
	}
	if r.buf.At(ref).Type == lir.Boxed {
		ref = r.unboxValue(ref, r.cx.Get(a))
		r.set(a, ref)
	}
	return ref
}

// set binds slot a to ref and stores it to native memory. Integer-provable
// numbers are stored as int32.
func (r *Recorder) set(a vm.Addr, ref lir.Ref) {
	r.tracker.Set(a, ref)
	v := ref
	if r.buf.IsPromoteInt(ref) {
		v = r.buf.Demote(ref)
	}
	if a.IsGlobal() {
		r.buf.StGlobal(v, r.globalIndex(a.Index()))
		return
	}
	r.buf.StStack(v, r.stackOffset(a.Index()))
}

func (r *Recorder) getStack(i int) lir.Ref     { return r.get(vm.StackAddr(i)) }
func (r *Recorder) setStack(i int, ref lir.Ref) { r.set(vm.StackAddr(i), ref) }

// slotType is the type tag a slot holding ref has in exit maps. It depends
// only on how ref was computed.
func (r *Recorder) slotType(ref lir.Ref) value.Tag {
	switch r.buf.At(ref).Type {
	case lir.F64:
		if r.buf.IsPromoteInt(ref) {
			return value.TagInt32
		}
		return value.TagDouble
	case lir.I32:
		return value.TagBool
	case lir.Str:
		return value.TagString
	case lir.Obj:
		return value.TagObject
	}
	return value.TagBoxed
}

// viewType is the type slot a currently has on trace.
func (r *Recorder) viewType(a vm.Addr) value.Tag {
	if ref, ok := r.tracker.Get(a); ok {
		return r.slotType(ref)
	}
	if a.IsGlobal() {
		return r.importGlobals[r.globalIndex(a.Index())]
	}
	off := r.stackOffset(a.Index())
	if off >= len(r.importStack) {
		r.bail(abortf("untracked slot %s", a))
	}
	return r.importStack[off]
}

// stackTypes returns the types of [entry base, sp).
func (r *Recorder) stackTypes(sp int) TypeMap {
	m := make(TypeMap, sp-r.entryBase)
	for i := range m {
		m[i] = r.viewType(vm.StackAddr(r.entryBase + i))
	}
	return m
}

// globalTypes returns the types of every session global.
func (r *Recorder) globalTypes() TypeMap {
	if n := len(r.s.globals); n > 0 {
		r.ensureGlobal(n - 1)
	}
	m := make(TypeMap, len(r.s.globals))
	for gi, slot := range r.s.globals {
		m[gi] = r.viewType(vm.GlobalAddr(slot))
	}
	return m
}

// ============================================================================
// Exits and guards
// ============================================================================

// snapshot returns the side exit describing the interpreter state before
// the current instruction with the operand stack at sp.
func (r *Recorder) snapshot(kind ExitKind, sp int) *SideExit {
	return r.snapshotTypes(kind, r.cx.Top().PC, r.stackTypes(sp), r.globalTypes())
}

// snapshotTypes returns an exit resuming the innermost frame at pc. Guards
// with identical exits share one record.
func (r *Recorder) snapshotTypes(kind ExitKind, pc int, stack, globals TypeMap) *SideExit {
	fr := r.cx.Top()
	for _, e := range r.frag.Exits {
		if e.same(kind, fr.Fun, pc, r.frames, stack, globals) {
			e.Refs++
			return e
		}
	}
	e := &SideExit{
		ID:          len(r.frag.Exits),
		Kind:        kind,
		Fragment:    r.frag,
		Fun:         fr.Fun,
		PC:          pc,
		CallDepth:   len(r.frames),
		Frames:      append([]*FrameInfo(nil), r.frames...),
		StackTypes:  stack,
		GlobalTypes: globals,
		Refs:        1,
	}
	r.frag.Exits = append(r.frag.Exits, e)
	return e
}

// guard leaves through a new exit of kind unless cond's truth is expect.
func (r *Recorder) guard(cond lir.Ref, expect bool, kind ExitKind) {
	if ins := r.buf.At(cond); ins.Op == lir.OpImmI32 && (ins.Imm != 0) == expect {
		return
	}
	r.buf.Guard(cond, expect, r.snapshot(kind, r.cx.Top().SP))
}

// guardHeap leaves through an OOM exit when the heap has a collection
// pending. It goes before an allocation so the exit resumes ahead of it.
func (r *Recorder) guardHeap() {
	r.guard(r.buf.Call(heapPendingCall), false, OOMExit)
}

func (r *Recorder) immExit(e *SideExit) lir.Ref {
	return r.buf.Emit(lir.Ins{Op: lir.OpImmObj, Type: lir.Obj, A: lir.NoRef, B: lir.NoRef, C: lir.NoRef, Aux: e})
}

// ============================================================================
// Boxing
// ============================================================================

// unboxValue guards that boxed holds a value of v's exact tag and returns
// it unboxed. A hole reads as undefined.
func (r *Recorder) unboxValue(boxed lir.Ref, v value.Value) lir.Ref {
	tag := v.Tag()
	if tag == value.TagBoxed {
		r.bail(abortf("cannot unbox %s", v))
	}
	t := r.buf.Op1(lir.OpTag, lir.I32, boxed)
	r.guard(r.buf.Op2(lir.OpEqI, lir.I32, t, r.buf.ImmI32(int32(tag))), true, BranchExit)
	switch tag {
	case value.TagHole:
		return r.buf.ImmI32(value.NativeUndefined)
	case value.TagInt32:
		return r.buf.Op1(lir.OpI2F, lir.F64, r.buf.Unbox(boxed, lir.I32))
	}
	return r.buf.Unbox(boxed, lir.TypeOfTag(tag))
}

// box converts ref to a boxed value for storing into an object.
func (r *Recorder) box(ref lir.Ref) lir.Ref {
	switch tag := r.slotType(ref); tag {
	case value.TagBoxed:
		return ref
	case value.TagInt32:
		return r.buf.Box(r.buf.Demote(ref), tag)
	default:
		return r.buf.Box(ref, tag)
	}
}

// finishNative unboxes the result of the native called by the previous
// instruction, now that the interpreter has produced it.
func (r *Recorder) finishNative() {
	p := r.pendingNative
	r.pendingNative = nil
	if ref, ok := r.tracker.Get(p.addr); !ok || ref != p.ref {
		return
	}
	r.set(p.addr, r.unboxValue(p.ref, r.cx.Get(p.addr)))
}

// ============================================================================
// Frames
// ============================================================================

// enterFrame confirms the inlined call set up by the call handler.
func (r *Recorder) enterFrame() RecordResult {
	fi := r.pendingCall
	r.pendingCall = nil
	if fi == nil {
		return abortf("unexpected frame push")
	}
	if top := r.cx.Top(); top.Base != r.entryBase+fi.Base || top.Fun != fi.Fun {
		return abortf("frame of %s not where recorded", fi.Fun.Name)
	}
	r.frames = append(r.frames, fi)
	return cont()
}

// leaveFrame confirms the inlined return recorded by the return handler.
func (r *Recorder) leaveFrame() RecordResult {
	if !r.pendingReturn || r.depth() == 0 {
		return abortf("unexpected frame pop")
	}
	r.pendingReturn = false
	r.frames = r.frames[:len(r.frames)-1]
	return cont()
}

// ============================================================================
// Closing the loop
// ============================================================================

// closeLoop ends the fragment at the root loop header with the operand
// stack at sp and compiles it.
func (r *Recorder) closeLoop(sp int) RecordResult {
	t := r.tree
	if t.Trashed {
		return softAbort("tree trashed while recording")
	}
	if sp-r.entryBase != len(t.StackTypes) {
		return abortf("stack height changed across loop: %d != %d", sp-r.entryBase, len(t.StackTypes))
	}
	stack := r.stackTypes(sp)
	globals := r.globalTypes()
	target, res, ok := r.deduceTypeStability(stack, globals)
	if !ok {
		return res
	}

	if target != nil {
		r.convertForLoop(stack, globals, target)
		if target == t && r.anchor == nil {
			r.buf.Loop(r.frag)
		} else {
			r.buf.Loop(target.Root)
		}
		if target != t {
			target.addDependent(t)
		}
	} else {
		e := r.snapshotTypes(UnstableLoopExit, t.Header, stack, globals)
		r.buf.ExitTo(e)
		t.Unstable = append(t.Unstable, e)
	}
	return r.compile()
}

// deduceTypeStability decides where the closing types can loop to: the
// tree itself, a peer, or nowhere yet (nil). When closing types show that
// slots the tree entered as int32 ended as doubles, the slots are marked
// undemotable and the recording is discarded.
func (r *Recorder) deduceTypeStability(stack, globals TypeMap) (*Tree, RecordResult, bool) {
	t := r.tree
	if typesConvert(stack, t.StackTypes) && globalsConvert(globals, t.GlobalTypes) {
		return t, RecordResult{}, true
	}

	var peer *Tree
	if r.s.policy.PreferJoin {
		peer = r.findPeer(stack, globals)
	}
	if peer == nil && r.demote(stack, globals) {
		if r.anchor == nil {
			t.Site.Hits = r.s.policy.HotLoop - 1
			return nil, softAbort("demoted int32 slots; re-recording"), false
		}
		res := softAbort("demoted int32 slots; trashing tree")
		res.Trash = true
		return nil, res, false
	}
	if peer == nil {
		peer = r.findPeer(stack, globals)
	}
	return peer, RecordResult{}, true
}

// demote marks slots that entered as int32 and closed as double, and
// reports whether there were any.
func (r *Recorder) demote(stack, globals TypeMap) bool {
	t := r.tree
	n := 0
	for gi, tag := range globals {
		if gi < len(t.GlobalTypes) && t.GlobalTypes[gi] == value.TagInt32 && tag == value.TagDouble {
			r.s.oracle.MarkGlobalSlotUndemotable(r.s.globals[gi])
			n++
		}
	}
	for i, tag := range stack {
		if t.StackTypes[i] == value.TagInt32 && tag == value.TagDouble {
			r.s.oracle.MarkStackSlotUndemotable(t.Fun.ID, t.Header, i)
			n++
		}
	}
	if n > 0 {
		r.s.stats.Demotions += n
	}
	return n > 0
}

// globalsConvert reports whether globals can enter a tree whose entry map
// is entry. Globals beyond entry are not the tree's concern.
func globalsConvert(globals, entry TypeMap) bool {
	if len(entry) > len(globals) {
		return false
	}
	for i, t := range entry {
		if !canConvert(globals[i], t) {
			return false
		}
	}
	return true
}

// findPeer returns another compiled tree of the site whose entry accepts
// the given types.
func (r *Recorder) findPeer(stack, globals TypeMap) *Tree {
	for _, p := range r.tree.Site.Trees {
		if p != r.tree && p.compiled() && typesConvert(stack, p.StackTypes) && globalsConvert(globals, p.GlobalTypes) {
			return p
		}
	}
	return nil
}

// convertForLoop widens int32 slots the target tree enters as doubles.
func (r *Recorder) convertForLoop(stack, globals TypeMap, target *Tree) {
	for i, tag := range stack {
		if tag == value.TagInt32 && target.StackTypes[i] == value.TagDouble {
			r.buf.StStack(r.getStack(r.entryBase+i), i)
		}
	}
	for gi, tag := range target.GlobalTypes {
		if globals[gi] == value.TagInt32 && tag == value.TagDouble {
			r.buf.StGlobal(r.get(vm.GlobalAddr(r.s.globals[gi])), gi)
		}
	}
}

// compile assembles the fragment and attaches it to its tree.
func (r *Recorder) compile() RecordResult {
	code, err := native.Assemble(r.frag.Name(), r.buf, r.s.policy.MaxIR)
	if err != nil {
		if errors.Is(err, native.ErrTooLarge) {
			return exhausted("%v", err)
		}
		return abortf("%v", err)
	}
	r.frag.Code = code
	t := r.tree
	if r.anchor == nil {
		t.Root = r.frag
		t.Site.Trees = append(t.Site.Trees, t)
	} else {
		r.anchor.Target = r.frag
		t.Branches++
	}
	t.Fragments = append(t.Fragments, r.frag)
	return RecordResult{Kind: Close}
}

// ============================================================================
// Nested trees
// ============================================================================

// recordInnerLoop handles reaching the header of a loop other than the one
// being recorded. A compiled tree for it is called; otherwise recording
// stops so the inner loop can get hot on its own.
func (r *Recorder) recordInnerLoop(fr *vm.Frame) RecordResult {
	if fr.Fun == r.tree.Fun && fr.PC == r.tree.Header {
		return abortf("recursive entry into the recorded loop")
	}
	site := r.s.sites[siteKey{fr.Fun, fr.PC}]
	if site == nil {
		return softAbort(fmt.Sprintf("inner loop %s@%d not compiled", fr.Fun.Name, fr.PC))
	}
	inner := r.findInnerTree(site, fr)
	if inner == nil {
		return softAbort(fmt.Sprintf("no compatible tree for inner loop %s", site))
	}
	return r.emitTreeCall(inner, fr)
}

// findInnerTree returns a compiled tree of site whose entry types accept
// the slots as the trace sees them.
func (r *Recorder) findInnerTree(site *LoopSite, fr *vm.Frame) *Tree {
outer:
	for _, t := range site.Trees {
		if !t.compiled() || len(t.StackTypes) != fr.SP-fr.Base {
			continue
		}
		for i, tag := range t.StackTypes {
			a := vm.StackAddr(fr.Base + i)
			if !canConvert(r.viewType(a), tag) || !Compatible(tag, r.cx.Get(a)) {
				continue outer
			}
		}
		for gi, tag := range t.GlobalTypes {
			if gi >= len(r.s.globals) {
				continue outer
			}
			a := vm.GlobalAddr(r.s.globals[gi])
			if !canConvert(r.viewType(a), tag) || !Compatible(tag, r.cx.Get(a)) {
				continue outer
			}
		}
		return t
	}
	return nil
}

// prepareTreeCall widens the slots inner enters as doubles.
func (r *Recorder) prepareTreeCall(inner *Tree, fr *vm.Frame) {
	for i, tag := range inner.StackTypes {
		a := vm.StackAddr(fr.Base + i)
		if tag == value.TagDouble && r.viewType(a) == value.TagInt32 {
			r.buf.StStack(r.get(a), r.stackOffset(fr.Base+i))
		}
	}
	for gi, tag := range inner.GlobalTypes {
		a := vm.GlobalAddr(r.s.globals[gi])
		if tag == value.TagDouble && r.viewType(a) == value.TagInt32 {
			r.buf.StGlobal(r.get(a), gi)
		}
	}
}

// emitTreeCall runs inner now, then records a call to it guarded on
// leaving through the same loop exit.
func (r *Recorder) emitTreeCall(inner *Tree, fr *vm.Frame) RecordResult {
	off := r.stackOffset(fr.Base)
	if off+len(inner.StackTypes) > r.s.policy.MaxNativeStack {
		return exhausted("native stack exceeds %d slots", r.s.policy.MaxNativeStack)
	}
	r.prepareTreeCall(inner, fr)
	nested := r.snapshot(NestedExit, fr.SP)

	ex, err := r.s.executeTree(r.cx, inner)
	if err != nil {
		return softAbort(fmt.Sprintf("inner tree %s: %v", inner, err))
	}
	r.s.noteExit(ex)
	if ex.Kind != LoopExit || ex.Fragment.Tree != inner {
		res := softAbort(fmt.Sprintf("inner tree %s left through %s", inner, ex))
		res.Resumed = true
		r.innerExit = r.s.lastExit
		return res
	}

	ret := r.buf.TreeCall(inner.Root, off)
	r.buf.Guard(r.buf.Op2(lir.OpRefEq, lir.I32, ret, r.immExit(ex)), true, nested)

	// The inner tree wrote its results to native memory; read them back
	// with the types it left them in.
	for i, tag := range ex.StackTypes {
		ref := r.buf.ReloadStack(lir.TypeOfTag(tag), off+i)
		if tag == value.TagInt32 {
			ref = r.buf.Op1(lir.OpI2F, lir.F64, ref)
		}
		r.tracker.Set(vm.StackAddr(fr.Base+i), ref)
	}
	for gi, tag := range ex.globalTypes() {
		ref := r.buf.ReloadGlobal(lir.TypeOfTag(tag), gi)
		if tag == value.TagInt32 {
			ref = r.buf.Op1(lir.OpI2F, lir.F64, ref)
		}
		r.tracker.Set(vm.GlobalAddr(r.s.globals[gi]), ref)
	}

	inner.addDependent(r.tree)
	r.s.stats.TreeCalls++
	r.ops++
	return RecordResult{Kind: Resume}
}
