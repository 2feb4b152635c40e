package jit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chazu/tracejit/config"
	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/native"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tracejit.jit")

// owners maps a global object to the session currently recording against
// it. Contexts sharing a global object must not record at the same time.
var owners sync.Map // *value.Object -> *Session

// Stats counts what a session did.
type Stats struct {
	Recordings int
	Compiled   int
	Branches   int
	Aborts     int
	Trashed    int
	Flushes    int
	Links      int

	Executions int
	Iterations int
	Transfers  int
	TreeCalls  int
	Demotions  int

	Exits [numExitKinds]int
}

// ExitCount returns the number of bailouts through exits of kind k.
func (s Stats) ExitCount(k ExitKind) int {
	if k >= numExitKinds {
		return 0
	}
	return s.Exits[k]
}

// EventKind classifies lifecycle events.
type EventKind string

const (
	EventRecord    EventKind = "record"
	EventCompile   EventKind = "compile"
	EventAbort     EventKind = "abort"
	EventBlacklist EventKind = "blacklist"
	EventLink      EventKind = "link"
	EventTrash     EventKind = "trash"
	EventFlush     EventKind = "flush"
)

// Event is one lifecycle event, for observability sinks.
type Event struct {
	Time     time.Time
	Session  uuid.UUID
	Kind     EventKind
	Site     string
	Tree     string
	Fragment string
	Detail   string
}

// EventSink receives lifecycle events. Bailouts are not events.
type EventSink interface {
	Record(ev Event) error
}

// Option configures a Session.
type Option func(*Session)

// WithPolicy sets the thresholds the session runs with.
func WithPolicy(p config.Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithEvents sends lifecycle events to sink.
func WithEvents(sink EventSink) Option {
	return func(s *Session) { s.events = sink }
}

// Session is the JIT state of one execution context: loop sites and their
// trees, the oracle, the interned globals and the active recorder. It
// implements vm.Monitor.
type Session struct {
	ID uuid.UUID

	cx     *vm.Context
	policy config.Policy
	oracle *Oracle
	sites  map[siteKey]*LoopSite

	// globals lists the global object slots traces have touched, in the
	// order they were first seen; a slot's position is its global index.
	globals     []int
	globalIndex map[int]int
	globalShape *value.Shape

	// exhaustion counts aborts that ran out of a budget, per loop header.
	// It survives Flush.
	exhaustion map[siteKey]*blacklistEntry

	recorder *Recorder
	state    *native.State
	lastExit *SideExit

	stats        Stats
	events       EventSink
	eventErr     bool
	nextFragment int
}

// NewSession creates a session for cx and installs it as cx's monitor.
func NewSession(cx *vm.Context, opts ...Option) *Session {
	s := &Session{
		ID:          uuid.New(),
		cx:          cx,
		policy:      config.DefaultPolicy(),
		sites:       make(map[siteKey]*LoopSite),
		globalIndex: make(map[int]int),
		exhaustion:  make(map[siteKey]*blacklistEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.oracle = NewOracle(s.policy.OracleSize)
	s.state = native.NewState(cx.Heap, s.policy.MaxNativeStack, 0)
	cx.Monitor = s
	cx.Heap.OnCollect(s.Flush)
	return s
}

// Close detaches the session from its context, discarding any recording.
func (s *Session) Close() {
	if s.recorder != nil {
		s.abortRecording(s.cx, softAbort("session closed"))
	}
	if s.cx.Monitor == vm.Monitor(s) {
		s.cx.Monitor = nil
	}
}

func (s *Session) Policy() config.Policy { return s.policy }
func (s *Session) Oracle() *Oracle        { return s.oracle }
func (s *Session) Stats() Stats           { return s.stats }

// Site returns the loop site at header pc of fn, or nil.
func (s *Session) Site(fn *bytecode.Function, pc int) *LoopSite {
	return s.sites[siteKey{fn, pc}]
}

// Sites returns every loop site, ordered by function and header.
func (s *Session) Sites() []*LoopSite {
	sites := make([]*LoopSite, 0, len(s.sites))
	for _, site := range s.sites {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool {
		a, b := sites[i], sites[j]
		if a.Fun.Name != b.Fun.Name {
			return a.Fun.Name < b.Fun.Name
		}
		return a.Header < b.Header
	})
	return sites
}

// Trees returns every live tree, ordered by site.
func (s *Session) Trees() []*Tree {
	var trees []*Tree
	for _, site := range s.Sites() {
		trees = append(trees, site.Trees...)
	}
	return trees
}

func (s *Session) checkContext(cx *vm.Context) {
	if cx != s.cx {
		panic("jit: session used with a foreign context")
	}
}

func (s *Session) site(fn *bytecode.Function, pc int) *LoopSite {
	k := siteKey{fn, pc}
	site := s.sites[k]
	if site == nil {
		site = &LoopSite{Fun: fn, Header: pc}
		s.sites[k] = site
	}
	return site
}

// trackGlobal interns global object slot and returns its global index.
func (s *Session) trackGlobal(slot int) int {
	if gi, ok := s.globalIndex[slot]; ok {
		return gi
	}
	gi := len(s.globals)
	s.globals = append(s.globals, slot)
	s.globalIndex[slot] = gi
	return gi
}

func (s *Session) emit(kind EventKind, site *LoopSite, t *Tree, f *Fragment, detail string) {
	if s.events == nil {
		return
	}
	ev := Event{Time: time.Now(), Session: s.ID, Kind: kind, Detail: detail}
	if site != nil {
		ev.Site = site.String()
	}
	if t != nil {
		ev.Tree = t.Name()
	}
	if f != nil {
		ev.Fragment = f.Name()
	}
	if err := s.events.Record(ev); err != nil && !s.eventErr {
		s.eventErr = true
		log.Warningf("event sink: %v", err)
	}
}

// ============================================================================
// vm.Monitor
// ============================================================================

func (s *Session) Recording() bool { return s.recorder != nil }

// LoopEdge runs a compiled tree for the loop header the interpreter is at,
// or counts the visit and starts recording once the header is hot.
func (s *Session) LoopEdge(cx *vm.Context) bool {
	s.checkContext(cx)
	s.checkGlobalShape(cx)

	fr := cx.Top()
	site := s.site(fr.Fun, fr.PC)
	if t := s.findTree(cx, site); t != nil {
		if _, err := s.executeTree(cx, t); err != nil {
			log.Warningf("%v", err)
			s.trashTree(t)
			return false
		}
		s.noteExit(s.lastExit)
		s.handleExit(cx, s.lastExit)
		return true
	}

	if s.exhaustion[siteKey{fr.Fun, fr.PC}].suppressed() {
		return false
	}
	globals := CaptureGlobalTypes(cx, s.globals, s.oracle)
	stack := CaptureStackTypes(cx, fr.Base, fr.SP, fr.Fun, fr.PC, s.oracle)
	key := entryKey(globals, stack)
	if site.blacklisted(key) {
		return false
	}
	site.Hits++
	if site.Hits < s.policy.HotLoop {
		return false
	}
	site.Hits = 0
	if len(site.Trees) >= s.policy.MaxPeers {
		log.Debugf("%s: %d peers, not recording %s", site, len(site.Trees), stack)
		site.forbid(key)
		site.transition(evBlacklist)
		s.emit(EventBlacklist, site, nil, nil, "too many peers")
		return false
	}
	s.recordTree(cx, site, globals, stack, key)
	return false
}

// RecordOp records the instruction the interpreter is about to execute.
func (s *Session) RecordOp(cx *vm.Context) bool {
	s.checkContext(cx)
	r := s.recorder
	if r == nil {
		return false
	}
	res := r.step()
	switch res.Kind {
	case Continue, Branch:
		return false
	case Close:
		s.finishRecording(cx)
		return false
	case Resume:
		return true
	}
	s.abortRecording(cx, res)
	if res.Resumed {
		if r.innerExit != nil {
			s.handleExit(cx, r.innerExit)
		}
		return true
	}
	return false
}

func (s *Session) EnterFrame(cx *vm.Context) {
	if r := s.recorder; r != nil {
		if res := r.enterFrame(); res.Kind == Abort {
			s.abortRecording(cx, res)
		}
	}
}

func (s *Session) LeaveFrame(cx *vm.Context) {
	if r := s.recorder; r != nil {
		if res := r.leaveFrame(); res.Kind == Abort {
			s.abortRecording(cx, res)
		}
	}
}

func (s *Session) AbortRecording(cx *vm.Context, reason string) {
	if s.recorder != nil {
		s.abortRecording(cx, abortf("%s", reason))
	}
}

// ============================================================================
// Recording
// ============================================================================

// checkGlobalShape flushes compiled code when a global was defined since
// the last loop edge.
func (s *Session) checkGlobalShape(cx *vm.Context) {
	shape := cx.Global.Shape()
	if shape == s.globalShape {
		return
	}
	if s.globalShape != nil && len(s.Trees()) > 0 {
		log.Debugf("global shape changed; flushing")
		s.Flush()
	}
	s.globalShape = shape
}

// findTree returns a compiled tree of site whose entry types accept the
// current values.
func (s *Session) findTree(cx *vm.Context, site *LoopSite) *Tree {
	fr := cx.Top()
outer:
	for _, t := range site.Trees {
		if !t.compiled() || len(t.StackTypes) != fr.SP-fr.Base {
			continue
		}
		for i, tag := range t.StackTypes {
			if !Compatible(tag, cx.Stack[fr.Base+i]) {
				continue outer
			}
		}
		for gi, tag := range t.GlobalTypes {
			if !Compatible(tag, cx.Global.Slot(s.globals[gi])) {
				continue outer
			}
		}
		return t
	}
	return nil
}

func (s *Session) newFragment(t *Tree, anchor *SideExit) *Fragment {
	s.nextFragment++
	return &Fragment{ID: s.nextFragment, Tree: t, Anchor: anchor, Buf: lir.NewBuffer(s.policy.MaxIR)}
}

// recordTree starts recording a new tree for site with the given entry
// types.
func (s *Session) recordTree(cx *vm.Context, site *LoopSite, globals, stack TypeMap, key uint64) {
	fr := cx.Top()
	t := &Tree{
		ID:          uuid.New(),
		Site:        site,
		Fun:         fr.Fun,
		Header:      fr.PC,
		StackTypes:  stack,
		GlobalTypes: globals,
	}
	s.startRecording(cx, t, s.newFragment(t, nil), key)
}

// extendTree starts recording a branch from exit e. The interpreter must
// be at the exit's resume point.
func (s *Session) extendTree(cx *vm.Context, e *SideExit) {
	t := e.Fragment.Tree
	switch {
	case t.Trashed || e.Target != nil:
		return
	case e.Aborts >= s.policy.MaxSiteAborts:
		return
	case t.Branches >= s.policy.MaxBranches:
		log.Debugf("%s: branch limit reached", t)
		return
	}
	s.startRecording(cx, t, s.newFragment(t, e), 0)
}

func (s *Session) startRecording(cx *vm.Context, t *Tree, f *Fragment, key uint64) {
	if s.recorder != nil {
		panic("jit: recorder already active")
	}
	if owner, loaded := owners.LoadOrStore(cx.Global, s); loaded && owner != s {
		log.Debugf("%s: global object is being recorded by another session", t.Site)
		f.release()
		return
	}
	r := newRecorder(s, cx, t, f, f.Anchor)
	r.key = key
	s.recorder = r
	cx.Heap.SetOnTrace(true)
	t.Site.transition(evRecord)
	s.stats.Recordings++
	log.Debugf("recording %s", f)
	s.emit(EventRecord, t.Site, t, f, "")
}

// endRecording detaches the recorder and lowers the on-trace flag.
func (s *Session) endRecording(cx *vm.Context) *Recorder {
	r := s.recorder
	s.recorder = nil
	owners.CompareAndDelete(cx.Global, s)
	cx.Heap.SetOnTrace(false)
	return r
}

func (s *Session) finishRecording(cx *vm.Context) {
	r := s.endRecording(cx)
	t, f := r.tree, r.frag
	s.stats.Compiled++
	if r.anchor != nil {
		s.stats.Branches++
	}
	s.joinPeers(t.Site)
	t.Site.transition(evCompiled)
	log.Infof("compiled %s: %d instructions, %d exits", f, f.Code.Size(), len(f.Exits))
	s.emit(EventCompile, t.Site, t, f, fmt.Sprintf("%d instructions", f.Code.Size()))
}

func (s *Session) abortRecording(cx *vm.Context, res RecordResult) {
	r := s.endRecording(cx)
	t, f := r.tree, r.frag
	site := t.Site
	f.release()
	s.stats.Aborts++
	log.Debugf("abort %s: %s", f, res.Reason)
	s.emit(EventAbort, site, t, f, res.Reason)
	site.transition(evAbort)

	if res.Blacklist {
		if r.anchor == nil {
			permanent := site.noteAbort(r.key, s.policy.BlacklistBackoff, s.policy.MaxSiteAborts)
			site.transition(evBlacklist)
			detail := "backing off"
			if permanent {
				detail = "permanent"
			}
			s.emit(EventBlacklist, site, t, nil, detail)
		} else {
			r.anchor.Aborts++
		}
	}
	if res.Trash {
		s.trashTree(t)
	}
	if res.Flush {
		s.Flush()
		s.noteExhausted(site)
	}
}

// noteExhausted counts a budget abort against site's header. Repeated
// exhaustion backs off like a blacklisted type map and finally stops
// recording at the header altogether.
func (s *Session) noteExhausted(site *LoopSite) {
	k := siteKey{site.Fun, site.Header}
	e := s.exhaustion[k]
	if e == nil {
		e = &blacklistEntry{}
		s.exhaustion[k] = e
	}
	if !e.note(s.policy.BlacklistBackoff, s.policy.MaxSiteAborts) {
		return
	}
	fresh := s.site(site.Fun, site.Header)
	fresh.transition(evBlacklist)
	log.Debugf("%s: budget exhausted %d times; not recording again", fresh, e.aborts)
	s.emit(EventBlacklist, fresh, nil, nil, "budget exhausted")
}

// ============================================================================
// Execution
// ============================================================================

// executeTree runs t from the interpreter's top frame and reconstructs the
// interpreter state at the exit it left through. It returns that exit; the
// innermost exit of a nested chain is left in lastExit. On error the
// interpreter is untouched.
func (s *Session) executeTree(cx *vm.Context, t *Tree) (*SideExit, error) {
	h := cx.Heap
	h.Replenish(s.policy.RecoveryPool)
	if !t.compiled() {
		return nil, fmt.Errorf("executing %s: %w", t, native.ErrStale)
	}

	fr := cx.Top()
	st := s.state
	if len(st.Globals) < len(s.globals) {
		st.Globals = make([]lir.Word, len(s.globals))
	}
	st.Base = 0
	st.Nested = st.Nested[:0]
	st.Iterations, st.Transfers = 0, 0
	BuildStack(cx, fr.Base, t.StackTypes, st.Stack)
	BuildGlobals(cx, s.globals, t.GlobalTypes, st.Globals)

	wasOnTrace := h.OnTrace()
	h.SetOnTrace(true)
	e, err := native.Run(t.Root.Code, st)
	if err != nil {
		h.SetOnTrace(wasOnTrace)
		return nil, fmt.Errorf("executing %s: %w", t, err)
	}
	ex, ok := e.(*SideExit)
	if !ok {
		h.SetOnTrace(wasOnTrace)
		return nil, fmt.Errorf("executing %s: left through %v", t, e)
	}
	s.lastExit = s.leaveTree(cx, ex, st)
	h.SetOnTrace(wasOnTrace)

	t.Executions++
	s.stats.Executions++
	s.stats.Iterations += st.Iterations
	s.stats.Transfers += st.Transfers
	return ex, nil
}

func (s *Session) noteExit(e *SideExit) {
	e.Hits++
	if e.Kind < numExitKinds {
		s.stats.Exits[e.Kind]++
	}
}

// handleExit decides what to do about the exit compiled code last left
// through. The interpreter is at the exit's resume point.
func (s *Session) handleExit(cx *vm.Context, e *SideExit) {
	t := e.Fragment.Tree
	if t.Trashed {
		return
	}
	switch e.Kind {
	case LoopExit:
	case BranchExit, NestedExit:
		if e.Hits >= s.policy.HotExit {
			s.extendTree(cx, e)
		}
	case OverflowExit:
		s.oracle.MarkInstructionUndemotable(e.Fun.ID, e.PC)
		s.extendTree(cx, e)
	case MismatchExit:
		t.Mismatches++
		if t.Mismatches > s.policy.MaxMismatch {
			log.Debugf("%s: %d callee mismatches", t, t.Mismatches)
			s.trashTree(t)
			return
		}
		if e.Hits >= s.policy.HotExit {
			s.extendTree(cx, e)
		}
	case UnstableLoopExit:
		if !s.attemptToStabilizeTree(e) {
			t.Site.Hits = s.policy.HotLoop - 1
		}
	case OOMExit:
		s.Flush()
	}
}

// ============================================================================
// Peers
// ============================================================================

// enters reports whether native state described by stack and globals can
// jump straight into p without conversion.
func enters(stack, globals TypeMap, p *Tree) bool {
	if !stack.Matches(p.StackTypes) || len(globals) < len(p.GlobalTypes) {
		return false
	}
	return globals[:len(p.GlobalTypes)].Matches(p.GlobalTypes)
}

// attemptToStabilizeTree links unstable exit e to a compiled peer that
// accepts its types unchanged.
func (s *Session) attemptToStabilizeTree(e *SideExit) bool {
	t := e.Fragment.Tree
	globals := e.globalTypes()
	for _, p := range t.Site.Trees {
		if p != t && p.compiled() && enters(e.StackTypes, globals, p) {
			s.link(e, p)
			return true
		}
	}
	return false
}

func (s *Session) link(e *SideExit, p *Tree) {
	t := e.Fragment.Tree
	e.Target = p.Root
	t.removeUnstable(e)
	p.addDependent(t)
	s.stats.Links++
	t.Site.transition(evLinked)
	log.Debugf("linked %s to %s", e, p)
	s.emit(EventLink, t.Site, t, e.Fragment, p.Name())
}

// joinPeers links every unstable exit of site's trees that a peer accepts.
func (s *Session) joinPeers(site *LoopSite) {
	for _, t := range site.Trees {
		for _, e := range append([]*SideExit(nil), t.Unstable...) {
			s.attemptToStabilizeTree(e)
		}
	}
}

// ============================================================================
// Invalidation
// ============================================================================

// trashTree releases t's code and that of every tree depending on it.
func (s *Session) trashTree(t *Tree) {
	if t.Trashed {
		return
	}
	t.Trashed = true
	for _, f := range t.Fragments {
		f.release()
	}
	t.Site.removeTree(t)
	t.Site.transition(evTrash)
	s.stats.Trashed++
	log.Debugf("trashed %s", t)
	s.emit(EventTrash, t.Site, t, nil, "")
	for _, d := range t.Dependents {
		s.trashTree(d)
	}
}

// Flush drops every tree, loop site and oracle fact. It is idempotent.
func (s *Session) Flush() {
	if s.recorder != nil {
		s.abortRecording(s.cx, softAbort("flush"))
	}
	if len(s.sites) == 0 && len(s.globals) == 0 {
		return
	}
	for _, site := range s.sites {
		for _, t := range site.Trees {
			t.Trashed = true
			for _, f := range t.Fragments {
				f.release()
			}
		}
		site.Trees = nil
		site.transition(evFlush)
	}
	s.sites = make(map[siteKey]*LoopSite)
	s.globals = nil
	s.globalIndex = make(map[int]int)
	s.globalShape = nil
	s.oracle.Clear()
	s.stats.Flushes++
	log.Infof("flushed")
	s.emit(EventFlush, nil, nil, nil, "")
}
