package jit

import (
	"errors"
	"testing"

	"github.com/chazu/tracejit/config"
	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/native"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
)

func load(t *testing.T, src string) *vm.Context {
	t.Helper()
	prog, err := bytecode.AssembleString(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cx := vm.NewContext(nil)
	cx.Load(prog)
	return cx
}

// runBoth runs name once without a session and once with one and fails
// unless both give the same result.
func runBoth(t *testing.T, src, name string, p config.Policy, args ...value.Value) (value.Value, *Session) {
	t.Helper()
	plain := load(t, src)
	want, err := plain.Run(name, args...)
	if err != nil {
		t.Fatalf("interpreted %s: %v", name, err)
	}

	cx := load(t, src)
	s := NewSession(cx, WithPolicy(p))
	got, err := cx.Run(name, args...)
	if err != nil {
		t.Fatalf("traced %s: %v", name, err)
	}
	if !got.Identical(want) {
		t.Fatalf("%s: traced %v, interpreted %v", name, got, want)
	}
	if s.Recording() {
		t.Errorf("%s: still recording after return", name)
	}
	if len(cx.Frames) != 0 {
		t.Errorf("%s: %d frames left behind", name, len(cx.Frames))
	}
	return got, s
}

const sumSource = `
.func sum 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getlocal 0
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`

const growSource = `
.func grow 1 1
	one
	setlocal 0
	pop
loop:
	loophead
	getarg 0
	zero
	gt
	iffalse done
	getlocal 0
	int8 3
	mul
	setlocal 0
	pop
	getarg 0
	one
	sub
	setarg 0
	pop
	goto loop
done:
	getlocal 0
	return
.end
`

const nestSource = `
.func nest 2 3
	zero
	setlocal 0
	pop
	zero
	setlocal 2
	pop
outer:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	zero
	setlocal 1
	pop
inner:
	loophead
	getlocal 1
	getarg 1
	lt
	iffalse next
	getlocal 2
	getlocal 0
	getlocal 1
	mul
	add
	setlocal 2
	pop
	getlocal 1
	one
	add
	setlocal 1
	pop
	goto inner
next:
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto outer
done:
	getlocal 2
	return
.end
`

const pickSource = `
.func pick 1 0
	getarg 0
	int8 50
	lt
	iffalse big
	one
	return
big:
	int8 2
	return
.end

.func picks 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getglobal pick
	undefined
	getlocal 0
	call 1
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`

const unstableSource = `
.func unstable 1 2
	zero
	setlocal 0
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	push "a"
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`

const evalSource = `
.func evals 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 0
	eval
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`

const globalSource = `
.func gsum 1 1
	zero
	setlocal 0
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getglobal total
	getlocal 0
	add
	setglobal total
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getglobal total
	return
.end
`

func TestStableLoop(t *testing.T) {
	got, s := runBoth(t, sumSource, "sum", config.DefaultPolicy(), value.Int(100))
	if !got.Identical(value.Int(4950)) {
		t.Fatalf("sum(100) = %v", got)
	}
	stats := s.Stats()
	if stats.Compiled != 1 || stats.Aborts != 0 {
		t.Errorf("compiled %d, aborts %d; want 1, 0", stats.Compiled, stats.Aborts)
	}
	if stats.Executions != 1 {
		t.Errorf("executions = %d, want 1", stats.Executions)
	}
	if stats.ExitCount(LoopExit) != 1 {
		t.Errorf("loop exits = %d, want 1", stats.ExitCount(LoopExit))
	}
	if stats.Iterations == 0 {
		t.Error("no iterations counted")
	}

	trees := s.Trees()
	if len(trees) != 1 {
		t.Fatalf("trees = %d, want 1", len(trees))
	}
	tr := trees[0]
	if got := tr.StackTypes.String(); got != "OBIII" {
		t.Errorf("entry stack types = %s, want OBIII", got)
	}
	if tr.Site.State != CompiledStable {
		t.Errorf("site state = %s, want stable", tr.Site.State)
	}
}

func TestLoopBelowThresholdStaysInterpreted(t *testing.T) {
	p := config.DefaultPolicy()
	p.HotLoop = 50
	_, s := runBoth(t, sumSource, "sum", p, value.Int(10))
	if s.Stats().Recordings != 0 {
		t.Errorf("recordings = %d, want 0", s.Stats().Recordings)
	}
	if len(s.Trees()) != 0 {
		t.Errorf("trees = %d, want 0", len(s.Trees()))
	}
}

func TestOverflowDemotesToDouble(t *testing.T) {
	got, s := runBoth(t, growSource, "grow", config.DefaultPolicy(), value.Int(40))
	if got.IsInt() {
		t.Fatalf("grow(40) = %v, want a double", got)
	}
	stats := s.Stats()
	if stats.ExitCount(OverflowExit) == 0 {
		t.Error("no overflow exits")
	}
	if stats.Demotions == 0 {
		t.Error("no slots demoted")
	}

	// x is the first local: callee, this, one argument, then x.
	found := false
	for _, tr := range s.Trees() {
		if tr.StackTypes[3] == value.TagDouble {
			found = true
		}
	}
	if !found {
		t.Errorf("no tree entered with a double accumulator")
	}
	tr := s.Trees()[0]
	if !s.Oracle().IsStackSlotUndemotable(tr.Fun.ID, tr.Header, 3) {
		t.Error("accumulator slot not marked undemotable")
	}
}

func TestAbortBacksOffThenBlacklists(t *testing.T) {
	p := config.DefaultPolicy()
	_, s := runBoth(t, evalSource, "evals", p, value.Int(200))
	stats := s.Stats()
	if stats.Compiled != 0 {
		t.Errorf("compiled = %d, want 0", stats.Compiled)
	}
	if stats.Aborts != p.MaxSiteAborts {
		t.Errorf("aborts = %d, want %d", stats.Aborts, p.MaxSiteAborts)
	}
	sites := s.Sites()
	if len(sites) != 1 {
		t.Fatalf("sites = %d, want 1", len(sites))
	}
	if sites[0].State != Blacklisted {
		t.Errorf("site state = %s, want blacklisted", sites[0].State)
	}
}

const mixedSource = `
.func mixed 2 3
	newarray 0
	setlocal 1
	pop
	zero
	setlocal 0
	pop
	zero
	setlocal 2
	pop
fill:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse poke
	getlocal 1
	getlocal 0
	getlocal 0
	setelem
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto fill
poke:
	getlocal 1
	getarg 1
	push "x"
	setelem
	pop
	zero
	setlocal 0
	pop
sum:
	loophead
	getlocal 0
	getlocal 1
	length
	lt
	iffalse done
	getlocal 2
	getlocal 1
	getlocal 0
	getelem
	add
	setlocal 2
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto sum
done:
	getlocal 2
	return
.end
`

func TestStringElementAbortsOnlyThatTypeMap(t *testing.T) {
	got, s := runBoth(t, mixedSource, "mixed", config.DefaultPolicy(), value.Int(30), value.Int(10))
	if !got.IsString() {
		t.Fatalf("result = %v, want a string", got)
	}
	if s.Stats().Aborts == 0 {
		t.Error("no recording aborted")
	}

	var sum *LoopSite
	for _, site := range s.Sites() {
		if sum == nil || site.Header > sum.Header {
			sum = site
		}
	}
	if sum.State == Blacklisted {
		t.Fatalf("%s blacklisted outright", sum)
	}
	if len(sum.Trees) == 0 {
		t.Fatalf("%s has no tree", sum)
	}
	tr := sum.Trees[0]
	if e := sum.blacklist[entryKey(tr.GlobalTypes, tr.StackTypes)]; e != nil && e.permanent {
		t.Errorf("compiled entry map %s is blacklisted", tr.StackTypes)
	}
}

func TestNestedTrees(t *testing.T) {
	got, s := runBoth(t, nestSource, "nest", config.DefaultPolicy(), value.Int(20), value.Int(30))
	if !got.Identical(value.Int(190 * 435)) {
		t.Fatalf("nest(20, 30) = %v", got)
	}
	if s.Stats().TreeCalls == 0 {
		t.Fatal("outer tree does not call the inner tree")
	}

	sites := s.Sites()
	if len(sites) != 2 {
		t.Fatalf("sites = %d, want 2", len(sites))
	}
	outer, inner := sites[0], sites[1]
	if len(outer.Trees) == 0 || len(inner.Trees) == 0 {
		t.Fatalf("outer trees %d, inner trees %d", len(outer.Trees), len(inner.Trees))
	}
	ot, it := outer.Trees[0], inner.Trees[0]
	dependent := false
	for _, d := range it.Dependents {
		if d == ot {
			dependent = true
		}
	}
	if !dependent {
		t.Fatal("outer tree not recorded as a dependent of the inner tree")
	}

	s.trashTree(it)
	if !it.Trashed || !ot.Trashed {
		t.Errorf("trashed inner %v, outer %v; want both", it.Trashed, ot.Trashed)
	}
	if len(outer.Trees) != 0 || len(inner.Trees) != 0 {
		t.Errorf("trashed trees still listed")
	}
	if ot.Root.Code != nil {
		t.Error("outer code survived trashing")
	}
}

func TestBailoutFromInlinedFrame(t *testing.T) {
	got, s := runBoth(t, pickSource, "picks", config.DefaultPolicy(), value.Int(100))
	if !got.Identical(value.Int(150)) {
		t.Fatalf("picks(100) = %v, want 150", got)
	}
	if s.Stats().ExitCount(BranchExit) == 0 {
		t.Error("no branch exits")
	}
}

func TestUnstableLoopJoinsPeer(t *testing.T) {
	p := config.DefaultPolicy()
	p.HotLoop = 1
	got, s := runBoth(t, unstableSource, "unstable", p, value.Int(10))
	if got.AsString() != "a" {
		t.Fatalf("unstable(10) = %v", got)
	}
	sites := s.Sites()
	if len(sites) != 1 {
		t.Fatalf("sites = %d, want 1", len(sites))
	}
	site := sites[0]
	if len(site.Trees) != 2 {
		t.Fatalf("peers = %d, want 2", len(site.Trees))
	}
	first, second := site.Trees[0], site.Trees[1]
	if first.StackTypes[4] != value.TagBool || second.StackTypes[4] != value.TagString {
		t.Errorf("peer entry types %s, %s", first.StackTypes, second.StackTypes)
	}
	if len(first.Unstable) != 0 {
		t.Errorf("first peer still has %d unstable exits", len(first.Unstable))
	}
	if s.Stats().Links != 1 {
		t.Errorf("links = %d, want 1", s.Stats().Links)
	}
	if site.State != CompiledStable {
		t.Errorf("site state = %s, want stable", site.State)
	}
}

func TestPreferJoinPolicy(t *testing.T) {
	p := config.DefaultPolicy()
	p.HotLoop = 1
	p.PreferJoin = true
	runBoth(t, unstableSource, "unstable", p, value.Int(10))
	runBoth(t, growSource, "grow", p, value.Int(40))
}

func TestResultsMatchInterpreter(t *testing.T) {
	tests := []struct {
		name string
		src  string
		fn   string
		args []value.Value
	}{
		{"sum", sumSource, "sum", []value.Value{value.Int(1000)}},
		{"sum empty", sumSource, "sum", []value.Value{value.Int(0)}},
		{"grow", growSource, "grow", []value.Value{value.Int(60)}},
		{"nest", nestSource, "nest", []value.Value{value.Int(7), value.Int(11)}},
		{"picks", pickSource, "picks", []value.Value{value.Int(300)}},
		{"unstable", unstableSource, "unstable", []value.Value{value.Int(5)}},
		{"halves", `
.func halves 1 2
	zero
	setlocal 0
	pop
	push 1000.5
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	push 0.5
	mul
	getlocal 0
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`, "halves", []value.Value{value.Int(100)}},
		{"concat", `
.func concat 1 2
	zero
	setlocal 0
	pop
	push ""
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	push "ab"
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`, "concat", []value.Value{value.Int(40)}},
		{"arrays", `
.func fill 1 3
	newarray 0
	setlocal 1
	pop
	zero
	setlocal 0
	pop
	zero
	setlocal 2
	pop
fill:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse mid
	getlocal 1
	getlocal 0
	getlocal 0
	getlocal 0
	mul
	setelem
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto fill
mid:
	zero
	setlocal 0
	pop
sum:
	loophead
	getlocal 0
	getlocal 1
	length
	lt
	iffalse done
	getlocal 2
	getlocal 1
	getlocal 0
	getelem
	add
	setlocal 2
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto sum
done:
	getlocal 2
	return
.end
`, "fill", []value.Value{value.Int(50)}},
		{"properties", `
.func counter 1 2
	newobject
	setlocal 1
	pop
	getlocal 1
	zero
	setprop count
	pop
	zero
	setlocal 0
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getlocal 1
	getprop count
	getlocal 0
	add
	setprop count
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	getprop count
	return
.end
`, "counter", []value.Value{value.Int(64)}},
		{"calls", `
.func sq 1 0
	getarg 0
	getarg 0
	mul
	return
.end

.func calls 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getglobal sq
	undefined
	getlocal 0
	call 1
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`, "calls", []value.Value{value.Int(100)}},
		{"bitwise", `
.func bits 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getlocal 0
	int8 3
	lsh
	bitxor
	push 65535
	bitand
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`, "bits", []value.Value{value.Int(500)}},
		{"branches", `
.func thirds 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 0
	int8 3
	mod
	zero
	stricteq
	iffalse skip
	getlocal 1
	one
	add
	setlocal 1
	pop
skip:
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`, "thirds", []value.Value{value.Int(100)}},
		{"natives", `
.func roots 1 2
	zero
	setlocal 0
	pop
	zero
	setlocal 1
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getglobal sqrt
	undefined
	getlocal 0
	call 1
	getglobal floor
	swap
	undefined
	swap
	call 1
	add
	setlocal 1
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 1
	return
.end
`, "roots", []value.Value{value.Int(200)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runBoth(t, tt.src, tt.fn, config.DefaultPolicy(), tt.args...)
		})
	}
}

func TestRunTwiceReusesTree(t *testing.T) {
	cx := load(t, sumSource)
	s := NewSession(cx)
	for i := 0; i < 3; i++ {
		v, err := cx.Run("sum", value.Int(100))
		if err != nil {
			t.Fatal(err)
		}
		if !v.Identical(value.Int(4950)) {
			t.Fatalf("run %d: sum(100) = %v", i, v)
		}
	}
	if got := s.Stats().Compiled; got != 1 {
		t.Errorf("compiled = %d, want 1", got)
	}
	if got := s.Stats().Executions; got != 3 {
		t.Errorf("executions = %d, want 3", got)
	}
}

func TestGlobalShapeChangeFlushes(t *testing.T) {
	cx := load(t, globalSource)
	cx.Global.Set("total", value.Int(0))
	s := NewSession(cx)

	v, err := cx.Run("gsum", value.Int(100))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(4950)) {
		t.Fatalf("first run = %v", v)
	}
	trees := s.Trees()
	if len(trees) != 1 || trees[0].GlobalTypes.String() != "I" {
		t.Fatalf("trees %d after first run", len(trees))
	}

	cx.Global.Set("extra", value.Int(1))
	v, err = cx.Run("gsum", value.Int(100))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(9900)) {
		t.Fatalf("second run = %v", v)
	}
	if s.Stats().Flushes == 0 {
		t.Error("global shape change did not flush")
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	cx := load(t, sumSource)
	s := NewSession(cx)
	if _, err := cx.Run("sum", value.Int(100)); err != nil {
		t.Fatal(err)
	}
	trees := s.Trees()
	if len(trees) == 0 {
		t.Fatal("nothing compiled")
	}

	s.Flush()
	s.Flush()
	if got := s.Stats().Flushes; got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}
	if len(s.Sites()) != 0 {
		t.Errorf("sites survived flush")
	}
	if !trees[0].Trashed || trees[0].Root.Code != nil {
		t.Errorf("tree code survived flush")
	}
}

func TestCollectionFlushes(t *testing.T) {
	cx := load(t, sumSource)
	s := NewSession(cx)
	if _, err := cx.Run("sum", value.Int(100)); err != nil {
		t.Fatal(err)
	}
	if !cx.Heap.Collect() {
		t.Fatal("collection deferred off trace")
	}
	if len(s.Trees()) != 0 {
		t.Errorf("trees survived collection")
	}
	if s.Stats().Flushes != 1 {
		t.Errorf("flushes = %d, want 1", s.Stats().Flushes)
	}
}

const allocSource = `
.func allocs 1 1
	zero
	setlocal 0
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	newobject
	pop
	getlocal 0
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 0
	return
.end
`

func TestAllocationPressureLeavesThroughOOMExit(t *testing.T) {
	prog, err := bytecode.AssembleString(allocSource)
	if err != nil {
		t.Fatal(err)
	}
	cx := vm.NewContext(value.NewHeap(100))
	cx.Load(prog)
	s := NewSession(cx)

	v, err := cx.Run("allocs", value.Int(2000))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(2000)) {
		t.Fatalf("allocs(2000) = %v", v)
	}
	st := s.Stats()
	if st.Compiled == 0 {
		t.Fatal("allocation loop never compiled")
	}
	if st.ExitCount(OOMExit) == 0 {
		t.Error("no OOM exits under a full heap")
	}
	if st.Flushes == 0 {
		t.Error("OOM exits did not flush")
	}
	if cx.Heap.Pending() {
		t.Error("collection still pending after the run")
	}
}

func TestExhaustedBudgetBacksOffAcrossFlushes(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		fn     string
		policy func(*config.Policy)
	}{
		{"ir", sumSource, "sum", func(p *config.Policy) { p.MaxIR = 8 }},
		{"native stack", sumSource, "sum", func(p *config.Policy) { p.MaxNativeStack = 2 }},
		{"call depth", pickSource, "picks", func(p *config.Policy) { p.MaxCallDepth = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := config.DefaultPolicy()
			tt.policy(&p)
			_, s := runBoth(t, tt.src, tt.fn, p, value.Int(100))
			st := s.Stats()
			if st.Compiled != 0 {
				t.Errorf("compiled = %d, want 0", st.Compiled)
			}
			if st.Aborts != p.MaxSiteAborts {
				t.Errorf("aborts = %d, want %d", st.Aborts, p.MaxSiteAborts)
			}
			if st.Recordings != st.Aborts {
				t.Errorf("recordings = %d, aborts = %d", st.Recordings, st.Aborts)
			}
			if st.Flushes != st.Aborts {
				t.Errorf("flushes = %d, want one per abort (%d)", st.Flushes, st.Aborts)
			}
			sites := s.Sites()
			if len(sites) != 1 || sites[0].State != Blacklisted {
				t.Fatalf("sites = %v, want one blacklisted", sites)
			}
		})
	}
}

func TestPropertyGuardsShareExit(t *testing.T) {
	const src = `
.func counter 1 2
	newobject
	setlocal 1
	pop
	getlocal 1
	zero
	setprop count
	pop
	zero
	setlocal 0
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
	getlocal 1
	getprop count
	getlocal 0
	add
	one
	add
	setlocal 0
	pop
	goto loop
done:
	getlocal 0
	return
.end
`
	_, s := runBoth(t, src, "counter", config.DefaultPolicy(), value.Int(50))
	trees := s.Trees()
	if len(trees) == 0 {
		t.Fatal("no tree compiled")
	}
	shared := false
	for _, e := range trees[0].Root.Exits {
		if e.Refs > 1 {
			shared = true
		}
	}
	if !shared {
		t.Errorf("no exit shared among %d exits", len(trees[0].Root.Exits))
	}
}

func TestSharedGlobalRecordsInOneSession(t *testing.T) {
	a := load(t, sumSource)
	b := vm.NewContextSharing(a)
	sb := NewSession(b)

	holder := NewSession(a)
	owners.Store(a.Global, holder)
	t.Cleanup(func() { owners.Delete(a.Global) })

	v, err := b.Run("sum", value.Int(100))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(4950)) {
		t.Fatalf("sum(100) = %v", v)
	}
	if n := sb.Stats().Recordings; n != 0 {
		t.Errorf("recorded %d times while another session held the global", n)
	}

	owners.Delete(a.Global)
	if _, err := b.Run("sum", value.Int(100)); err != nil {
		t.Fatal(err)
	}
	if sb.Stats().Compiled == 0 {
		t.Error("nothing compiled once the global was released")
	}
	if _, ok := owners.Load(a.Global); ok {
		t.Error("global still owned after recording finished")
	}
}

func TestTrashedTreeNeverRuns(t *testing.T) {
	cx := load(t, sumSource)
	s := NewSession(cx)
	if _, err := cx.Run("sum", value.Int(100)); err != nil {
		t.Fatal(err)
	}
	tr := s.Trees()[0]
	s.trashTree(tr)

	_, err := s.executeTree(cx, tr)
	if !errors.Is(err, native.ErrStale) {
		t.Fatalf("executing a trashed tree: err = %v, want ErrStale", err)
	}

	v, err := cx.Run("sum", value.Int(100))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(4950)) {
		t.Fatalf("sum(100) after trash = %v", v)
	}
	if tr.Executions != 1 {
		t.Errorf("trashed tree executions = %d, want 1", tr.Executions)
	}
}

type recordingSink struct{ events []Event }

func (r *recordingSink) Record(ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestLifecycleEvents(t *testing.T) {
	cx := load(t, sumSource)
	sink := &recordingSink{}
	s := NewSession(cx, WithEvents(sink))
	if _, err := cx.Run("sum", value.Int(100)); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	var kinds []EventKind
	for _, ev := range sink.events {
		if ev.Session != s.ID {
			t.Errorf("event %s from session %s", ev.Kind, ev.Session)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventRecord, EventCompile, EventFlush}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if sink.events[1].Site == "" || sink.events[1].Tree == "" {
		t.Errorf("compile event %+v has no site or tree", sink.events[1])
	}
}

func TestCloseDetachesMonitor(t *testing.T) {
	cx := load(t, sumSource)
	s := NewSession(cx)
	s.Close()
	if cx.Monitor != nil {
		t.Fatal("monitor still installed")
	}
	if _, err := cx.Run("sum", value.Int(100)); err != nil {
		t.Fatal(err)
	}
	if s.Stats().Recordings != 0 {
		t.Errorf("closed session recorded")
	}
}

func TestForeignContextPanics(t *testing.T) {
	cx := load(t, sumSource)
	s := NewSession(cx)
	other := load(t, sumSource)
	defer func() {
		if recover() == nil {
			t.Fatal("no panic for a foreign context")
		}
	}()
	s.LoopEdge(other)
}

func TestStepReraisesForeignPanics(t *testing.T) {
	cx := load(t, sumSource)
	r := &Recorder{s: NewSession(cx), cx: cx}
	defer func() {
		x := recover()
		if x == nil {
			t.Fatal("step swallowed a runtime panic")
		}
		if _, ok := x.(bailout); ok {
			t.Fatalf("step leaked a bailout: %v", x)
		}
	}()
	r.step()
}
