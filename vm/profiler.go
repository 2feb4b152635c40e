package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/tracejit/pkg/bytecode"
)

// Profiler counts function invocations and loop header visits made by the
// interpreter. Visits that compiled code absorbs are not counted, so
// comparing profiles with and without a monitor shows how much work moved
// onto trace.

// FunctionProfile holds counters for a single function.
type FunctionProfile struct {
	Calls uint64
}

// LoopProfile holds counters for a single loop header.
type LoopProfile struct {
	Fun    *bytecode.Function
	Header int
	Visits uint64
}

type loopKey struct {
	fun    *bytecode.Function
	header int
}

// Profiler manages profiles for one context.
type Profiler struct {
	functions sync.Map // *bytecode.Function -> *FunctionProfile
	loops     sync.Map // loopKey -> *LoopProfile

	// OnHotLoop is called once when a loop header's visit count reaches
	// HotLoopThreshold.
	HotLoopThreshold uint64
	OnHotLoop        func(p *LoopProfile)
}

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotLoopThreshold: 1000}
}

// RecordCall counts an invocation of fn.
func (p *Profiler) RecordCall(fn *bytecode.Function) {
	val, _ := p.functions.LoadOrStore(fn, &FunctionProfile{})
	atomic.AddUint64(&val.(*FunctionProfile).Calls, 1)
}

// RecordLoop counts a visit of the loop header at pc.
func (p *Profiler) RecordLoop(fn *bytecode.Function, pc int) {
	val, _ := p.loops.LoadOrStore(loopKey{fn, pc}, &LoopProfile{Fun: fn, Header: pc})
	profile := val.(*LoopProfile)
	count := atomic.AddUint64(&profile.Visits, 1)
	if count == p.HotLoopThreshold && p.OnHotLoop != nil {
		p.OnHotLoop(profile)
	}
}

// Calls returns the invocation count of fn.
func (p *Profiler) Calls(fn *bytecode.Function) uint64 {
	if val, ok := p.functions.Load(fn); ok {
		return atomic.LoadUint64(&val.(*FunctionProfile).Calls)
	}
	return 0
}

// LoopVisits returns the interpreted visit count of a loop header.
func (p *Profiler) LoopVisits(fn *bytecode.Function, pc int) uint64 {
	if val, ok := p.loops.Load(loopKey{fn, pc}); ok {
		return atomic.LoadUint64(&val.(*LoopProfile).Visits)
	}
	return 0
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions   int
	Calls       uint64
	Loops       int
	LoopVisits  uint64
	HottestLoop *LoopProfile
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.functions.Range(func(_, v any) bool {
		stats.Functions++
		stats.Calls += atomic.LoadUint64(&v.(*FunctionProfile).Calls)
		return true
	})
	p.loops.Range(func(_, v any) bool {
		lp := v.(*LoopProfile)
		stats.Loops++
		stats.LoopVisits += atomic.LoadUint64(&lp.Visits)
		if stats.HottestLoop == nil || lp.Visits > stats.HottestLoop.Visits {
			stats.HottestLoop = lp
		}
		return true
	})
	return stats
}

// Loops returns every loop profile ordered by visits, hottest first.
func (p *Profiler) Loops() []*LoopProfile {
	var out []*LoopProfile
	p.loops.Range(func(_, v any) bool {
		out = append(out, v.(*LoopProfile))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Visits != out[j].Visits {
			return out[i].Visits > out[j].Visits
		}
		return out[i].Header < out[j].Header
	})
	return out
}

// Reset clears all profiles.
func (p *Profiler) Reset() {
	p.functions = sync.Map{}
	p.loops = sync.Map{}
}
