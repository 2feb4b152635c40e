package jit

import (
	"github.com/chazu/tracejit/pkg/native"
	"github.com/chazu/tracejit/vm"
)

// unwindLevel is one tree in a chain of nested tree calls: the exit it left
// through and the native stack offset its entry frame was based at.
type unwindLevel struct {
	exit *SideExit
	base int
}

// unwindState is the state of the bailout unwinder.
type unwindState uint8

const (
	// unwindLevelEntry: start on the next level's exit.
	unwindLevelEntry unwindState = iota
	// unwindFrame: synthesize the next inlined frame of the level.
	unwindFrame
	// unwindResume: set the pc and sp of the level's innermost frame.
	unwindResume
	// unwindFlush: write native slots back into the interpreter.
	unwindFlush
	unwindDone
)

// nestedLevels returns the chain of exits compiled code left through,
// outermost first. A nested exit continues into the exit the tree it
// called left through.
func nestedLevels(ex *SideExit, st *native.State) []unwindLevel {
	levels := []unwindLevel{{exit: ex}}
	for i := 0; ex.Kind == NestedExit && i < len(st.Nested); i++ {
		inner, ok := st.Nested[i].Exit.(*SideExit)
		if !ok {
			break
		}
		ex = inner
		levels = append(levels, unwindLevel{exit: inner, base: st.Nested[i].Base})
	}
	return levels
}

// leaveTree rebuilds the interpreter state described by exit ex of a tree
// entered from the interpreter's top frame: one frame for every inlined
// call on every level, then the stack and globals from native memory. It
// returns the innermost exit.
func (s *Session) leaveTree(cx *vm.Context, ex *SideExit, st *native.State) *SideExit {
	levels := nestedLevels(ex, st)
	entryBase := cx.Top().Base

	var (
		state = unwindLevelEntry
		li    int
		fi    int
		lv    unwindLevel
		top   = cx.Top()
	)
	for state != unwindDone {
		switch state {
		case unwindLevelEntry:
			lv = levels[li]
			fi = 0
			state = unwindFrame

		case unwindFrame:
			if fi == len(lv.exit.Frames) {
				state = unwindResume
				break
			}
			info := lv.exit.Frames[fi]
			base := entryBase + lv.base + info.Base
			top.PC = info.ReturnPC
			top.SP = base + 2 + info.Argc
			top = &vm.Frame{Fun: info.Fun, Base: base, Constructing: info.Constructing}
			top.SP = top.Base + info.Fun.FrameSlots()
			cx.Frames = append(cx.Frames, top)
			fi++

		case unwindResume:
			top.PC = lv.exit.PC
			top.SP = entryBase + lv.base + len(lv.exit.StackTypes)
			li++
			if li < len(levels) {
				state = unwindLevelEntry
			} else {
				state = unwindFlush
			}

		case unwindFlush:
			s.flushLevels(cx, entryBase, levels, st)
			state = unwindDone
		}
	}
	return levels[len(levels)-1].exit
}

// flushLevels writes every level's stack slots back, each outer level only
// below the base of the level it called, then the globals with the most
// recent types known for each.
func (s *Session) flushLevels(cx *vm.Context, entryBase int, levels []unwindLevel, st *native.State) {
	for i, lv := range levels {
		types := lv.exit.StackTypes
		if i+1 < len(levels) {
			if n := levels[i+1].base - lv.base; n < len(types) {
				types = types[:n]
			}
		}
		FlushStack(cx, entryBase+lv.base, types, st.Stack[lv.base:])
	}

	globals := levels[len(levels)-1].exit.globalTypes()
	for i := len(levels) - 2; i >= 0; i-- {
		globals = mergeTypes(globals, levels[i].exit.globalTypes())
	}
	if len(globals) > len(s.globals) {
		globals = globals[:len(s.globals)]
	}
	FlushGlobals(cx, s.globals, globals, st.Globals)
}
