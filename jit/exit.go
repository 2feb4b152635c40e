package jit

import (
	"fmt"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/native"
	"github.com/chazu/tracejit/pkg/value"
)

// ExitKind classifies why compiled code left.
type ExitKind uint8

const (
	// BranchExit: control flow or a type went another way than recorded.
	BranchExit ExitKind = iota
	// LoopExit: the loop condition failed; the loop is done.
	LoopExit
	// OverflowExit: checked integer arithmetic overflowed.
	OverflowExit
	// MismatchExit: a call site called a different function.
	MismatchExit
	// NestedExit: an inner tree left through an exit the outer tree did
	// not expect.
	NestedExit
	// OOMExit: compiled code ran out of memory.
	OOMExit
	// UnstableLoopExit: the loop closed with types its tree cannot take.
	UnstableLoopExit

	numExitKinds
)

var exitKindNames = [numExitKinds]string{"branch", "loop", "overflow", "mismatch", "nested", "oom", "unstable"}

func (k ExitKind) String() string {
	if k < numExitKinds {
		return exitKindNames[k]
	}
	return fmt.Sprintf("exit(%d)", k)
}

// FrameInfo describes a call frame inlined into a trace. It is what
// rebuilding the interpreter frame needs on bailout.
type FrameInfo struct {
	Callee       *value.Object
	Fun          *bytecode.Function
	ReturnPC     int // pc in the caller to resume at after the call
	Argc         int
	Constructing bool
	Base         int     // callee slot, relative to the tree's entry base
	CallTypes    TypeMap // caller's stack types at the call, from the entry base
}

// SideExit is the record a guard leaves through. It holds everything needed
// to resume the interpreter after the guard fails.
type SideExit struct {
	ID       int
	Kind     ExitKind
	Fragment *Fragment

	Fun       *bytecode.Function // function of the innermost frame
	PC        int
	CallDepth int
	Frames    []*FrameInfo // inlined frames, outermost first

	StackTypes  TypeMap // slots [entry base, sp)
	GlobalTypes TypeMap // session globals, possibly a prefix

	// Target is the fragment this exit has been linked to: a branch grown
	// from it, or a peer tree for an unstable loop exit.
	Target *Fragment

	Hits   int
	Refs   int // guards sharing this exit
	Aborts int // failed attempts to grow a branch
}

// LinkedCode implements native.Linked.
func (e *SideExit) LinkedCode() *native.Code {
	if e.Target == nil {
		return nil
	}
	return e.Target.Code
}

func (e *SideExit) String() string {
	name := "?"
	if e.Fragment != nil {
		name = e.Fragment.Name()
	}
	return fmt.Sprintf("%s#%d(%s %s@%d)", name, e.ID, e.Kind, e.Fun.Name, e.PC)
}

// globalTypes returns the exit's global types completed from its tree's
// entry map.
func (e *SideExit) globalTypes() TypeMap {
	return mergeTypes(e.GlobalTypes, e.Fragment.Tree.GlobalTypes)
}

// same reports whether an exit with these fields would be identical to e,
// so a new guard can share it.
func (e *SideExit) same(kind ExitKind, fn *bytecode.Function, pc int, frames []*FrameInfo, stack, globals TypeMap) bool {
	if e.Kind != kind || e.Fun != fn || e.PC != pc || len(e.Frames) != len(frames) {
		return false
	}
	for i := range frames {
		if e.Frames[i] != frames[i] {
			return false
		}
	}
	return e.StackTypes.Matches(stack) && e.GlobalTypes.Matches(globals)
}
