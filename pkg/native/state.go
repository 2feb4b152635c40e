package native

import (
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/value"
)

// NestedExit records the exit an inner tree left through and where its
// stack was based, for unwinding after the outer tree bails out.
type NestedExit struct {
	Exit lir.Exit
	Base int
}

// State is the memory compiled code runs against.
type State struct {
	Stack   []lir.Word
	Globals []lir.Word
	Base    int
	Heap    *value.Heap

	// Nested is the chain of exits taken by the most recent tree call,
	// outermost first.
	Nested []NestedExit

	// Iterations counts loop jumps, Transfers counts jumps between
	// fragments through linked exits.
	Iterations int
	Transfers  int
}

// NewState allocates a native stack of stackSize words and a global buffer
// of nglobals words.
func NewState(heap *value.Heap, stackSize, nglobals int) *State {
	return &State{
		Stack:   make([]lir.Word, stackSize),
		Globals: make([]lir.Word, nglobals),
		Heap:    heap,
	}
}
