package jit

import (
	"fmt"

	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/pkg/native"
	"github.com/google/uuid"
)

// Fragment is one compiled trace: the root of a tree or a branch grown from
// one of its side exits.
type Fragment struct {
	ID     int
	Tree   *Tree
	Anchor *SideExit // nil for the root
	Buf    *lir.Buffer
	Code   *native.Code
	Exits  []*SideExit
}

// LinkedCode implements native.Linked. Loops and tree calls target a
// fragment directly.
func (f *Fragment) LinkedCode() *native.Code { return f.Code }

// Name identifies the fragment in listings and exit names.
func (f *Fragment) Name() string {
	if f.Anchor == nil {
		return fmt.Sprintf("%s.root", f.Tree.Name())
	}
	return fmt.Sprintf("%s.b%d", f.Tree.Name(), f.ID)
}

func (f *Fragment) String() string { return f.Name() }

// release drops the fragment's IR and code. Code already handed out refuses
// to run afterwards.
func (f *Fragment) release() {
	f.Buf.Release()
	f.Code = nil
}

// Tree is the compiled code for one loop header and one entry type map: a
// root fragment plus the branches grown from its exits.
type Tree struct {
	ID     uuid.UUID
	Site   *LoopSite
	Fun    *bytecode.Function
	Header int

	StackTypes  TypeMap // frame slots [base, sp) at the header
	GlobalTypes TypeMap // session globals, extended as the session grows

	Root      *Fragment
	Fragments []*Fragment
	Branches  int

	// Unstable lists loop exits whose types match no compiled tree yet.
	Unstable []*SideExit

	// Dependents are trees that jump into or call this one; they are
	// trashed with it.
	Dependents   []*Tree
	Dependencies []*Tree

	Mismatches int
	Executions int
	Trashed    bool
}

func (t *Tree) Name() string {
	return fmt.Sprintf("%s@%d/%s", t.Fun.Name, t.Header, t.ID.String()[:8])
}

func (t *Tree) String() string { return t.Name() }

// compiled reports whether the tree can be entered.
func (t *Tree) compiled() bool {
	return !t.Trashed && t.Root != nil && t.Root.Code != nil
}

// addDependent records that d relies on t's code.
func (t *Tree) addDependent(d *Tree) {
	if d == t {
		return
	}
	for _, x := range t.Dependents {
		if x == d {
			return
		}
	}
	t.Dependents = append(t.Dependents, d)
	d.Dependencies = append(d.Dependencies, t)
}

// removeUnstable drops e from the unstable exit list.
func (t *Tree) removeUnstable(e *SideExit) {
	for i, u := range t.Unstable {
		if u == e {
			t.Unstable = append(t.Unstable[:i], t.Unstable[i+1:]...)
			return
		}
	}
}
