package jit

import (
	"github.com/chazu/tracejit/pkg/lir"
	"github.com/chazu/tracejit/vm"
)

const (
	pageShift = 8
	pageSize  = 1 << pageShift
)

type trackerPage struct {
	refs [pageSize]lir.Ref
	set  [pageSize]bool
}

// Tracker maps interpreter slot addresses to the IR values that currently
// hold them. Addresses are bucketed into pages of 256 slots.
type Tracker struct {
	pages map[int]*trackerPage
	n     int
}

func (t *Tracker) page(a vm.Addr, create bool) (*trackerPage, int) {
	p := t.pages[int(a)>>pageShift]
	if p == nil && create {
		if t.pages == nil {
			t.pages = make(map[int]*trackerPage)
		}
		p = &trackerPage{}
		t.pages[int(a)>>pageShift] = p
	}
	return p, int(a) & (pageSize - 1)
}

// Set binds a to r.
func (t *Tracker) Set(a vm.Addr, r lir.Ref) {
	p, i := t.page(a, true)
	if !p.set[i] {
		t.n++
	}
	p.refs[i] = r
	p.set[i] = true
}

// Get returns the IR value bound to a.
func (t *Tracker) Get(a vm.Addr) (lir.Ref, bool) {
	p, i := t.page(a, false)
	if p == nil || !p.set[i] {
		return lir.NoRef, false
	}
	return p.refs[i], true
}

func (t *Tracker) Has(a vm.Addr) bool {
	_, ok := t.Get(a)
	return ok
}

// Len returns the number of bound addresses.
func (t *Tracker) Len() int { return t.n }

func (t *Tracker) Clear() {
	t.pages = nil
	t.n = 0
}
