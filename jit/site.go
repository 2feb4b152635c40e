package jit

import (
	"fmt"

	"github.com/chazu/tracejit/pkg/bytecode"
)

// LoopSiteState is the lifecycle state of a loop header.
type LoopSiteState uint8

const (
	// Cold: no compiled trees, counting visits.
	Cold LoopSiteState = iota
	// Recording: a tree for the site is being recorded.
	Recording
	// CompiledStable: every compiled tree loops back into compiled code.
	CompiledStable
	// CompiledUnstable: some tree has loop exits not linked to a peer.
	CompiledUnstable
	// Blacklisted: recording failed for the current entry types and the
	// site has nothing compiled.
	Blacklisted
)

var siteStateNames = [...]string{"cold", "recording", "stable", "unstable", "blacklisted"}

func (s LoopSiteState) String() string {
	if int(s) < len(siteStateNames) {
		return siteStateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// siteEvent drives LoopSiteState transitions.
type siteEvent uint8

const (
	evRecord siteEvent = iota
	evCompiled
	evAbort
	evBlacklist
	evLinked
	evTrash
	evFlush
)

var siteEventNames = [...]string{"record", "compiled", "abort", "blacklist", "linked", "trash", "flush"}

func (e siteEvent) String() string { return siteEventNames[e] }

// next is the transition function. trees and unstable describe the site
// after the event took effect.
func (s LoopSiteState) next(ev siteEvent, trees int, unstable bool) (LoopSiteState, error) {
	compiled := func() LoopSiteState {
		switch {
		case trees == 0:
			return Cold
		case unstable:
			return CompiledUnstable
		}
		return CompiledStable
	}
	switch ev {
	case evRecord:
		if s == Recording {
			return s, fmt.Errorf("site already recording")
		}
		return Recording, nil
	case evCompiled, evAbort:
		if s != Recording {
			return s, fmt.Errorf("%s while %s", ev, s)
		}
		return compiled(), nil
	case evBlacklist:
		if trees == 0 {
			return Blacklisted, nil
		}
		return compiled(), nil
	case evLinked, evTrash:
		if s == Recording {
			return s, nil
		}
		return compiled(), nil
	case evFlush:
		return Cold, nil
	}
	return s, fmt.Errorf("unknown event %d", ev)
}

// blacklistEntry throttles recording for one entry type map.
type blacklistEntry struct {
	aborts    int
	skip      int
	permanent bool
}

// LoopSite is the per-loop-header record: its trees, visit counter and
// blacklist.
type LoopSite struct {
	Fun    *bytecode.Function
	Header int
	State  LoopSiteState
	Hits   int

	// Trees are the peers compiled for this header, one per entry type map.
	Trees []*Tree

	blacklist map[uint64]*blacklistEntry
}

func (s *LoopSite) String() string { return fmt.Sprintf("%s@%d", s.Fun.Name, s.Header) }

// transition applies ev, logging transitions the table rejects.
func (s *LoopSite) transition(ev siteEvent) {
	unstable := false
	for _, t := range s.Trees {
		if len(t.Unstable) > 0 {
			unstable = true
		}
	}
	next, err := s.State.next(ev, len(s.Trees), unstable)
	if err != nil {
		log.Warningf("%s: %v", s, err)
		return
	}
	if next != s.State {
		log.Debugf("%s: %s -> %s (%s)", s, s.State, next, ev)
	}
	s.State = next
}

// suppressed reports whether recording is currently suppressed, consuming
// one skip. A nil entry suppresses nothing.
func (e *blacklistEntry) suppressed() bool {
	switch {
	case e == nil:
		return false
	case e.permanent:
		return true
	case e.skip > 0:
		e.skip--
		return true
	}
	return false
}

// note counts an abort and reports whether the entry is now permanent.
func (e *blacklistEntry) note(backoff, maxAborts int) bool {
	e.aborts++
	e.skip = backoff * e.aborts
	if e.aborts >= maxAborts {
		e.permanent = true
	}
	return e.permanent
}

// blacklisted reports whether recording is currently suppressed for key,
// consuming one skip.
func (s *LoopSite) blacklisted(key uint64) bool {
	return s.blacklist[key].suppressed()
}

// noteAbort records a failed recording for key and reports whether the key
// is now blacklisted for good.
func (s *LoopSite) noteAbort(key uint64, backoff, maxAborts int) bool {
	if s.blacklist == nil {
		s.blacklist = make(map[uint64]*blacklistEntry)
	}
	e := s.blacklist[key]
	if e == nil {
		e = &blacklistEntry{}
		s.blacklist[key] = e
	}
	return e.note(backoff, maxAborts)
}

// forbid blacklists key for good.
func (s *LoopSite) forbid(key uint64) {
	if s.blacklist == nil {
		s.blacklist = make(map[uint64]*blacklistEntry)
	}
	s.blacklist[key] = &blacklistEntry{permanent: true}
}

func (s *LoopSite) removeTree(t *Tree) {
	for i, x := range s.Trees {
		if x == t {
			s.Trees = append(s.Trees[:i], s.Trees[i+1:]...)
			return
		}
	}
}

// siteKey identifies a loop header.
type siteKey struct {
	fun *bytecode.Function
	pc  int
}
