package jit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Snapshots describe a session's compiled state without identities, so two
// runs of the same program encode to the same bytes.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jit: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ExitSnapshot describes one side exit.
type ExitSnapshot struct {
	ID        int    `cbor:"1,keyasint"`
	Kind      string `cbor:"2,keyasint"`
	Fun       string `cbor:"3,keyasint"`
	PC        int    `cbor:"4,keyasint"`
	CallDepth int    `cbor:"5,keyasint"`
	Stack     string `cbor:"6,keyasint"`
	Globals   string `cbor:"7,keyasint"`
	Linked    bool   `cbor:"8,keyasint,omitempty"`
}

// FragmentSnapshot describes one compiled fragment. Anchor is the ID of
// the exit the fragment was grown from, or -1 for a root.
type FragmentSnapshot struct {
	Anchor     int            `cbor:"1,keyasint"`
	AnchorFrag int            `cbor:"2,keyasint"`
	Size       int            `cbor:"3,keyasint"`
	Exits      []ExitSnapshot `cbor:"4,keyasint,omitempty"`
}

// TreeSnapshot describes one tree.
type TreeSnapshot struct {
	Stack      string             `cbor:"1,keyasint"`
	Globals    string             `cbor:"2,keyasint"`
	Fragments  []FragmentSnapshot `cbor:"3,keyasint"`
	Unstable   int                `cbor:"4,keyasint,omitempty"`
	Dependents int                `cbor:"5,keyasint,omitempty"`
}

// SiteSnapshot describes one loop site.
type SiteSnapshot struct {
	Fun    string         `cbor:"1,keyasint"`
	Header int            `cbor:"2,keyasint"`
	State  string         `cbor:"3,keyasint"`
	Trees  []TreeSnapshot `cbor:"4,keyasint,omitempty"`
}

// SessionSnapshot describes every site of a session.
type SessionSnapshot struct {
	Globals []int          `cbor:"1,keyasint,omitempty"`
	Sites   []SiteSnapshot `cbor:"2,keyasint,omitempty"`
}

// Snapshot captures the session's sites and trees.
func (s *Session) Snapshot() *SessionSnapshot {
	snap := &SessionSnapshot{Globals: append([]int(nil), s.globals...)}
	for _, site := range s.Sites() {
		ss := SiteSnapshot{Fun: site.Fun.Name, Header: site.Header, State: site.State.String()}
		for _, t := range site.Trees {
			ss.Trees = append(ss.Trees, snapshotTree(t))
		}
		snap.Sites = append(snap.Sites, ss)
	}
	return snap
}

func snapshotTree(t *Tree) TreeSnapshot {
	ts := TreeSnapshot{
		Stack:      t.StackTypes.String(),
		Globals:    t.GlobalTypes.String(),
		Unstable:   len(t.Unstable),
		Dependents: len(t.Dependents),
	}
	index := make(map[*Fragment]int, len(t.Fragments))
	for i, f := range t.Fragments {
		index[f] = i
	}
	for _, f := range t.Fragments {
		fs := FragmentSnapshot{Anchor: -1, AnchorFrag: -1}
		if f.Code != nil {
			fs.Size = f.Code.Size()
		}
		if f.Anchor != nil {
			fs.Anchor = f.Anchor.ID
			if i, ok := index[f.Anchor.Fragment]; ok {
				fs.AnchorFrag = i
			}
		}
		for _, e := range f.Exits {
			fs.Exits = append(fs.Exits, ExitSnapshot{
				ID:        e.ID,
				Kind:      e.Kind.String(),
				Fun:       e.Fun.Name,
				PC:        e.PC,
				CallDepth: e.CallDepth,
				Stack:     e.StackTypes.String(),
				Globals:   e.GlobalTypes.String(),
				Linked:    e.Target != nil,
			})
		}
		ts.Fragments = append(ts.Fragments, fs)
	}
	return ts
}

// EncodeSnapshot serializes a snapshot to canonical CBOR.
func EncodeSnapshot(snap *SessionSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(snap)
}

// DecodeSnapshot deserializes a snapshot from CBOR.
func DecodeSnapshot(data []byte) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("jit: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
