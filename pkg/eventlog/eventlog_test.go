package eventlog

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/tracejit/jit"
	"github.com/chazu/tracejit/pkg/bytecode"
	"github.com/chazu/tracejit/pkg/value"
	"github.com/chazu/tracejit/vm"
	"github.com/google/uuid"
)

func open(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := open(t)
	a, b := uuid.New(), uuid.New()
	now := time.Unix(1700000000, 42)
	events := []jit.Event{
		{Time: now, Session: a, Kind: jit.EventRecord, Site: "f@3", Tree: "f@3/1"},
		{Time: now, Session: a, Kind: jit.EventCompile, Site: "f@3", Tree: "f@3/1", Fragment: "f@3/1.root", Detail: "12 instructions"},
		{Time: now, Session: b, Kind: jit.EventAbort, Site: "g@0", Detail: "eval"},
	}
	for _, ev := range events {
		if err := l.Record(ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := l.Events(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(events) {
		t.Fatalf("events = %d, want %d", len(all), len(events))
	}
	for i, ev := range all {
		want := events[i]
		if !ev.Time.Equal(want.Time) || ev.Session != want.Session || ev.Kind != want.Kind ||
			ev.Site != want.Site || ev.Tree != want.Tree || ev.Fragment != want.Fragment || ev.Detail != want.Detail {
			t.Errorf("event %d = %+v, want %+v", i, ev, want)
		}
	}

	bySession, err := l.Events(Filter{Session: a})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 2 {
		t.Errorf("session events = %d, want 2", len(bySession))
	}
	byKind, err := l.Events(Filter{Kind: jit.EventCompile, Site: "f@3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKind) != 1 || byKind[0].Fragment != "f@3/1.root" {
		t.Errorf("compile events = %+v", byKind)
	}

	counts, err := l.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[jit.EventRecord] != 1 || counts[jit.EventAbort] != 1 || counts[jit.EventFlush] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(jit.Event{Time: time.Now(), Session: uuid.New(), Kind: jit.EventFlush}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	all, err := l.Events(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Kind != jit.EventFlush {
		t.Fatalf("events after reopen = %+v", all)
	}
}

func TestClosedLog(t *testing.T) {
	l := open(t)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := l.Record(jit.Event{Kind: jit.EventFlush}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Record after Close: err = %v, want ErrClosed", err)
	}
	if _, err := l.Events(Filter{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Events after Close: err = %v, want ErrClosed", err)
	}
}

func TestSessionEvents(t *testing.T) {
	prog, err := bytecode.AssembleString(`
.func count 1 1
	zero
	setlocal 0
	pop
loop:
	loophead
	getlocal 0
	getarg 0
	lt
	iffalse done
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
`)
	if err != nil {
		t.Fatal(err)
	}
	cx := vm.NewContext(nil)
	cx.Load(prog)

	l := open(t)
	s := jit.NewSession(cx, jit.WithEvents(l))
	v, err := cx.Run("count", value.Int(50))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Identical(value.Int(50)) {
		t.Fatalf("count(50) = %v", v)
	}

	events, err := l.Events(Filter{Session: s.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 || events[0].Kind != jit.EventRecord || events[1].Kind != jit.EventCompile {
		t.Fatalf("events = %+v", events)
	}
	if !strings.HasPrefix(events[1].Site, "count@") {
		t.Errorf("site = %q", events[1].Site)
	}
}
