// Package eventlog stores JIT lifecycle events in a SQLite database.
package eventlog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/tracejit/jit"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("tracejit.eventlog")

// ErrClosed is returned when recording into a closed log.
var ErrClosed = errors.New("event log closed")

const schema = `CREATE TABLE IF NOT EXISTS events (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	time     INTEGER NOT NULL,
	session  TEXT NOT NULL,
	kind     TEXT NOT NULL,
	site     TEXT NOT NULL,
	tree     TEXT NOT NULL,
	fragment TEXT NOT NULL,
	detail   TEXT NOT NULL
)`

// Log is a jit.EventSink writing to SQLite.
type Log struct {
	db     *sql.DB
	path   string
	insert *sql.Stmt
	mu     sync.Mutex
}

// Open opens or creates the event database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO events (time, session, kind, site, tree, fragment, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	log.Debugf("opened %s", path)
	return &Log{db: db, path: path, insert: insert}, nil
}

// Record implements jit.EventSink.
func (l *Log) Record(ev jit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return ErrClosed
	}
	_, err := l.insert.Exec(ev.Time.UnixNano(), ev.Session.String(), string(ev.Kind),
		ev.Site, ev.Tree, ev.Fragment, ev.Detail)
	if err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	l.insert.Close()
	err := l.db.Close()
	l.db = nil
	return err
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Session uuid.UUID
	Kind    jit.EventKind
	Site    string
}

// Events returns the events matching f in the order they were recorded.
func (l *Log) Events(f Filter) ([]jit.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, ErrClosed
	}

	q := "SELECT time, session, kind, site, tree, fragment, detail FROM events WHERE 1=1"
	var args []any
	if f.Session != uuid.Nil {
		q += " AND session = ?"
		args = append(args, f.Session.String())
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.Site != "" {
		q += " AND site = ?"
		args = append(args, f.Site)
	}
	q += " ORDER BY seq"

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []jit.Event
	for rows.Next() {
		var (
			ns      int64
			session string
			kind    string
			ev      jit.Event
		)
		if err := rows.Scan(&ns, &session, &kind, &ev.Site, &ev.Tree, &ev.Fragment, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		id, err := uuid.Parse(session)
		if err != nil {
			return nil, fmt.Errorf("event session %q: %w", session, err)
		}
		ev.Time = time.Unix(0, ns)
		ev.Session = id
		ev.Kind = jit.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Counts returns the number of events of each kind.
func (l *Log) Counts() (map[jit.EventKind]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, ErrClosed
	}
	rows, err := l.db.Query("SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[jit.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[jit.EventKind(kind)] = n
	}
	return counts, rows.Err()
}
