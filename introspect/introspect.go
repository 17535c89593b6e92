// Package introspect records broker lifecycle events to a SQLite file
// and exports runtime gauges. Recording is asynchronous: the broker
// loops enqueue events and a single writer goroutine batches them into
// transactions, so a slow disk never stalls the control loop.
package introspect

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

// Event kinds.
const (
	KindRegister       = "register"
	KindDeregister     = "deregister"
	KindSweepEviction  = "sweep_eviction"
	KindPortCreated    = "port_created"
	KindPortDestroyed  = "port_destroyed"
	KindMatched        = "matched"
	KindUnmatched      = "unmatched"
	KindSegmentCreated = "segment_created"
	KindSegmentRemoved = "segment_removed"
	KindProtocolError  = "protocol_error"
)

// Event is one recorded broker occurrence. Detail carries kind-specific
// fields and is stored JSON-encoded.
type Event struct {
	When    time.Time
	Kind    string
	Process string
	Service string
	Detail  map[string]any
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ns   INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	process TEXT,
	service TEXT,
	detail  TEXT
);
CREATE INDEX IF NOT EXISTS events_kind ON events(kind);
`

// Recorder is the async event sink. A nil *Recorder is valid and drops
// everything, so call sites never branch on whether introspection is on.
type Recorder struct {
	db   *sql.DB
	ch   chan Event
	done chan struct{}
}

// Open creates or opens the event database and starts the writer.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("introspect: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("introspect: schema: %w", err)
	}
	r := &Recorder{
		db:   db,
		ch:   make(chan Event, 256),
		done: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Record enqueues one event; drops it when the buffer is full rather
// than stalling the caller.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.When.IsZero() {
		ev.When = time.Now()
	}
	select {
	case r.ch <- ev:
	default:
	}
}

// Emit is Record with inline construction.
func (r *Recorder) Emit(kind, process, service string, detail map[string]any) {
	r.Record(Event{Kind: kind, Process: process, Service: service, Detail: detail})
}

// run drains the channel, batching adjacent events into one transaction.
func (r *Recorder) run() {
	defer close(r.done)
	for {
		ev, ok := <-r.ch
		if !ok {
			return
		}
		tx, err := r.db.Begin()
		if err != nil {
			continue
		}
		stmt, err := tx.Prepare("INSERT INTO events(at_ns, kind, process, service, detail) VALUES(?,?,?,?,?)")
		if err != nil {
			tx.Rollback()
			continue
		}
		r.insert(stmt, ev)
	batch:
		for {
			select {
			case more, okMore := <-r.ch:
				if !okMore {
					break batch
				}
				r.insert(stmt, more)
			default:
				break batch
			}
		}
		stmt.Close()
		tx.Commit()
	}
}

func (r *Recorder) insert(stmt *sql.Stmt, ev Event) {
	var detail []byte
	if ev.Detail != nil {
		detail, _ = sonnet.Marshal(ev.Detail)
	}
	stmt.Exec(ev.When.UnixNano(), ev.Kind, ev.Process, ev.Service, string(detail))
}

// Close flushes pending events and closes the database.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	close(r.ch)
	<-r.done
	return r.db.Close()
}

// CountEvents reports recorded rows of one kind; test and tooling hook.
func (r *Recorder) CountEvents(kind string) (int, error) {
	if r == nil {
		return 0, nil
	}
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ?", kind).Scan(&n)
	return n, err
}
