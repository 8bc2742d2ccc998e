// Package recorder provides trace-event sinks built on the external
// callback contract (pkg/callback): they do not touch tracer-internal
// bookkeeping, so persisting their own history does not contradict the
// core's "no persisted state" guarantee (spec §5) — that guarantee covers
// the tracer's own in-process tables, not what a caller's callbacks choose
// to do with the events they are handed.
//
// Grounded on the driver-per-backend shape of this repository's (now
// superseded) PDO package: one Go type per backend, each opening a
// database/sql handle with the matching third-party driver import.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/pkg/callback"
)

// Event is one recorded call entry or return, persisted as a single row.
type Event struct {
	ID        string
	Symbol    string
	Direction string // "entry" or "return"
	PID       int
	ThreadID  uint64
	VCPU      int
	At        time.Time
}

// Recorder persists trace events to a SQL backend and exposes Entry/Return
// callbacks ready to hand to loop.SetCallback.
type Recorder struct {
	db     *sql.DB
	symbol string
}

// Open opens driverName (one of "sqlite", "mysql") at dsn and creates the
// events table if it does not already exist.
func Open(driverName, dsn string) (*Recorder, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: failed to open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: failed to ping %s: %w", driverName, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS trace_events (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		pid INTEGER NOT NULL,
		thread_id INTEGER NOT NULL,
		vcpu INTEGER NOT NULL,
		at TIMESTAMP NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: failed to create schema: %w", err)
	}

	return &Recorder{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error { return r.db.Close() }

// ForSymbol returns an Entry/Return callback pair that record every call to
// symbol. The entry callback generates a new event id, records the entry
// row under it, and returns the id as the per-call payload; the return
// callback records the return row under that same id. The registered
// payload passed to the entry callback is ignored.
func (r *Recorder) ForSymbol(symbol string) (callback.Entry, callback.Return) {
	entry := func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) interface{} {
		id := uuid.NewString()
		r.insert(Event{ID: id, Symbol: symbol, Direction: "entry", PID: ev.PID, ThreadID: ev.ThreadID, VCPU: ev.VCPU})
		return id
	}
	ret := func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) {
		id, _ := payload.(string)
		r.insert(Event{ID: id, Symbol: symbol, Direction: "return", PID: ev.PID, ThreadID: ev.ThreadID, VCPU: ev.VCPU})
	}
	return entry, ret
}

func (r *Recorder) insert(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trace_events (id, symbol, direction, pid, thread_id, vcpu, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Symbol, e.Direction, e.PID, e.ThreadID, e.VCPU, time.Now().UTC())
	if err != nil {
		// The recorder is best-effort auxiliary state; a write failure
		// must never interrupt trap servicing.
		fmt.Printf("recorder: failed to insert event: %v\n", err)
	}
}

// Count returns the number of events recorded so far.
func (r *Recorder) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM trace_events`).Scan(&n)
	return n, err
}
