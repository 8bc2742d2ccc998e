package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/pkg/callback"
)

// PostgresRecorder is a second sink implementation using pgx's native pool
// API directly, rather than database/sql, for deployments that want
// connection pooling tuned independently of the Go standard pool.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the events table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: failed to open postgres pool: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS trace_events (
		id UUID PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		pid INTEGER NOT NULL,
		thread_id BIGINT NOT NULL,
		vcpu INTEGER NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recorder: failed to create postgres schema: %w", err)
	}

	return &PostgresRecorder{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRecorder) Close() { r.pool.Close() }

// ForSymbol mirrors Recorder.ForSymbol, backed by the pgx pool instead of
// database/sql.
func (r *PostgresRecorder) ForSymbol(symbol string) (callback.Entry, callback.Return) {
	entry := func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) interface{} {
		id := uuid.New()
		r.insert(id, Event{Symbol: symbol, Direction: "entry", PID: ev.PID, ThreadID: ev.ThreadID, VCPU: ev.VCPU})
		return id
	}
	ret := func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) {
		id, ok := payload.(uuid.UUID)
		if !ok {
			id = uuid.New()
		}
		r.insert(id, Event{Symbol: symbol, Direction: "return", PID: ev.PID, ThreadID: ev.ThreadID, VCPU: ev.VCPU})
	}
	return entry, ret
}

func (r *PostgresRecorder) insert(id uuid.UUID, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO trace_events (id, symbol, direction, pid, thread_id, vcpu, at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, e.Symbol, e.Direction, e.PID, e.ThreadID, e.VCPU, time.Now().UTC())
	if err != nil {
		fmt.Printf("recorder: failed to insert postgres event: %v\n", err)
	}
}

// Count returns the number of events recorded so far.
func (r *PostgresRecorder) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trace_events`).Scan(&n)
	return n, err
}
