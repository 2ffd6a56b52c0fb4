// Package postgres provides a PostgreSQL-backed [journal.Journal]. Each planned
// timeline becomes one row in timeline_plans.
//
// Usage:
//
//	j, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer j.Close()
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/marionette/internal/journal"
)

var _ journal.Journal = (*Journal)(nil)

const ddlTimelinePlans = `
CREATE TABLE IF NOT EXISTS timeline_plans (
    id           BIGSERIAL    PRIMARY KEY,
    request_id   TEXT         NOT NULL,
    planned_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    source       TEXT         NOT NULL,
    reason       TEXT         NOT NULL DEFAULT '',
    strategy     TEXT         NOT NULL DEFAULT '',
    mode         TEXT         NOT NULL,
    frames       INTEGER      NOT NULL DEFAULT 0,
    params       INTEGER      NOT NULL DEFAULT 0,
    words        INTEGER      NOT NULL DEFAULT 0,
    dropped      INTEGER      NOT NULL DEFAULT 0,
    duration_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ns   BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_timeline_plans_planned_at
    ON timeline_plans (planned_at);

CREATE INDEX IF NOT EXISTS idx_timeline_plans_source_reason
    ON timeline_plans (source, reason);
`

// Migrate creates the timeline_plans table and its indexes if they do not
// exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTimelinePlans); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Journal writes entries to PostgreSQL through a [pgxpool.Pool].
// All operations are safe for concurrent use.
type Journal struct {
	pool *pgxpool.Pool
}

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: %w", err)
	}
	return &Journal{pool: pool}, nil
}

// Record implements [journal.Journal].
func (j *Journal) Record(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO timeline_plans
		    (request_id, planned_at, source, reason, strategy, mode,
		     frames, params, words, dropped, duration_ms, latency_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := j.pool.Exec(ctx, q,
		e.RequestID,
		e.Time,
		e.Source,
		e.Reason,
		e.Strategy,
		e.Mode,
		e.Frames,
		e.Params,
		e.Words,
		e.Dropped,
		e.DurationMs,
		e.Latency.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres journal: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	const q = `
		SELECT request_id, planned_at, source, reason, strategy, mode,
		       frames, params, words, dropped, duration_ms, latency_ns
		FROM   timeline_plans
		ORDER  BY planned_at DESC, id DESC
		LIMIT  $1`

	rows, err := j.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e         journal.Entry
			latencyNs int64
		)
		err := row.Scan(&e.RequestID, &e.Time, &e.Source, &e.Reason, &e.Strategy, &e.Mode,
			&e.Frames, &e.Params, &e.Words, &e.Dropped, &e.DurationMs, &latencyNs)
		e.Latency = time.Duration(latencyNs)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres journal: recent: %w", err)
	}
	return entries, nil
}

// CountBySource returns how many plans were served per source/reason pair,
// keyed "source/reason".
func (j *Journal) CountBySource(ctx context.Context) (map[string]int, error) {
	const q = `
		SELECT source, reason, count(*)
		FROM   timeline_plans
		GROUP  BY source, reason`

	rows, err := j.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			source, reason string
			n              int
		)
		if err := rows.Scan(&source, &reason, &n); err != nil {
			return nil, fmt.Errorf("postgres journal: count scan: %w", err)
		}
		out[source+"/"+reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres journal: count: %w", err)
	}
	return out, nil
}

// Ping implements [journal.Journal].
func (j *Journal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close implements [journal.Journal].
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}
