// Package hosts provides the relay's admin-facing host table: every
// upstream PDS the crawler has been told about, its current state, and the
// cursor it was last known to be crawled from. Unlike the firehose log,
// this is small, relational, operator-queryable state, so it stays in
// PostgreSQL rather than the embedded log store.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors for host operations.
var (
	ErrNotFound     = errors.New("hosts: not found")
	ErrAlreadyKnown = errors.New("hosts: hostname already registered")
)

// Valid host states, matching the crawler's own connection lifecycle:
// a host starts idle, moves to connecting while the upstream WebSocket
// dial is in flight, connected once frames are flowing, backoff while
// waiting out a reconnect delay after a dropped connection, and banned
// once an operator blocks it.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateBackoff    = "backoff"
	StateBanned     = "banned"
)

// Host is one upstream PDS the crawler pool tracks.
type Host struct {
	Hostname     string    `json:"hostname"`
	State        string    `json:"state"`
	LastCursor   int64     `json:"lastCursor"`
	AccountCount int64     `json:"accountCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store provides host CRUD operations backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a host Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Schema is the DDL for the hosts table, applied once at startup the same
// way the management schema is bootstrapped elsewhere in this codebase.
const Schema = `
CREATE TABLE IF NOT EXISTS hosts (
	hostname      TEXT PRIMARY KEY,
	state         TEXT NOT NULL DEFAULT 'idle',
	last_cursor   BIGINT NOT NULL DEFAULT 0,
	account_count BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Bootstrap applies Schema.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("hosts: bootstrap: %w", err)
	}
	return nil
}

// Register inserts a new host in StateIdle. Returns ErrAlreadyKnown if
// the hostname is already present.
func (s *Store) Register(ctx context.Context, hostname string) (*Host, error) {
	var h Host
	err := s.pool.QueryRow(ctx,
		`INSERT INTO hosts (hostname, state) VALUES ($1, $2)
		 ON CONFLICT (hostname) DO NOTHING
		 RETURNING hostname, state, last_cursor, account_count, created_at, updated_at`,
		hostname, StateIdle,
	).Scan(&h.Hostname, &h.State, &h.LastCursor, &h.AccountCount, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyKnown, hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("hosts: register %q: %w", hostname, err)
	}
	return &h, nil
}

// Get returns a host by hostname.
func (s *Store) Get(ctx context.Context, hostname string) (*Host, error) {
	var h Host
	err := s.pool.QueryRow(ctx,
		`SELECT hostname, state, last_cursor, account_count, created_at, updated_at
		 FROM hosts WHERE hostname = $1`, hostname,
	).Scan(&h.Hostname, &h.State, &h.LastCursor, &h.AccountCount, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("hosts: get %q: %w", hostname, err)
	}
	return &h, nil
}

// List returns every known host ordered by hostname.
func (s *Store) List(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hostname, state, last_cursor, account_count, created_at, updated_at
		 FROM hosts ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("hosts: list: %w", err)
	}
	defer rows.Close()

	out := []Host{}
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.Hostname, &h.State, &h.LastCursor, &h.AccountCount, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("hosts: list scan: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetState transitions hostname to the given state (e.g. StateBanned from
// an admin ban call, or a crawler connection-lifecycle state reported
// through crawler.Options.OnStateChange).
func (s *Store) SetState(ctx context.Context, hostname, state string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hosts SET state = $1, updated_at = NOW() WHERE hostname = $2`,
		state, hostname)
	if err != nil {
		return fmt.Errorf("hosts: set state %q: %w", hostname, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, hostname)
	}
	return nil
}

// UpdateCursor records the last cursor successfully crawled from hostname,
// used to resume that host's subscription after a restart.
func (s *Store) UpdateCursor(ctx context.Context, hostname string, cursor int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE hosts SET last_cursor = $1, state = $2, updated_at = NOW() WHERE hostname = $3`,
		cursor, StateConnected, hostname)
	if err != nil {
		return fmt.Errorf("hosts: update cursor %q: %w", hostname, err)
	}
	return nil
}
