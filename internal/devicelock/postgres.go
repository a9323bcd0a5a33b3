package devicelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createLockTable = `
CREATE TABLE IF NOT EXISTS device_locks (
	address    TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL,
	last_seen  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_locks_expires_at_idx ON device_locks (expires_at);
`

// The conflict branch only fires when the stored binding expired or already
// belongs to this device; otherwise no row is returned and the caller is denied.
const admitLock = `
INSERT INTO device_locks (address, device_id, last_seen, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (address) DO UPDATE
SET device_id = EXCLUDED.device_id, last_seen = EXCLUDED.last_seen, expires_at = EXCLUDED.expires_at
WHERE device_locks.expires_at <= EXCLUDED.last_seen OR device_locks.device_id = EXCLUDED.device_id
RETURNING device_id
`

// PostgresTable persists bindings so they survive restarts and are shared
// across replicas.
type PostgresTable struct {
	pool    *pgxpool.Pool
	ttl     time.Duration
	now     Clock
	timeout time.Duration
}

// PostgresOption customises a PostgresTable.
type PostgresOption func(*PostgresTable)

// WithPostgresClock overrides the time source used for expiry arithmetic.
func WithPostgresClock(clock Clock) PostgresOption {
	return func(t *PostgresTable) {
		t.now = resolveClock(clock)
	}
}

// WithPostgresTimeout bounds each statement.
func WithPostgresTimeout(timeout time.Duration) PostgresOption {
	return func(t *PostgresTable) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// NewPostgresTable opens a pool for dsn and ensures the schema exists.
func NewPostgresTable(ctx context.Context, dsn string, ttl time.Duration, opts ...PostgresOption) (*PostgresTable, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres lock table dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres lock table config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres lock table pool: %w", err)
	}
	table := &PostgresTable{
		pool:    pool,
		ttl:     resolveTTL(ttl),
		now:     time.Now,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(table)
	}

	migrateCtx, cancel := table.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(migrateCtx, createLockTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create device_locks table: %w", err)
	}
	return table, nil
}

func (t *PostgresTable) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func (t *PostgresTable) Admit(ctx context.Context, address, device string) (Decision, error) {
	if err := validate(address, device); err != nil {
		return 0, err
	}
	now := t.now().UTC()
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var owner string
	err := t.pool.QueryRow(ctx, admitLock, address, device, now, now.Add(t.ttl)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return Deny, nil
	}
	if err != nil {
		return 0, unavailable("admit device lock", err)
	}
	return Allow, nil
}

func (t *PostgresTable) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	tag, err := t.pool.Exec(ctx, `DELETE FROM device_locks WHERE expires_at <= $1`, t.now().UTC())
	if err != nil {
		return 0, unavailable("sweep device locks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *PostgresTable) Len(ctx context.Context) (int, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	var count int
	if err := t.pool.QueryRow(ctx, `SELECT count(*) FROM device_locks`).Scan(&count); err != nil {
		return 0, unavailable("count device locks", err)
	}
	return count, nil
}

// Ping checks connectivity for health reporting.
func (t *PostgresTable) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends first.
func (t *PostgresTable) Close(ctx context.Context) error {
	if t == nil || t.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		t.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
