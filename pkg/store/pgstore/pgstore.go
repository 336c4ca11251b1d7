// Package pgstore is the Postgres state store backend. Collection exclusion
// uses transaction-scoped advisory locks (pg_try_advisory_xact_lock keyed by
// a hash of the collection name), so a crashed holder releases its lock with
// its session and no sweeper is needed.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/lib/pq"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/store"
)

// Options configures the Postgres backend.
type Options struct {
	DSN   string
	Lock  store.LockParams
	Clock func() time.Time
}

// Store implements store.Store on Postgres.
type Store struct {
	db    *sql.DB
	lock  store.LockParams
	clock func() time.Time
	guard *store.CorruptionGuard
}

// Open connects and ensures the schema.
func Open(opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("pgstore: dsn is required")
	}
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	return New(db, opts)
}

// New wraps an existing connection pool (also used by tests with sqlmock).
func New(db *sql.DB, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Store{
		db:    db,
		lock:  opts.Lock,
		clock: opts.Clock,
		guard: store.NewCorruptionGuard(),
	}
	if err := s.init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collections (
			name       TEXT PRIMARY KEY,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("pgstore: create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// lockKey maps a collection name onto the 64-bit advisory lock keyspace.
func lockKey(collection string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("keel:" + collection))
	return int64(h.Sum64()) //nolint:gosec // deliberate wraparound into the signed keyspace
}

// WithLock implements store.Store. Each attempt is one transaction: grab the
// advisory lock non-blockingly, read, mutate, upsert, commit. A held lock is
// retried under the bounded backoff, so fn may run more than once.
func (s *Store) WithLock(ctx context.Context, collection string, fn func(*contracts.Snapshot) error) error {
	const op = "pgstore.with_lock"
	if err := s.guard.Check(collection); err != nil {
		return err
	}
	return store.AcquireLock(ctx, op, collection, s.lock, func() (bool, error) {
		acquired, err := s.attempt(ctx, op, collection, fn)
		if err != nil {
			return false, s.guard.Poison(collection, err)
		}
		return acquired, nil
	})
}

func (s *Store) attempt(ctx context.Context, op, collection string, fn func(*contracts.Snapshot) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var got bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, lockKey(collection)).Scan(&got); err != nil {
		return false, err
	}
	if !got {
		return false, nil
	}

	var body []byte
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM collections WHERE name = $1`, collection).Scan(&body)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	snap, err := store.DecodeSnapshot(op, collection, body)
	if err != nil {
		return false, err
	}
	if err := fn(snap); err != nil {
		return false, err
	}

	snap.UpdatedAt = s.clock()
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collections (name, body, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		collection, raw, snap.UpdatedAt.UTC(),
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Read implements store.Store; plain SELECT, no advisory lock.
func (s *Store) Read(ctx context.Context, collection string) (*contracts.Snapshot, error) {
	const op = "pgstore.read"
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM collections WHERE name = $1`, collection).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DecodeSnapshot(op, collection, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: read %s: %w", collection, err)
	}
	snap, err := store.DecodeSnapshot(op, collection, body)
	if err != nil {
		return nil, s.guard.Poison(collection, err)
	}
	return snap, nil
}

var _ store.Store = (*Store)(nil)
