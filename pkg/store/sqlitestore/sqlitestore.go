// Package sqlitestore is the transactional state store backend on embedded
// SQLite. Each collection is a single row holding the complete snapshot;
// IMMEDIATE transactions give the advisory-lock semantics, and WAL plus
// synchronous=FULL give crash-safe atomic replacement.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/store"
)

// Options configures the sqlite backend.
type Options struct {
	Path  string
	Lock  store.LockParams
	Clock func() time.Time
}

// Store implements store.Store on a sqlite database file.
type Store struct {
	db    *sql.DB
	lock  store.LockParams
	clock func() time.Time
	guard *store.CorruptionGuard
}

// Open opens (creating if necessary) the database and its schema.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	// Pragmas ride the DSN because they are per-connection and the pool is
	// larger than one: WAL keeps snapshot reads available while a writer
	// holds its IMMEDIATE transaction (locked sections derive agent liveness
	// through such reads).
	dsn := opts.Path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(0)" // contention is handled by our own backoff
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &Store{
		db:    db,
		lock:  opts.Lock,
		clock: opts.Clock,
		guard: store.NewCorruptionGuard(),
	}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collections (
			name       TEXT PRIMARY KEY,
			body       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithLock implements store.Store. The mutation runs inside one IMMEDIATE
// transaction; a busy database counts as the lock being held and is retried
// under the bounded backoff, so fn may run more than once and must tolerate
// re-invocation on a fresh snapshot.
func (s *Store) WithLock(ctx context.Context, collection string, fn func(*contracts.Snapshot) error) error {
	const op = "sqlitestore.with_lock"
	if err := s.guard.Check(collection); err != nil {
		return err
	}
	return store.AcquireLock(ctx, op, collection, s.lock, func() (bool, error) {
		err := s.attempt(ctx, op, collection, fn)
		if err == nil {
			return true, nil
		}
		if isBusy(err) {
			return false, nil
		}
		return false, s.guard.Poison(collection, err)
	})
}

func (s *Store) attempt(ctx context.Context, op, collection string, fn func(*contracts.Snapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := s.loadTx(ctx, tx, op, collection)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}

	snap.UpdatedAt = s.clock()
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collections (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at;`,
		collection, string(raw), snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Read implements store.Store without opening a write transaction.
func (s *Store) Read(ctx context.Context, collection string) (*contracts.Snapshot, error) {
	const op = "sqlitestore.read"
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM collections WHERE name = ?;`, collection).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DecodeSnapshot(op, collection, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read %s: %w", collection, err)
	}
	snap, err := store.DecodeSnapshot(op, collection, []byte(body))
	if err != nil {
		return nil, s.guard.Poison(collection, err)
	}
	return snap, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadTx(ctx context.Context, q queryer, op, collection string) (*contracts.Snapshot, error) {
	var body string
	err := q.QueryRowContext(ctx,
		`SELECT body FROM collections WHERE name = ?;`, collection).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DecodeSnapshot(op, collection, nil)
	}
	if err != nil {
		return nil, err
	}
	return store.DecodeSnapshot(op, collection, []byte(body))
}

// isBusy reports SQLITE_BUSY / SQLITE_LOCKED without importing driver
// internals; the driver formats the code into the message.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

var _ store.Store = (*Store)(nil)
