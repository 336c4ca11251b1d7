// Package filestore is the portable state store backend: one JSON snapshot
// file per collection, an advisory lock file for exclusion, and
// write-to-temp-then-rename for atomic replacement. A process dying mid-write
// never leaves a partially written snapshot: readers observe either the old
// or the new complete file.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/store"
)

// Options configures the file backend.
type Options struct {
	Dir            string
	Lock           store.LockParams
	StaleLockAfter time.Duration // dead-holder recovery; 0 means 30s
	Clock          func() time.Time
}

// Store implements store.Store on a local directory.
type Store struct {
	dir        string
	lock       store.LockParams
	staleAfter time.Duration
	clock      func() time.Time
	guard      *store.CorruptionGuard
	logger     *slog.Logger
}

// Open creates the directory if needed and returns the backend.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("filestore: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StaleLockAfter <= 0 {
		opts.StaleLockAfter = 30 * time.Second
	}
	return &Store{
		dir:        opts.Dir,
		lock:       opts.Lock,
		staleAfter: opts.StaleLockAfter,
		clock:      opts.Clock,
		guard:      store.NewCorruptionGuard(),
		logger:     slog.Default().With("component", "filestore"),
	}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) snapshotPath(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *Store) lockPath(collection string) string {
	return filepath.Join(s.dir, collection+".lock")
}

// lockInfo is written into the lock file for diagnostics and dead-holder
// recovery.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// tryAcquire attempts one non-blocking lock grab. O_EXCL makes creation
// atomic on every platform we care about.
func (s *Store) tryAcquire(collection string) (bool, error) {
	path := s.lockPath(collection)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		info, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: s.clock()})
		_, werr := f.Write(info)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			if werr == nil {
				werr = cerr
			}
			return false, fmt.Errorf("write lock file: %w", werr)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("create lock file: %w", err)
	}

	// Held by someone else. If the holder died, the lock file goes stale and
	// we break it so the store does not wedge forever.
	raw, rerr := os.ReadFile(path)
	if rerr != nil {
		return false, nil // holder may have just released
	}
	var info lockInfo
	if jerr := json.Unmarshal(raw, &info); jerr != nil || info.AcquiredAt.IsZero() {
		return false, nil
	}
	if s.clock().Sub(info.AcquiredAt) <= s.staleAfter {
		return false, nil
	}
	s.breakStaleLock(collection, path, info)
	return false, nil
}

// breakStaleLock removes a lock whose holder is presumed dead. The lock is
// renamed aside first and its content compared against what we read: removing
// the path directly could race a concurrent breaker and delete a fresh lock
// acquired in between.
func (s *Store) breakStaleLock(collection, path string, want lockInfo) {
	aside := fmt.Sprintf("%s.breaking-%d-%d", path, os.Getpid(), s.clock().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		return // another process broke it first
	}
	raw, rerr := os.ReadFile(aside)
	var got lockInfo
	if rerr == nil && json.Unmarshal(raw, &got) == nil &&
		got.PID == want.PID && got.AcquiredAt.Equal(want.AcquiredAt) {
		s.logger.Warn("breaking stale collection lock",
			"collection", collection, "holder_pid", want.PID, "acquired_at", want.AcquiredAt)
		_ = os.Remove(aside)
		return
	}
	// The lock changed hands since we read it. Restore it without clobbering
	// an even newer one.
	if lerr := os.Link(aside, path); lerr != nil && !os.IsExist(lerr) {
		s.logger.Error("restore collection lock", "collection", collection, "error", lerr)
		return
	}
	_ = os.Remove(aside)
}

func (s *Store) release(collection string) {
	if err := os.Remove(s.lockPath(collection)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("release collection lock", "collection", collection, "error", err)
	}
}

// WithLock implements store.Store.
func (s *Store) WithLock(ctx context.Context, collection string, fn func(*contracts.Snapshot) error) error {
	const op = "filestore.with_lock"
	if err := s.guard.Check(collection); err != nil {
		return err
	}
	if err := store.AcquireLock(ctx, op, collection, s.lock, func() (bool, error) {
		return s.tryAcquire(collection)
	}); err != nil {
		return err
	}
	defer s.release(collection)

	snap, err := s.load(op, collection)
	if err != nil {
		return s.guard.Poison(collection, err)
	}
	if err := fn(snap); err != nil {
		return err
	}
	snap.UpdatedAt = s.clock()
	return s.replace(collection, snap)
}

// Read implements store.Store. It never touches the lock.
func (s *Store) Read(_ context.Context, collection string) (*contracts.Snapshot, error) {
	const op = "filestore.read"
	snap, err := s.load(op, collection)
	if err != nil {
		return nil, s.guard.Poison(collection, err)
	}
	return snap, nil
}

func (s *Store) load(op, collection string) (*contracts.Snapshot, error) {
	raw, err := os.ReadFile(s.snapshotPath(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return store.DecodeSnapshot(op, collection, nil)
		}
		return nil, fmt.Errorf("read %s snapshot: %w", collection, err)
	}
	return store.DecodeSnapshot(op, collection, raw)
}

// replace publishes the new snapshot: write complete temp file, fsync, then
// rename over the old one. The snapshot file is never edited in place.
func (s *Store) replace(collection string, snap *contracts.Snapshot) error {
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+collection+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after successful rename

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.snapshotPath(collection)); err != nil {
		return fmt.Errorf("publish %s snapshot: %w", collection, err)
	}
	s.syncDir()
	return nil
}

// syncDir flushes the rename to the directory entry. Best effort: some
// filesystems do not support fsync on directories.
func (s *Store) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

var _ store.Store = (*Store)(nil)
