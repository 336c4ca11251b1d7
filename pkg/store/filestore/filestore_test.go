package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/store"
)

func openTest(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := Open(opts)
	require.NoError(t, err)
	return s
}

func TestWithLock_PersistsMutation(t *testing.T) {
	s := openTest(t, Options{})
	ctx := context.Background()

	err := s.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		snap.WorkItems["w-1"] = contracts.WorkItem{
			ID: "w-1", Type: "build", Priority: contracts.PriorityHigh,
			Status: contracts.StatusClaimed, ClaimedBy: "agent-1",
		}
		return nil
	})
	require.NoError(t, err)

	snap, err := s.Read(ctx, contracts.CollectionWorkClaims)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", snap.WorkItems["w-1"].ClaimedBy)

	// The lock must be gone after WithLock returns.
	_, statErr := os.Stat(s.lockPath(contracts.CollectionWorkClaims))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWithLock_FnErrorAbortsReplace(t *testing.T) {
	s := openTest(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		snap.WorkItems["w-1"] = contracts.WorkItem{
			ID: "w-1", Type: "build", Priority: contracts.PriorityLow, Status: contracts.StatusClaimed,
		}
		return nil
	}))

	bad := assert.AnError
	err := s.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		delete(snap.WorkItems, "w-1")
		return bad
	})
	require.ErrorIs(t, err, bad)

	snap, err := s.Read(ctx, contracts.CollectionWorkClaims)
	require.NoError(t, err)
	assert.Contains(t, snap.WorkItems, "w-1", "aborted mutation must not be published")
}

func TestWithLock_ContentionWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, Options{
		Dir:            dir,
		Lock:           store.LockParams{Budget: 150 * time.Millisecond, InitialBackoff: 10 * time.Millisecond},
		StaleLockAfter: time.Hour, // never break it inside this test
	})

	// Simulate a live foreign holder.
	foreign := filepath.Join(dir, contracts.CollectionWorkClaims+".lock")
	require.NoError(t, os.WriteFile(foreign, []byte(`{"pid": 99999, "acquired_at": "`+time.Now().UTC().Format(time.RFC3339Nano)+`"}`), 0o600))

	err := s.WithLock(context.Background(), contracts.CollectionWorkClaims, func(*contracts.Snapshot) error {
		t.Fatal("must not run under a foreign lock")
		return nil
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Contention))
	assert.True(t, fault.Retryable(err))

	// The foreign holder's lock file must survive the failed attempts.
	_, statErr := os.Stat(foreign)
	assert.NoError(t, statErr)
}

func TestBreakStaleLock_RestoresLockThatChangedHands(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, Options{Dir: dir})
	path := s.lockPath(contracts.CollectionWorkClaims)

	// What the breaker read before the lock changed hands.
	stale := lockInfo{PID: 111, AcquiredAt: time.Now().Add(-time.Hour).UTC()}

	// By the time the breaker acts, a new holder owns the lock.
	fresh, err := json.Marshal(lockInfo{PID: 222, AcquiredAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, fresh, 0o600))

	s.breakStaleLock(contracts.CollectionWorkClaims, path, stale)

	got, rerr := os.ReadFile(path)
	require.NoError(t, rerr, "the fresh lock must be restored, never deleted")
	assert.JSONEq(t, string(fresh), string(got))
}

func TestWithLock_BreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, Options{
		Dir:            dir,
		Lock:           store.LockParams{Budget: 2 * time.Second, InitialBackoff: 10 * time.Millisecond},
		StaleLockAfter: 50 * time.Millisecond,
	})

	// A holder that died an hour ago.
	stale := filepath.Join(dir, contracts.CollectionAgentStatus+".lock")
	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	require.NoError(t, os.WriteFile(stale, []byte(`{"pid": 12345, "acquired_at": "`+old+`"}`), 0o600))

	ran := false
	err := s.WithLock(context.Background(), contracts.CollectionAgentStatus, func(*contracts.Snapshot) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// The break protocol renames the stale lock aside; nothing may linger.
	leftovers, gerr := filepath.Glob(filepath.Join(dir, "*.breaking-*"))
	require.NoError(t, gerr)
	assert.Empty(t, leftovers)
}

func TestWithLock_CorruptSnapshotPoisonsCollection(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, Options{Dir: dir})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, contracts.CollectionWorkClaims+".json"),
		[]byte("!!! definitely not a snapshot"), 0o600))

	err := s.WithLock(ctx, contracts.CollectionWorkClaims, func(*contracts.Snapshot) error { return nil })
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StorageCorruption))

	// Every further mutation on the collection is refused.
	err = s.WithLock(ctx, contracts.CollectionWorkClaims, func(*contracts.Snapshot) error { return nil })
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StorageCorruption))

	// Other collections are unaffected.
	require.NoError(t, s.WithLock(ctx, contracts.CollectionAgentStatus, func(*contracts.Snapshot) error { return nil }))
}

func TestWithLock_LeftoverTempFileIsHarmless(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, Options{Dir: dir})
	ctx := context.Background()

	// A crash mid-write leaves a temp file but never a renamed snapshot.
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "."+contracts.CollectionWorkClaims+".tmp-crashed"),
		[]byte(`{"partial":`), 0o600))

	snap, err := s.Read(ctx, contracts.CollectionWorkClaims)
	require.NoError(t, err)
	assert.Empty(t, snap.WorkItems)

	require.NoError(t, s.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		snap.WorkItems["w-1"] = contracts.WorkItem{
			ID: "w-1", Type: "build", Priority: contracts.PriorityLow, Status: contracts.StatusClaimed,
		}
		return nil
	}))
	snap, err = s.Read(ctx, contracts.CollectionWorkClaims)
	require.NoError(t, err)
	assert.Len(t, snap.WorkItems, 1)
}

func TestWithLock_ConcurrentWritersSerialize(t *testing.T) {
	s := openTest(t, Options{
		Lock: store.LockParams{Budget: 10 * time.Second, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
	})
	ctx := context.Background()

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWorker {
				id := string(rune('a'+w)) + "-" + string(rune('0'+i))
				err := s.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
					snap.WorkItems[id] = contracts.WorkItem{
						ID: id, Type: "build", Priority: contracts.PriorityLow, Status: contracts.StatusClaimed,
					}
					return nil
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	snap, err := s.Read(ctx, contracts.CollectionWorkClaims)
	require.NoError(t, err)
	assert.Len(t, snap.WorkItems, workers*perWorker, "no write may be lost")
}
