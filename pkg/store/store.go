// Package store defines the atomic state store: durable, independently
// lockable collections with serializable read-modify-write access. Backends
// (file, sqlite, postgres, redis) share the snapshot codec and the bounded
// lock-acquisition policy defined here; the lifecycle controller and the
// agent registry depend only on the Store interface.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
)

// Store is the serializable read-modify-write surface over one or more named
// collections.
type Store interface {
	// WithLock acquires the exclusive advisory lock for the collection, reads
	// the last committed snapshot, invokes fn, and atomically replaces the
	// persisted snapshot before releasing the lock. fn mutates the snapshot
	// in place; returning an error aborts the replace and is propagated
	// unchanged. Lock acquisition is bounded: exhausting the budget yields a
	// contention fault, retryable by the caller, never retried silently here.
	WithLock(ctx context.Context, collection string, fn func(snap *contracts.Snapshot) error) error

	// Read returns the last committed snapshot without taking the lock.
	// Reads are stale-but-consistent: a writer in flight is never observed
	// partially.
	Read(ctx context.Context, collection string) (*contracts.Snapshot, error)

	// Close releases backend resources.
	Close() error
}

// LockParams bounds lock acquisition.
type LockParams struct {
	Budget         time.Duration // total time budget before Contention
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultLockParams mirrors the defaults used across backends.
func DefaultLockParams() LockParams {
	return LockParams{
		Budget:         5 * time.Second,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func (p LockParams) withDefaults() LockParams {
	d := DefaultLockParams()
	if p.Budget <= 0 {
		p.Budget = d.Budget
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	return p
}

var errLockHeld = errors.New("collection lock held elsewhere")

// AcquireLock runs try under exponential backoff with jitter until it
// succeeds, a permanent error occurs, or the budget is exhausted. try returns
// (false, nil) when the lock is currently held by someone else. Budget
// exhaustion yields a contention fault.
func AcquireLock(ctx context.Context, op, collection string, p LockParams, try func() (bool, error)) error {
	p = p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, tryErr := try()
		if tryErr != nil {
			return struct{}{}, backoff.Permanent(tryErr)
		}
		if !ok {
			return struct{}{}, errLockHeld
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(p.Budget))

	if err == nil {
		return nil
	}
	if errors.Is(err, errLockHeld) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Contention, op, collection, err)
	}
	return err
}

// CorruptionGuard halts mutation attempts on a collection whose snapshot
// failed validation, until external intervention (process restart after
// repair).
type CorruptionGuard struct {
	mu       sync.Mutex
	poisoned map[string]error
}

func NewCorruptionGuard() *CorruptionGuard {
	return &CorruptionGuard{poisoned: make(map[string]error)}
}

// Check returns the recorded corruption fault for the collection, if any.
func (g *CorruptionGuard) Check(collection string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.poisoned[collection]
}

// Poison records err if it is a storage-corruption fault and returns err.
func (g *CorruptionGuard) Poison(collection string, err error) error {
	if err != nil && fault.IsKind(err, fault.StorageCorruption) {
		g.mu.Lock()
		g.poisoned[collection] = err
		g.mu.Unlock()
	}
	return err
}
