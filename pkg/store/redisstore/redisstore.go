// Package redisstore is the Redis state store backend for fleets whose
// shared store is a network service rather than a filesystem. Exclusion uses
// a SET NX PX lease key per collection; the lease TTL bounds how long a dead
// holder can wedge a collection. The snapshot is a single value replaced
// wholesale under the lease, so readers always see a complete snapshot.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/ids"
	"github.com/Driftware-Labs/keel/pkg/store"
)

// Options configures the Redis backend.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // defaults to "keel"
	LeaseTTL  time.Duration // defaults to 10s
	Lock      store.LockParams
	Clock     func() time.Time
}

// Store implements store.Store on Redis.
type Store struct {
	client   *redis.Client
	prefix   string
	leaseTTL time.Duration
	lock     store.LockParams
	clock    func() time.Time
	guard    *store.CorruptionGuard
}

// unlockScript releases the lease only when still held by this owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redisstore: addr is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "keel"
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping %s: %w", opts.Addr, err)
	}
	return &Store{
		client:   client,
		prefix:   opts.KeyPrefix,
		leaseTTL: opts.LeaseTTL,
		lock:     opts.Lock,
		clock:    opts.Clock,
		guard:    store.NewCorruptionGuard(),
	}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) lockKey(collection string) string {
	return s.prefix + ":lock:" + collection
}

func (s *Store) snapKey(collection string) string {
	return s.prefix + ":snapshot:" + collection
}

// WithLock implements store.Store.
func (s *Store) WithLock(ctx context.Context, collection string, fn func(*contracts.Snapshot) error) error {
	const op = "redisstore.with_lock"
	if err := s.guard.Check(collection); err != nil {
		return err
	}

	token := ids.New()
	if err := store.AcquireLock(ctx, op, collection, s.lock, func() (bool, error) {
		return s.client.SetNX(ctx, s.lockKey(collection), token, s.leaseTTL).Result()
	}); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, s.client, []string{s.lockKey(collection)}, token).Err()
	}()

	snap, err := s.load(ctx, op, collection)
	if err != nil {
		return s.guard.Poison(collection, err)
	}
	if err := fn(snap); err != nil {
		return err
	}

	snap.UpdatedAt = s.clock()
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.snapKey(collection), raw, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: publish %s snapshot: %w", collection, err)
	}
	return nil
}

// Read implements store.Store; plain GET, no lease.
func (s *Store) Read(ctx context.Context, collection string) (*contracts.Snapshot, error) {
	const op = "redisstore.read"
	snap, err := s.load(ctx, op, collection)
	if err != nil {
		return nil, s.guard.Poison(collection, err)
	}
	return snap, nil
}

func (s *Store) load(ctx context.Context, op, collection string) (*contracts.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.snapKey(collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.DecodeSnapshot(op, collection, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", collection, err)
	}
	return store.DecodeSnapshot(op, collection, raw)
}

var _ store.Store = (*Store)(nil)
