package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease serialises ticks across replicas. At most one holder at a time; a
// replica that cannot acquire the lease skips its tick rather than waiting.
type Lease interface {
	// Acquire tries to take the lease. Returns false without error when
	// another holder has it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease back. Releasing a lease lost to TTL expiry is
	// a no-op, not an error.
	Release(ctx context.Context) error
}

// LocalLease is the single-process lease used in mock mode and tests.
type LocalLease struct {
	held chan struct{}
}

// NewLocalLease creates an unheld local lease.
func NewLocalLease() *LocalLease {
	l := &LocalLease{held: make(chan struct{}, 1)}
	l.held <- struct{}{}
	return l
}

func (l *LocalLease) Acquire(ctx context.Context) (bool, error) {
	select {
	case <-l.held:
		return true, nil
	default:
		return false, nil
	}
}

func (l *LocalLease) Release(ctx context.Context) error {
	select {
	case l.held <- struct{}{}:
	default:
	}
	return nil
}

// releaseScript deletes the lease key only when it still holds our token, so
// a holder that outlived its TTL cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is the cross-replica lease. The TTL bounds how long a crashed
// holder can block successors; it should comfortably exceed one tick.
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key with the given TTL.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

var (
	_ Lease = (*LocalLease)(nil)
	_ Lease = (*RedisLease)(nil)
)
