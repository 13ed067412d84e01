package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrJobRunning is returned when another instance of a job holds its gate.
var ErrJobRunning = errors.New("job already running")

// Release gives a gate back. It is safe to call after the lease expired.
type Release func(ctx context.Context) error

// Gate lets at most one instance of a named job run across processes.
type Gate interface {
	// Acquire takes the gate for name for at most ttl. It returns
	// ErrJobRunning while another holder has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Release, error)
}

// Locker is the lock table of the relational store.
type Locker interface {
	TryLock(ctx context.Context, name, owner string, now, expiresAt int64) (bool, error)
	Unlock(ctx context.Context, name, owner string) error
}

// SQLGate keeps job leases in the task_locks table.
type SQLGate struct {
	locks Locker
	now   func() time.Time
}

// NewSQLGate creates a gate over the relational store.
func NewSQLGate(locks Locker) *SQLGate {
	return &SQLGate{locks: locks, now: time.Now}
}

func (g *SQLGate) Acquire(ctx context.Context, name string, ttl time.Duration) (Release, error) {
	owner := uuid.NewString()
	now := g.now()
	ok, err := g.locks.TryLock(ctx, name, owner, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return nil, err
	}
	if !ok {
		gateContention.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("%s: %w", name, ErrJobRunning)
	}
	return func(ctx context.Context) error {
		return g.locks.Unlock(ctx, name, owner)
	}, nil
}

// releaseScript deletes the lease only if it still carries our token.
// KEYS[1] = lease key, ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGate keeps job leases as expiring Redis keys.
type RedisGate struct {
	client *redis.Client
	prefix string
}

// NewRedisGate creates a gate backed by the Redis server at addr.
func NewRedisGate(addr, password string, db int) *RedisGate {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisGate{client: rdb, prefix: "featuremark:job:"}
}

func (g *RedisGate) Acquire(ctx context.Context, name string, ttl time.Duration) (Release, error) {
	key := g.prefix + name
	owner := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis gate %s: %w", name, err)
	}
	if !ok {
		gateContention.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("%s: %w", name, ErrJobRunning)
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, g.client, []string{key}, owner).Err(); err != nil {
			return fmt.Errorf("redis gate %s: %w", name, err)
		}
		return nil
	}, nil
}

// Ping checks the Redis connection.
func (g *RedisGate) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (g *RedisGate) Close() error {
	return g.client.Close()
}
