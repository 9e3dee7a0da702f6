// Package coordination provides the Redis primitives that keep concurrent
// harvest workers from stepping on each other: an ownership mutex, the
// processing marker registry, worker heartbeats, and stale-work recovery.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultMutexTTL is the default mutex time-to-live.
const DefaultMutexTTL = 30 * time.Second

// ErrMutexNotHeld is returned when releasing a mutex that is not held.
var ErrMutexNotHeld = errors.New("mutex not held")

// Mutex is a Redis-backed mutual exclusion primitive. Each instance carries
// a unique token so release and extension only succeed for the holder.
// Acquisition is non-blocking: callers that want to wait poll TryLock.
type Mutex struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewMutex creates a new mutex on the given key.
func NewMutex(client *redis.Client, key string, ttl time.Duration) *Mutex {
	if ttl <= 0 {
		ttl = DefaultMutexTTL
	}

	return &Mutex{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key, m.token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire mutex: %w", err)
	}
	return ok, nil
}

// Unlock releases the mutex if this instance holds it. The check and delete
// run atomically so an expired-and-reacquired key is never deleted.
func (m *Mutex) Unlock(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, m.client, []string{m.key}, m.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release mutex: %w", err)
	}
	if result == 0 {
		return ErrMutexNotHeld
	}
	return nil
}

// Extend extends the mutex TTL if it is still held.
func (m *Mutex) Extend(ctx context.Context, extension time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, m.client, []string{m.key}, m.token, extension.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend mutex: %w", err)
	}
	if result == 0 {
		return ErrMutexNotHeld
	}
	return nil
}

// IsHeld checks whether this instance holds the mutex.
func (m *Mutex) IsHeld(ctx context.Context) (bool, error) {
	val, err := m.client.Get(ctx, m.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check mutex: %w", err)
	}
	return val == m.token, nil
}

// Key returns the mutex key.
func (m *Mutex) Key() string {
	return m.key
}
