// Package lock provides keyed mutual exclusion, either in-process or shared
// across instances through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by TryLock when the key is already held.
var ErrLocked = errors.New("lock already held")

// Unlock releases a held lock. Calling it more than once is harmless.
type Unlock func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	// TryLock acquires key without waiting, or fails with ErrLocked.
	TryLock(ctx context.Context, key string) (Unlock, error)
	// Lock waits until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local is a Locker for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocal returns an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

func (l *Local) TryLock(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	return l.acquire(key), nil
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		l.mu.Lock()
		wait, ok := l.held[key]
		if !ok {
			unlock := l.acquire(key)
			l.mu.Unlock()
			return unlock, nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// acquire must be called with l.mu held.
func (l *Local) acquire(key string) Unlock {
	released := make(chan struct{})
	l.held[key] = released
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(released)
		})
	}
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Redis is a Locker shared by every instance using the same Redis. Locks expire
// after ttl so a crashed holder cannot block others forever.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis builds a Redis-backed locker.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, retry: 50 * time.Millisecond}
}

func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	redisKey := fmt.Sprintf("lock:%s", key)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err()
		})
	}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		unlock, err := r.TryLock(ctx, key)
		if !errors.Is(err, ErrLocked) {
			return unlock, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
