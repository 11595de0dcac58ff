package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

const releaseTimeout = 5 * time.Second

// CycleLockKey builds the lock key guarding lifecycle changes of one period store.
func CycleLockKey(storeName string) string {
	return fmt.Sprintf("stocktake:cycle:%s:lock", storeName)
}

// Locker grants exclusive, non-blocking critical sections by key.
type Locker interface {
	// Acquire returns ErrLockBusy when another holder owns key.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker implements Locker with redislock, shared by every instance
// pointing at the same Redis.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker constructs RedisLocker. ttl bounds how long a crashed holder
// blocks others.
func NewRedisLocker(client redislock.RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, ErrLockBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("shared: obtain %s: %w", key, err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}

// LocalLocker implements Locker inside a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker constructs LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%s: %w", key, ErrLockBusy)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
