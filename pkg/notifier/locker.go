package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// LocalLocker is a Locker for a single process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redis.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn()
}
