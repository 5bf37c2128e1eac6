package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// keyedLocks hands out one exclusive lock per key. Locks for different keys
// never contend, and an entry is dropped once nobody holds or waits on it.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// lock blocks until the key is held, ctx ends, or timeout elapses. The
// returned func releases the lock.
func (k *keyedLocks) lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	// Fast path
	select {
	case l.ch <- struct{}{}:
		return func() { k.unlock(key, l) }, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return func() { k.unlock(key, l) }, nil
	case <-timer.C:
		k.release(key, l)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		k.release(key, l)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) unlock(key string, l *keyedLock) {
	<-l.ch
	k.release(key, l)
}

func (k *keyedLocks) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
