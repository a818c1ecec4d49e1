// Package lock serializes advancement of a single request. Two writers
// processing the same request at once could both run an integration step, so
// callers take the request's lock before invoking the engine.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another writer holds the request's lock
var ErrLocked = errors.New("request is locked by another writer")

// Release gives the lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker hands out per-request exclusive locks
type Locker interface {
	Acquire(ctx context.Context, requestID string) (Release, error)
}

// MemoryLocker is a Locker for a single process
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]uint64
	serial uint64
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]uint64)}
}

// Acquire takes the lock for requestID or fails with ErrLocked
func (l *MemoryLocker) Acquire(ctx context.Context, requestID string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[requestID]; ok {
		return nil, ErrLocked
	}
	l.serial++
	token := l.serial
	l.held[requestID] = token

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A stale release must not free a lock someone else re-acquired
		if l.held[requestID] == token {
			delete(l.held, requestID)
		}
		return nil
	}, nil
}

// Held reports whether requestID is currently locked
func (l *MemoryLocker) Held(requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[requestID]
	return ok
}
