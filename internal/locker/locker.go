// Package locker provides the per-resource critical section. Acquisition
// is always timeout-bounded: callers get models.ErrBusy instead of an
// unbounded wait.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rezerv/internal/models"
)

// Locker serializes capacity decisions per resource.
type Locker interface {
	// Acquire blocks until the resource's critical section is free, the
	// timeout elapses (models.ErrBusy) or the context is canceled. On
	// success the returned function releases the section.
	Acquire(ctx context.Context, resourceID string) (release func(), err error)
}

// Local is an in-process Locker backed by one token channel per resource.
type Local struct {
	timeout time.Duration
	mu      sync.Mutex
	tokens  map[string]chan struct{}
}

func NewLocal(timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Local{
		timeout: timeout,
		tokens:  make(map[string]chan struct{}),
	}
}

func (l *Local) token(resourceID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.tokens[resourceID]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		l.tokens[resourceID] = ch
	}
	return ch
}

func (l *Local) Acquire(ctx context.Context, resourceID string) (func(), error) {
	ch := l.token(resourceID)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-ch:
		var once sync.Once
		release := func() {
			once.Do(func() { ch <- struct{}{} })
		}
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: resource %s lock not acquired within %s", models.ErrBusy, resourceID, l.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
