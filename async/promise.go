// Package async implements simple notification primitives: a Promise, which
// is resolved once, and a Latch which resolves a Promise after a fixed number
// of signals have converged.
package async

import (
	"context"
	"sync"
)

// Promise is a simple notification primitive for asynchronous events.
type Promise chan struct{}

// NewPromise returns an unresolved Promise.
func NewPromise() Promise { return make(Promise) }

// Resolve wakes any clients currently waiting on the Promise.
// Resolve may be called only once.
func (p Promise) Resolve() {
	close(p)
}

// Resolved returns whether the Promise has been resolved, without blocking.
func (p Promise) Resolved() bool {
	select {
	case <-p:
		return true
	default:
		return false
	}
}

// Wait synchronously blocks until the Promise is resolved.
func (p Promise) Wait() {
	<-p
}

// WaitWithContext blocks until the Promise is resolved, or the Context is done.
func (p Promise) WaitWithContext(ctx context.Context) error {
	select {
	case <-p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latch resolves its Promise after exactly |n| calls to Signal. Signals
// beyond the |n|th are ignored, and the Promise is resolved only once.
type Latch struct {
	Promise

	mu        sync.Mutex
	remaining int
}

// NewLatch returns a Latch awaiting |n| signals. |n| must be positive.
func NewLatch(n int) *Latch {
	if n <= 0 {
		panic("latch count must be positive")
	}
	return &Latch{Promise: NewPromise(), remaining: n}
}

// Signal the Latch. It returns true if this call resolved the Latch's Promise.
func (l *Latch) Signal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.remaining == 0 {
		return false
	}
	if l.remaining--; l.remaining == 0 {
		l.Promise.Resolve()
		return true
	}
	return false
}
