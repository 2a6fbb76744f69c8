package window

import (
	"sync"

	"go.gazette.dev/hwm/metrics"
)

// broadcast is an ordered list of listener functions, each of which receives
// every emitted value. It has its own lock, so listeners may be removed
// (including by themselves) while an emission is under way.
type broadcast[T any] struct {
	kind string

	mu   sync.Mutex
	next int
	fns  []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// add |fn|, returning a function which removes it. Removal is idempotent.
func (b *broadcast[T]) add(fn func(T)) (cancel func()) {
	b.mu.Lock()
	var id = b.next
	b.next++
	b.fns = append(b.fns, listener[T]{id: id, fn: fn})
	b.mu.Unlock()

	if b.kind != "" {
		metrics.ListenersGauge.WithLabelValues(b.kind).Inc()
	}
	var once sync.Once
	return func() { once.Do(func() { b.remove(id) }) }
}

func (b *broadcast[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.fns {
		if b.fns[i].id == id {
			b.fns = append(b.fns[:i:i], b.fns[i+1:]...)

			if b.kind != "" {
				metrics.ListenersGauge.WithLabelValues(b.kind).Dec()
			}
			return
		}
	}
}

// emit |v| to each listener, in the order they were added. Listeners removed
// during the emission may still receive |v|.
func (b *broadcast[T]) emit(v T) {
	b.mu.Lock()
	var fns = b.fns
	b.mu.Unlock()

	for _, l := range fns {
		l.fn(v)
	}
}

// len returns the number of listeners.
func (b *broadcast[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fns)
}
