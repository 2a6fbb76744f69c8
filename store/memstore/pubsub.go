package memstore

import (
	"context"
	"sync"

	"go.gazette.dev/hwm/store"
)

// PubSub is a store.PubSub of a Store. Publications are queued without bound
// and handed off to Messages by a dedicated goroutine, so that publishers
// never block on a slow subscriber.
type PubSub struct {
	s *Store

	mu       sync.Mutex
	channels map[string]struct{}
	queue    []store.Message
	closed   bool
	wakeCh   chan struct{}
	msgCh    chan store.Message
	doneCh   chan struct{}
}

func newPubSub(s *Store) *PubSub {
	var ps = &PubSub{
		s:        s,
		channels: make(map[string]struct{}),
		wakeCh:   make(chan struct{}, 1),
		msgCh:    make(chan store.Message),
		doneCh:   make(chan struct{}),
	}
	go ps.serve()
	return ps
}

func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) error {
	if err := ps.s.check(); err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return store.ErrUnavailable
	}
	for _, ch := range channels {
		ps.channels[ch] = struct{}{}
	}
	return nil
}

func (ps *PubSub) Messages() <-chan store.Message { return ps.msgCh }

func (ps *PubSub) Close() error {
	ps.s.mu.Lock()
	delete(ps.s.subs, ps)
	ps.s.mu.Unlock()

	ps.close()
	return nil
}

// deliver queues |msg| if its channel is subscribed. The Store lock is held,
// which orders deliveries across all publishers.
func (ps *PubSub) deliver(msg store.Message) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.channels[msg.Channel]; !ok || ps.closed {
		return
	}
	ps.queue = append(ps.queue, msg)

	select {
	case ps.wakeCh <- struct{}{}:
	default: // Already signaled.
	}
}

func (ps *PubSub) close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.closed {
		ps.closed = true
		close(ps.doneCh)
	}
}

func (ps *PubSub) serve() {
	defer close(ps.msgCh)

	for {
		ps.mu.Lock()
		var queue = ps.queue
		ps.queue = nil
		ps.mu.Unlock()

		for _, msg := range queue {
			select {
			case ps.msgCh <- msg:
			case <-ps.doneCh:
				return
			}
		}
		select {
		case <-ps.wakeCh:
		case <-ps.doneCh:
			return
		}
	}
}
