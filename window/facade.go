package window

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hwm/async"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/store"
)

// Facade holds the two connections of a store.Backend: a data connection, and
// a subscription connection whose notifications are relayed to the listeners
// of each notified channel. The Facade is a pure relay: every notification is
// delivered to every listener of its channel, in the order received.
type Facade struct {
	ctx    context.Context
	cancel context.CancelFunc
	// ready resolves after both connections are established.
	ready *async.Latch
	// done is closed when the Facade fails or is closed.
	done chan struct{}

	// subMu serializes Listen calls, so that a listener is never registered
	// to a channel before the subscription of that channel has completed.
	subMu sync.Mutex

	mu       sync.Mutex
	conn     store.Conn
	pubsub   store.PubSub
	channels map[string]*broadcast[store.Message]
	err      error
}

// Connect dials the data and subscription connections of |backend|, each in
// its own goroutine, and returns immediately. Ready is signaled once both
// connections are established. Cancellation of |ctx| closes the Facade.
func Connect(ctx context.Context, backend store.Backend) *Facade {
	var f = &Facade{
		ready:    async.NewLatch(2),
		done:     make(chan struct{}),
		channels: make(map[string]*broadcast[store.Message]),
	}
	f.ctx, f.cancel = context.WithCancel(ctx)

	go func() {
		var conn, err = backend.DialConn(f.ctx)
		if err != nil {
			f.fail(errors.WithMessage(err, "dialing data connection"))
			return
		}
		f.mu.Lock()
		if f.err != nil {
			f.mu.Unlock()
			_ = conn.Close()
			return
		}
		f.conn = conn
		f.mu.Unlock()

		f.ready.Signal()
	}()

	go func() {
		var ps, err = backend.DialPubSub(f.ctx)
		if err != nil {
			f.fail(errors.WithMessage(err, "dialing subscription connection"))
			return
		}
		f.mu.Lock()
		if f.err != nil {
			f.mu.Unlock()
			_ = ps.Close()
			return
		}
		f.pubsub = ps
		f.mu.Unlock()

		go f.relay(ps)
		f.ready.Signal()
	}()

	go func() {
		<-f.ctx.Done()
		f.fail(ErrClosed)
	}()

	return f
}

// Ready returns a channel which is closed once both connections of the
// Facade are established.
func (f *Facade) Ready() <-chan struct{} { return f.ready.Promise }

// Done returns a channel which is closed when the Facade fails or is closed.
func (f *Facade) Done() <-chan struct{} { return f.done }

// Err returns the error which failed the Facade, or nil if it's not failed.
func (f *Facade) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// WaitReady blocks until both connections of the Facade are established.
// It returns an error if the Facade failed, or if |ctx| is done first.
func (f *Facade) WaitReady(ctx context.Context) error {
	select {
	case <-f.ready.Promise:
		return f.Err()
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn returns the data connection, after awaiting readiness.
func (f *Facade) Conn(ctx context.Context) (store.Conn, error) {
	if err := f.WaitReady(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn, nil
}

// Listen registers |fn| to be called with each notification of |channel|,
// subscribing to |channel| if this is its first listener. Listeners of a
// channel are called sequentially from a single goroutine, in the order they
// were registered. The returned function removes the listener (the channel
// remains subscribed).
func (f *Facade) Listen(ctx context.Context, channel string, fn func(store.Message)) (cancel func(), _ error) {
	if err := f.WaitReady(ctx); err != nil {
		return nil, err
	}
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	var b, ok = f.channels[channel]
	var ps = f.pubsub
	f.mu.Unlock()

	if ok {
		return b.add(fn), nil
	}
	// Register |fn| before subscribing, so that it receives notifications
	// relayed before Subscribe returns.
	b = new(broadcast[store.Message])
	cancel = b.add(fn)

	f.mu.Lock()
	f.channels[channel] = b
	f.mu.Unlock()

	if err := ps.Subscribe(ctx, channel); err != nil {
		f.mu.Lock()
		delete(f.channels, channel)
		f.mu.Unlock()

		return nil, errors.WithMessagef(err, "subscribing to %q", channel)
	}
	return cancel, nil
}

// Close the Facade and both of its connections.
func (f *Facade) Close() error {
	f.fail(ErrClosed)
	return nil
}

// relay notifications of |ps| to channel listeners until |ps| is closed.
func (f *Facade) relay(ps store.PubSub) {
	for msg := range ps.Messages() {
		metrics.NotificationsTotal.Inc()

		f.mu.Lock()
		var b = f.channels[msg.Channel]
		f.mu.Unlock()

		if b != nil {
			b.emit(msg)
		}
	}
	f.fail(errors.WithMessage(store.ErrUnavailable, "subscription connection closed"))
}

// fail the Facade with |err|, closing its connections. Only the first
// failure is retained.
func (f *Facade) fail(err error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return
	}
	f.err = err
	var conn, ps = f.conn, f.pubsub
	close(f.done)
	f.mu.Unlock()

	f.cancel()

	if err != ErrClosed {
		log.WithField("err", err).Warn("store facade failed")
	}
	if ps != nil {
		_ = ps.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
