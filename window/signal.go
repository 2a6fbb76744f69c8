package window

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/store"
)

// Value of a Signal. The zero Value is an absent (never written) Signal.
type Value struct {
	Data    string
	Present bool
}

// SignalListener receives Values of a Signal. A non-nil error reports a
// failed update, and |v| is then the zero Value.
type SignalListener func(v Value, err error)

// Signal is a single, coherent scalar value of a topic. Writes replace the
// value, and listeners are notified only of changes: writing the value that
// a listener last observed produces no event.
type Signal struct {
	topic    string
	conn     store.Conn
	valueKey string
	channel  string
	retry    RetryPolicy

	// mu serializes Update and Read.
	mu        sync.Mutex
	cached    *Value // Last-observed Value, or nil if none has been observed.
	failed    error  // Terminal error of the Signal's Facade, if any.
	listeners broadcast[signalEvent]
}

type signalEvent struct {
	value Value
	err   error
}

func newSignal(conn store.Conn, topic string, opts Options) *Signal {
	return &Signal{
		topic:     topic,
		conn:      conn,
		valueKey:  opts.Namespace.SignalValueKey(topic),
		channel:   opts.Namespace.SignalChannel(topic),
		retry:     opts.Retry,
		listeners: broadcast[signalEvent]{kind: metrics.KindSignal},
	}
}

// Topic of the Signal.
func (s *Signal) Topic() string { return s.topic }

// Value returns the Value last observed by this instance, and whether any
// Value has been observed.
func (s *Signal) Value() (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		return Value{}, false
	}
	return *s.cached, true
}

// Write |data| as the value of the Signal, and notify its topic. A notification
// is published even if |data| equals the current value.
func (s *Signal) Write(ctx context.Context, data string) error {
	var err = commit(ctx, s.conn, s.retry, metrics.KindSignal, func(txn store.Txn) error {
		txn.Set(s.valueKey, data)
		txn.Publish(s.channel, updateMessage)
		return nil
	}, s.valueKey)

	if err != nil {
		return errors.WithMessagef(err, "writing signal %q", s.topic)
	}
	return nil
}

// Update reads the stored value and, if it differs from the value last
// observed by this instance, emits it to listeners. A failure to read is
// also emitted to listeners.
func (s *Signal) Update(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var _, err = s.update(ctx)
	if err != nil {
		s.listeners.emit(signalEvent{err: err})
	}
	return err
}

// update the cached Value, emitting it to listeners if changed.
// s.mu must be held.
func (s *Signal) update(ctx context.Context) (Value, error) {
	var data, ok, err = s.conn.Get(ctx, s.valueKey)
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.KindSignal, metrics.Fail).Inc()
		return Value{}, errors.WithMessagef(err, "reading signal %q", s.topic)
	}
	var v = Value{Data: data, Present: ok}

	if s.cached != nil && *s.cached == v {
		metrics.UpdatesTotal.WithLabelValues(metrics.KindSignal, metrics.NoChange).Inc()
		return v, nil
	}
	s.cached = &v
	metrics.UpdatesTotal.WithLabelValues(metrics.KindSignal, metrics.Changed).Inc()

	s.listeners.emit(signalEvent{value: v})
	return v, nil
}

// Read calls |fn| with the currently stored Value, and registers |fn| to be
// called with each subsequent change. The returned function removes the
// registration.
//
// If the stored Value differs from the one last observed by this instance,
// already-registered listeners are updated first. As the read and the
// registration happen together with respect to Update, |fn| observes every
// change following its first call, and never the same change twice.
func (s *Signal) Read(ctx context.Context, fn SignalListener) (cancel func(), _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return nil, s.failed
	}
	var v, err = s.update(ctx)
	if err != nil {
		return nil, err
	}
	fn(v, nil)

	return s.listeners.add(func(ev signalEvent) { fn(ev.value, ev.err) }), nil
}

// fail the Signal with the terminal error |err| of its Facade, which is
// delivered to every listener. Later calls of Read return |err|.
func (s *Signal) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed == nil {
		s.failed = err
		s.listeners.emit(signalEvent{err: err})
	}
}
