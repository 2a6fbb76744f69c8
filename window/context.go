package window

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hwm/codecs"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/store"
)

// Options of a Context.
type Options struct {
	// Namespace roots all keys and channels. Defaults to DefaultNamespace.
	Namespace Namespace
	// Codec of Buffer entries. Defaults to a CompressedCodec of codecs.NONE,
	// which writes plain JSON and reads entries of any codec.
	Codec EntryCodec
	// Retry policy of aborted transactions. Defaults to RetryForever.
	Retry RetryPolicy
	// EntryCacheSize is the number of decoded entries cached by each Buffer.
	// Zero disables caching.
	EntryCacheSize int
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Codec == nil {
		o.Codec = CompressedCodec{Codec: codecs.NONE}
	}
	if o.Retry == nil {
		o.Retry = RetryForever{}
	}
	return o
}

// Context is a registry of the Buffers and Signals of a Facade. It creates
// one instance per topic on first use, and updates each instance as
// notifications of its topic are received.
type Context struct {
	facade *Facade
	opts   Options

	mu      sync.Mutex
	buffers map[string]*Buffer
	signals map[string]*Signal
}

// NewContext returns a Context of the Facade. Should the Facade fail or be
// closed, listeners of every Buffer and Signal of the Context receive its
// error, and are not called again.
func NewContext(facade *Facade, opts Options) *Context {
	var c = &Context{
		facade:  facade,
		opts:    opts.withDefaults(),
		buffers: make(map[string]*Buffer),
		signals: make(map[string]*Signal),
	}
	go c.failOnDone()
	return c
}

// failOnDone awaits the failure of the Facade, and then fails all instances.
// Instances can't be created after the failure, as Facade.Conn returns it.
func (c *Context) failOnDone() {
	<-c.facade.Done()
	var err = c.facade.Err()

	c.mu.Lock()
	var buffers = make([]*Buffer, 0, len(c.buffers))
	for _, b := range c.buffers {
		buffers = append(buffers, b)
	}
	var signals = make([]*Signal, 0, len(c.signals))
	for _, s := range c.signals {
		signals = append(signals, s)
	}
	c.mu.Unlock()

	// Instance mutexes are taken without holding c.mu, as listeners
	// may call back into the Context.
	for _, b := range buffers {
		b.fail(err)
	}
	for _, s := range signals {
		s.fail(err)
	}
}

// Facade of the Context.
func (c *Context) Facade() *Facade { return c.facade }

// Buffer returns the Buffer of |topic|, creating and subscribing it if
// this is the first use of |topic|. It blocks until the Facade is ready.
func (c *Context) Buffer(ctx context.Context, topic string) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.buffers[topic]; ok {
		return b, nil
	}
	var conn, err = c.facade.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var b = newBuffer(conn, topic, c.opts)

	if _, err = c.facade.Listen(ctx, b.channel, func(store.Message) {
		if err := b.Update(c.facade.ctx); errors.Is(err, ErrMalformedEntry) {
			log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("buffer has malformed entries")
		} else if err != nil {
			log.WithFields(log.Fields{"topic": topic, "err": err}).Error("failed to update buffer")
		}
	}); err != nil {
		return nil, errors.WithMessagef(err, "listening to buffer %q", topic)
	}
	c.buffers[topic] = b
	metrics.TopicsGauge.WithLabelValues(metrics.KindBuffer).Inc()

	return b, nil
}

// Signal returns the Signal of |topic|, creating and subscribing it if
// this is the first use of |topic|. It blocks until the Facade is ready.
func (c *Context) Signal(ctx context.Context, topic string) (*Signal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.signals[topic]; ok {
		return s, nil
	}
	var conn, err = c.facade.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var s = newSignal(conn, topic, c.opts)

	if _, err = c.facade.Listen(ctx, s.channel, func(store.Message) {
		if err := s.Update(c.facade.ctx); err != nil {
			log.WithFields(log.Fields{"topic": topic, "err": err}).Error("failed to update signal")
		}
	}); err != nil {
		return nil, errors.WithMessagef(err, "listening to signal %q", topic)
	}
	c.signals[topic] = s
	metrics.TopicsGauge.WithLabelValues(metrics.KindSignal).Inc()

	return s, nil
}
