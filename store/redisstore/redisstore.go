// Package redisstore implements store.Backend with Redis. Transactions are
// WATCH / MULTI / EXEC blocks, ordered sets are Redis sorted sets, and
// notifications use Redis PUBLISH and SUBSCRIBE.
package redisstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hwm/store"
)

// Backend dials Redis clients with Options.
type Backend struct {
	Options *redis.Options
}

// New returns a Backend of the Redis server at |addr|.
func New(addr string) *Backend {
	return &Backend{Options: &redis.Options{Addr: addr}}
}

// DialConn returns a Conn backed by a pooled Redis client.
func (b *Backend) DialConn(ctx context.Context) (store.Conn, error) {
	var client = redis.NewClient(b.Options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessagef(err, "pinging redis at %s", b.Options.Addr)
	}
	return &Conn{reader: reader{cmd: client}, client: client}, nil
}

// DialPubSub returns a PubSub backed by a dedicated Redis connection.
func (b *Backend) DialPubSub(ctx context.Context) (store.PubSub, error) {
	var client = redis.NewClient(b.Options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessagef(err, "pinging redis at %s", b.Options.Addr)
	}
	var ps = &PubSub{
		client:  client,
		ps:      client.Subscribe(ctx),
		pending: make(map[string][]chan struct{}),
		msgCh:   make(chan store.Message, 64),
		doneCh:  make(chan struct{}),
	}
	go ps.serve()

	return ps, nil
}

// Conn is a store.Conn of a Redis client.
type Conn struct {
	reader
	client *redis.Client
}

func (c *Conn) Watch(ctx context.Context, fn func(store.Txn) error, keys ...string) error {
	var err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		var t = &txn{reader: reader{cmd: tx}, ctx: ctx}

		if err := fn(t); err != nil {
			return err
		} else if len(t.ops) == 0 {
			return nil
		}
		var _, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, op := range t.ops {
				op(p)
			}
			return nil
		})
		return err
	}, keys...)

	if err == redis.TxFailedErr {
		return store.ErrTxnAborted
	}
	return err
}

func (c *Conn) Publish(ctx context.Context, channel, message string) error {
	return c.client.Publish(ctx, channel, message).Err()
}

func (c *Conn) Close() error { return c.client.Close() }

// txn stages writes for application within MULTI / EXEC.
type txn struct {
	reader
	ctx context.Context
	ops []func(redis.Pipeliner)
}

func (t *txn) Set(key, value string) {
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Set(t.ctx, key, value, 0) })
}

func (t *txn) HSet(key, field, value string) {
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.HSet(t.ctx, key, field, value) })
}

func (t *txn) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func(p redis.Pipeliner) {
		p.ZAdd(t.ctx, key, redis.Z{Score: score, Member: member})
	})
}

func (t *txn) Publish(channel, message string) {
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Publish(t.ctx, channel, message) })
}

// reader implements store.Reader over a client or transaction.
type reader struct {
	cmd redis.Cmdable
}

func (r reader) Get(ctx context.Context, key string) (string, bool, error) {
	var v, err = r.cmd.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r reader) RangeByScore(ctx context.Context, key string, min, max store.Bound) ([]store.Member, error) {
	var zs, err = r.cmd.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: min.String(),
		Max: max.String(),
	}).Result()
	return members(zs), err
}

func (r reader) RangeByRank(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	var zs, err = r.cmd.ZRangeWithScores(ctx, key, start, stop).Result()
	return members(zs), err
}

func (r reader) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	var out = make(map[string]string, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	var values, err = r.cmd.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[fields[i]] = s
		}
	}
	return out, nil
}

func members(zs []redis.Z) []store.Member {
	if len(zs) == 0 {
		return nil
	}
	var out = make([]store.Member, len(zs))
	for i, z := range zs {
		out[i] = store.Member{Name: z.Member.(string), Score: z.Score}
	}
	return out
}

// PubSub is a store.PubSub of a Redis connection. Subscribe awaits the
// server's confirmation of each channel, so that publications which follow
// its return are certain to be received.
type PubSub struct {
	client *redis.Client
	ps     *redis.PubSub

	mu      sync.Mutex
	pending map[string][]chan struct{}
	msgCh   chan store.Message
	once    sync.Once
	doneCh  chan struct{}
}

func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) error {
	select {
	case <-ps.doneCh:
		return store.ErrUnavailable
	default:
	}
	var waiters = make([]chan struct{}, len(channels))

	ps.mu.Lock()
	for i, ch := range channels {
		waiters[i] = make(chan struct{})
		ps.pending[ch] = append(ps.pending[ch], waiters[i])
	}
	ps.mu.Unlock()

	if err := ps.ps.Subscribe(ctx, channels...); err != nil {
		return err
	}
	for _, w := range waiters {
		select {
		case <-w:
		case <-ps.doneCh:
			return store.ErrUnavailable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ps *PubSub) Messages() <-chan store.Message { return ps.msgCh }

func (ps *PubSub) Close() error {
	var err error
	ps.once.Do(func() {
		close(ps.doneCh)
		err = ps.ps.Close()
		_ = ps.client.Close()
	})
	return err
}

func (ps *PubSub) serve() {
	defer close(ps.msgCh)

	for {
		var msg, err = ps.ps.Receive(context.Background())
		if err != nil {
			select {
			case <-ps.doneCh:
			default:
				log.WithField("err", err).Warn("redis subscription failed")
				_ = ps.Close()
			}
			return
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			ps.mu.Lock()
			for _, w := range ps.pending[m.Channel] {
				close(w)
			}
			delete(ps.pending, m.Channel)
			ps.mu.Unlock()

		case *redis.Message:
			select {
			case ps.msgCh <- store.Message{Channel: m.Channel, Payload: m.Payload}:
			case <-ps.doneCh:
				return
			}
		}
	}
}
