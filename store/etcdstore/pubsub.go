package etcdstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/hwm/store"
	"golang.org/x/sync/errgroup"
)

// PubSub is a store.PubSub which runs an Etcd watch of each subscribed
// channel key. Publications of a channel are delivered in revision order.
type PubSub struct {
	b      *Backend
	cancel context.CancelFunc
	msgCh  chan store.Message

	mu       sync.Mutex
	eg       *errgroup.Group
	ctx      context.Context
	channels map[string]struct{}
	closed   bool
}

func newPubSub(b *Backend) *PubSub {
	var ctx, cancel = context.WithCancel(context.Background())
	var eg, egCtx = errgroup.WithContext(ctx)

	var ps = &PubSub{
		b:        b,
		cancel:   cancel,
		msgCh:    make(chan store.Message, 64),
		eg:       eg,
		ctx:      egCtx,
		channels: make(map[string]struct{}),
	}
	go ps.closeWhenDone()
	return ps
}

func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, ch := range channels {
		if ps.closed {
			return store.ErrUnavailable
		} else if _, ok := ps.channels[ch]; ok {
			continue
		}

		var key = ps.b.channelKey(ch)
		var wch = ps.b.Client.Watch(clientv3.WithRequireLeader(ps.ctx), key, clientv3.WithCreatedNotify())

		// Await creation, after which every subsequent put is observed.
		select {
		case resp, ok := <-wch:
			if !ok {
				return store.ErrUnavailable
			} else if err := resp.Err(); err != nil {
				return errors.WithMessagef(err, "watching %q", key)
			} else if !resp.Created {
				return errors.Errorf("expected watch creation of %q", key)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		ch := ch
		ps.channels[ch] = struct{}{}
		ps.eg.Go(func() error { return ps.serve(ch, wch) })
	}
	return nil
}

func (ps *PubSub) Messages() <-chan store.Message { return ps.msgCh }

func (ps *PubSub) Close() error {
	ps.cancel()
	return nil
}

// serve relays put events of |wch| until it's closed or fails.
func (ps *PubSub) serve(channel string, wch clientv3.WatchChan) error {
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return errors.WithMessagef(err, "watching channel %q", channel)
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			select {
			case ps.msgCh <- store.Message{Channel: ps.b.channelOf(ev.Kv.Key), Payload: string(ev.Kv.Value)}:
			case <-ps.ctx.Done():
				return nil
			}
		}
	}
	if ps.ctx.Err() == nil {
		return errors.WithMessagef(store.ErrUnavailable, "watch of channel %q closed", channel)
	}
	return nil
}

// closeWhenDone closes Messages after the PubSub is closed, or after any of
// its watches fails.
func (ps *PubSub) closeWhenDone() {
	<-ps.ctx.Done()

	ps.mu.Lock()
	ps.closed = true
	ps.mu.Unlock()

	if err := ps.eg.Wait(); err != nil {
		log.WithField("err", err).Warn("etcd subscription failed")
	}
	ps.cancel()
	close(ps.msgCh)
}
