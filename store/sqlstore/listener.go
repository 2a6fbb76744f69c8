package sqlstore

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hwm/store"
)

// Reconnection bounds of a PostgreSQL LISTEN connection.
var (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// ReconnectPayload is the payload of Messages synthesized for every subscribed
// channel after a LISTEN connection is re-established, since notifications
// sent while it was down were lost.
const ReconnectPayload = "reconnect"

// listener is a store.PubSub of a PostgreSQL LISTEN connection.
type listener struct {
	l     *pq.Listener
	msgCh chan store.Message

	mu       sync.Mutex
	channels []string
	once     sync.Once
	doneCh   chan struct{}
}

func dialListener(ctx context.Context, dsn string) (*listener, error) {
	var connected = make(chan error, 1)
	var ps = &listener{
		msgCh:  make(chan store.Message, 64),
		doneCh: make(chan struct{}),
	}

	ps.l = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				select {
				case connected <- nil:
				default:
				}
			case pq.ListenerEventConnectionAttemptFailed:
				select {
				case connected <- err:
				default:
				}
			case pq.ListenerEventDisconnected:
				log.WithField("err", err).Warn("postgres LISTEN connection lost (will reconnect)")
			}
		})

	select {
	case err := <-connected:
		if err != nil {
			_ = ps.l.Close()
			return nil, errors.WithMessage(err, "dialing postgres LISTEN connection")
		}
	case <-ctx.Done():
		_ = ps.l.Close()
		return nil, ctx.Err()
	}

	go ps.serve()
	return ps, nil
}

func (ps *listener) Subscribe(ctx context.Context, channels ...string) error {
	for _, ch := range channels {
		if err := ps.l.Listen(ch); err == pq.ErrChannelAlreadyOpen {
			continue
		} else if err != nil {
			return errors.WithMessagef(err, "LISTEN %q", ch)
		}
		ps.mu.Lock()
		ps.channels = append(ps.channels, ch)
		ps.mu.Unlock()
	}
	return nil
}

func (ps *listener) Messages() <-chan store.Message { return ps.msgCh }

func (ps *listener) Close() error {
	var err error
	ps.once.Do(func() {
		close(ps.doneCh)
		err = ps.l.Close()
	})
	return err
}

func (ps *listener) serve() {
	defer close(ps.msgCh)

	for {
		var n *pq.Notification
		var ok bool

		select {
		case n, ok = <-ps.l.Notify:
			if !ok {
				return
			}
		case <-ps.doneCh:
			return
		}

		var msgs []store.Message
		if n != nil {
			msgs = []store.Message{{Channel: n.Channel, Payload: n.Extra}}
		} else {
			// Re-connected. Notifications may have been missed.
			ps.mu.Lock()
			for _, ch := range ps.channels {
				msgs = append(msgs, store.Message{Channel: ch, Payload: ReconnectPayload})
			}
			ps.mu.Unlock()
		}

		for _, msg := range msgs {
			select {
			case ps.msgCh <- msg:
			case <-ps.doneCh:
				return
			}
		}
	}
}
