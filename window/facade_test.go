package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/memstore"
)

func TestFacadeRelaysToEveryListenerInOrder(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var f = Connect(ctx, s)
	defer f.Close()

	require.NoError(t, f.WaitReady(ctx))
	var conn, err = f.Conn(ctx)
	require.NoError(t, err)

	var one, two = make(chan string, 16), make(chan string, 16)
	_, err = f.Listen(ctx, "chan", func(m store.Message) { one <- m.Payload })
	require.NoError(t, err)
	cancelTwo, err := f.Listen(ctx, "chan", func(m store.Message) { two <- m.Payload })
	require.NoError(t, err)

	for _, p := range []string{"1", "2", "2", "3"} {
		require.NoError(t, conn.Publish(ctx, "chan", p))
	}
	require.NoError(t, conn.Publish(ctx, "unobserved", "x"))

	// Duplicate notifications are relayed, and not coalesced.
	require.Equal(t, []string{"1", "2", "2", "3"}, receive(t, one, 4))
	require.Equal(t, []string{"1", "2", "2", "3"}, receive(t, two, 4))

	cancelTwo()
	require.NoError(t, conn.Publish(ctx, "chan", "4"))
	require.Equal(t, []string{"4"}, receive(t, one, 1))
	require.Empty(t, two)
}

func TestFacadeDialFailure(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	s.Fail(errors.New("connection refused"))

	var f = Connect(ctx, s)
	defer f.Close()

	var err = f.WaitReady(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")

	_, err = f.Conn(ctx)
	require.Error(t, err)
	_, err = f.Listen(ctx, "chan", func(store.Message) {})
	require.Error(t, err)
	_, err = NewContext(f, Options{}).Buffer(ctx, "topic")
	require.Error(t, err)
}

func TestFacadeSubscriptionLoss(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var f = Connect(ctx, s)
	defer f.Close()
	require.NoError(t, f.WaitReady(ctx))

	s.Fail(errors.New("reset by peer"))

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout awaiting failure")
	}
	require.True(t, errors.Is(f.Err(), store.ErrUnavailable))
	require.True(t, errors.Is(f.WaitReady(ctx), store.ErrUnavailable))
}

func TestFacadeCloseAndCancel(t *testing.T) {
	var s = memstore.New()
	var ctx, cancel = context.WithCancel(context.Background())

	var f = Connect(ctx, s)
	require.NoError(t, f.WaitReady(ctx))
	cancel()

	<-f.Done()
	require.Equal(t, ErrClosed, f.Err())

	f = Connect(context.Background(), s)
	require.NoError(t, f.Close())
	<-f.Done()
	require.Equal(t, ErrClosed, f.Err())
	require.Equal(t, ErrClosed, f.WaitReady(context.Background()))
}

func TestFacadeWaitReadyHonorsContext(t *testing.T) {
	var f = Connect(context.Background(), blockingBackend{})
	defer f.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.Equal(t, context.DeadlineExceeded, f.WaitReady(ctx))
	require.False(t, f.ready.Resolved())
}

func TestFacadeListenerObservesNotificationsDuringSubscribe(t *testing.T) {
	var ctx = context.Background()
	var f = Connect(ctx, eagerBackend{memstore.New()})
	defer f.Close()
	require.NoError(t, f.WaitReady(ctx))

	var got = make(chan string, 4)
	var _, err = f.Listen(ctx, "chan", func(m store.Message) { got <- m.Payload })
	require.NoError(t, err)
	require.Equal(t, []string{"subscribed"}, receive(t, got, 1))
}

// eagerBackend dials PubSubs which relay a notification of each channel
// before their Subscribe returns.
type eagerBackend struct{ *memstore.Store }

func (b eagerBackend) DialPubSub(ctx context.Context) (store.PubSub, error) {
	var ps, err = b.Store.DialPubSub(ctx)
	if err != nil {
		return nil, err
	}
	return &eagerPubSub{PubSub: ps, msgCh: make(chan store.Message)}, nil
}

type eagerPubSub struct {
	store.PubSub
	msgCh chan store.Message
	once  sync.Once
}

func (ps *eagerPubSub) Subscribe(ctx context.Context, channels ...string) error {
	if err := ps.PubSub.Subscribe(ctx, channels...); err != nil {
		return err
	}
	for _, ch := range channels {
		select {
		case ps.msgCh <- store.Message{Channel: ch, Payload: "subscribed"}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ps *eagerPubSub) Messages() <-chan store.Message { return ps.msgCh }

func (ps *eagerPubSub) Close() error {
	ps.once.Do(func() { close(ps.msgCh) })
	return ps.PubSub.Close()
}

// blockingBackend dials connections which never become ready.
type blockingBackend struct{}

func (blockingBackend) DialConn(ctx context.Context) (store.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingBackend) DialPubSub(ctx context.Context) (store.PubSub, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func receive(t *testing.T, ch <-chan string, n int) []string {
	var out []string
	for len(out) != n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timeout", "received %v", out)
		}
	}
	return out
}
