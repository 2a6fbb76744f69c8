package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/storetest"
)

func TestConformance(t *testing.T) {
	var srv = miniredis.RunT(t)
	storetest.Run(t, New(srv.Addr()))
}

func TestWatchWithoutWritesIsNoop(t *testing.T) {
	var srv = miniredis.RunT(t)
	var conn = storetest.MustConn(t, New(srv.Addr()))
	var ctx = context.Background()

	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		var _, ok, err = txn.Get(ctx, "key")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}, "key"))

	require.False(t, srv.Exists("key"))
}

func TestServerLossClosesSubscription(t *testing.T) {
	var srv = miniredis.RunT(t)
	var ctx = context.Background()

	var ps, err = New(srv.Addr()).DialPubSub(ctx)
	require.NoError(t, err)
	require.NoError(t, ps.Subscribe(ctx, "chan"))

	srv.Publish("chan", "hello")
	storetest.ExpectMessage(t, ps, "chan", "hello")

	srv.Close()

	select {
	case _, ok := <-ps.Messages():
		require.False(t, ok)
	case <-time.After(storetest.Timeout):
		require.FailNow(t, "timeout awaiting close of Messages")
	}
	require.Equal(t, store.ErrUnavailable, ps.Subscribe(ctx, "other"))
}

func TestDialFailure(t *testing.T) {
	var srv = miniredis.RunT(t)
	var addr = srv.Addr()
	srv.Close()

	var _, err = New(addr).DialConn(context.Background())
	require.Error(t, err)
	_, err = New(addr).DialPubSub(context.Background())
	require.Error(t, err)
}
