package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/storetest"
)

func TestConformance(t *testing.T) { storetest.Run(t, New()) }

func TestBeforeCommitHookRacesTransaction(t *testing.T) {
	var ctx, s = context.Background(), New()
	var conn, _ = s.DialConn(ctx)

	var fired bool
	s.BeforeCommit = func(keys []string) {
		if fired {
			return
		}
		require.Equal(t, []string{"key"}, keys)
		fired = true
		require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
			txn.Set("key", "raced")
			return nil
		}))
	}

	var err = conn.Watch(ctx, func(txn store.Txn) error {
		txn.Set("key", "mine")
		return nil
	}, "key")
	require.Equal(t, store.ErrTxnAborted, err)
	require.Equal(t, int64(1), s.Version("key"))

	// Second attempt isn't raced, and commits.
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.Set("key", "mine")
		return nil
	}, "key"))
	require.Equal(t, int64(2), s.Version("key"))

	var v, _, _ = conn.Get(ctx, "key")
	require.Equal(t, "mine", v)
}

func TestFailClosesSubscriptionsAndFailsOperations(t *testing.T) {
	var ctx, s = context.Background(), New()
	var conn, _ = s.DialConn(ctx)
	var ps, _ = s.DialPubSub(ctx)

	var boom = errors.New("boom")
	s.Fail(boom)

	var _, ok = <-ps.Messages()
	require.False(t, ok)

	var _, _, err = conn.Get(ctx, "key")
	require.Equal(t, boom, err)
	require.Equal(t, boom, conn.Watch(ctx, func(store.Txn) error { return nil }))
	require.Equal(t, boom, conn.Publish(ctx, "ch", "msg"))

	_, err = s.DialPubSub(ctx)
	require.Equal(t, boom, err)

	s.Fail(nil)
	_, _, err = conn.Get(ctx, "key")
	require.NoError(t, err)
}

func TestZAddOrdering(t *testing.T) {
	var set []store.Member
	set = zadd(set, 2, "b")
	set = zadd(set, 2, "a")
	set = zadd(set, 1, "c")
	set = zadd(set, 3, "a")

	require.Equal(t, []store.Member{
		{Name: "c", Score: 1},
		{Name: "b", Score: 2},
		{Name: "a", Score: 3},
	}, set)
}
