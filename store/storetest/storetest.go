// Package storetest provides a conformance suite which every store.Backend
// implementation is expected to pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/store"
)

// Timeout bounds the wait for an expected Message.
var Timeout = 5 * time.Second

// Run the conformance suite against |backend|, as sub-tests of |t|.
// Keys and channels used by the suite are prefixed with "storetest:".
func Run(t *testing.T, backend store.Backend) {
	t.Run("Scalars", func(t *testing.T) { testScalars(t, backend) })
	t.Run("OrderedSets", func(t *testing.T) { testOrderedSets(t, backend) })
	t.Run("Hashes", func(t *testing.T) { testHashes(t, backend) })
	t.Run("AbortOnConcurrentWrite", func(t *testing.T) { testAbort(t, backend) })
	t.Run("DiscardOnError", func(t *testing.T) { testDiscard(t, backend) })
	t.Run("PubSub", func(t *testing.T) { testPubSub(t, backend) })
}

// MustConn dials a Conn of |backend|, closing it when |t| completes.
func MustConn(t *testing.T, backend store.Backend) store.Conn {
	var conn, err = backend.DialConn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ExpectMessage waits for the next Message of |ps| and asserts it matches.
func ExpectMessage(t *testing.T, ps store.PubSub, channel, payload string) {
	select {
	case msg, ok := <-ps.Messages():
		require.True(t, ok, "PubSub closed")
		require.Equal(t, store.Message{Channel: channel, Payload: payload}, msg)
	case <-time.After(Timeout):
		require.FailNow(t, "timeout awaiting message", "%s: %s", channel, payload)
	}
}

// ExpectMessages waits for Messages of |ps| until every channel of |expect|
// has received its expected payloads, in order.
func ExpectMessages(t *testing.T, ps store.PubSub, expect map[string][]string) {
	var n int
	for _, p := range expect {
		n += len(p)
	}
	var actual = make(map[string][]string)

	for ; n != 0; n-- {
		select {
		case msg, ok := <-ps.Messages():
			require.True(t, ok, "PubSub closed")
			actual[msg.Channel] = append(actual[msg.Channel], msg.Payload)
		case <-time.After(Timeout):
			require.FailNow(t, "timeout awaiting messages", "received %v", actual)
		}
	}
	require.Equal(t, expect, actual)
}

func testScalars(t *testing.T, backend store.Backend) {
	var ctx, conn = context.Background(), MustConn(t, backend)
	const key = "storetest:scalar"

	var _, ok, err = conn.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.Set(key, "one")
		return nil
	}, key))
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		var v, ok, err = txn.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "one", v)

		txn.Set(key, "")
		return nil
	}, key))

	v, ok, err := conn.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", v)
}

func testOrderedSets(t *testing.T, backend store.Backend) {
	var ctx, conn = context.Background(), MustConn(t, backend)
	const key = "storetest:zset"

	var members, err = conn.RangeByRank(ctx, key, -1, -1)
	require.NoError(t, err)
	require.Empty(t, members)

	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.ZAdd(key, 2, "a")
		txn.ZAdd(key, 1, "b")
		txn.ZAdd(key, 2, "c")
		txn.ZAdd(key, -1.5, "d")
		return nil
	}, key))

	var expectRange = func(min, max store.Bound, expect ...store.Member) {
		var members, err = conn.RangeByScore(ctx, key, min, max)
		require.NoError(t, err)
		require.Equal(t, expect, nilIfEmpty(members), "%s..%s", min, max)
	}
	var (
		a = store.Member{Name: "a", Score: 2}
		b = store.Member{Name: "b", Score: 1}
		c = store.Member{Name: "c", Score: 2}
		d = store.Member{Name: "d", Score: -1.5}
	)
	expectRange(store.NegInf, store.PosInf, d, b, a, c)
	expectRange(store.Exclusive(1), store.PosInf, a, c)
	expectRange(store.Inclusive(1), store.Exclusive(2), b)
	expectRange(store.Inclusive(2), store.Inclusive(2), a, c)
	expectRange(store.Exclusive(2), store.PosInf)
	expectRange(store.NegInf, store.Inclusive(0), d)

	var expectRank = func(start, stop int64, expect ...store.Member) {
		var members, err = conn.RangeByRank(ctx, key, start, stop)
		require.NoError(t, err)
		require.Equal(t, expect, nilIfEmpty(members), "%d..%d", start, stop)
	}
	expectRank(0, -1, d, b, a, c)
	expectRank(-1, -1, c)
	expectRank(0, 0, d)
	expectRank(1, 2, b, a)
	expectRank(-10, 1, d, b)
	expectRank(2, 10, a, c)
	expectRank(3, 1)
	expectRank(10, 20)

	// Re-scoring a member moves it.
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.ZAdd(key, 3, "b")
		return nil
	}, key))
	expectRank(0, -1, d, a, c, store.Member{Name: "b", Score: 3})
}

func testHashes(t *testing.T, backend store.Backend) {
	var ctx, conn = context.Background(), MustConn(t, backend)
	const key = "storetest:hash"

	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.HSet(key, "one", `{"id":"one"}`)
		txn.HSet(key, "two", "\x00binary\xff")
		return nil
	}))

	var m, err = conn.HMGet(ctx, key, "one", "missing", "two")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"one": `{"id":"one"}`,
		"two": "\x00binary\xff",
	}, m)

	m, err = conn.HMGet(ctx, "storetest:missing-hash", "one")
	require.NoError(t, err)
	require.Empty(t, m)
}

func testAbort(t *testing.T, backend store.Backend) {
	var ctx = context.Background()
	var conn, other = MustConn(t, backend), MustConn(t, backend)
	const key, sibling = "storetest:watched", "storetest:sibling"

	var ps, err = backend.DialPubSub(ctx)
	require.NoError(t, err)
	defer ps.Close()
	require.NoError(t, ps.Subscribe(ctx, "storetest:abort"))

	var attempts int
	err = conn.Watch(ctx, func(txn store.Txn) error {
		attempts++
		// A concurrent writer modifies the watched key after our reads.
		require.NoError(t, other.Watch(ctx, func(txn store.Txn) error {
			txn.ZAdd(key, 1, "theirs")
			return nil
		}, key))

		txn.ZAdd(key, 2, "ours")
		txn.Set(sibling, "ours")
		txn.Publish("storetest:abort", "aborted")
		return nil
	}, key)
	require.Equal(t, store.ErrTxnAborted, err)
	require.Equal(t, 1, attempts)

	// None of the aborted transaction's writes were applied.
	members, err := conn.RangeByRank(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []store.Member{{Name: "theirs", Score: 1}}, members)

	_, ok, err := conn.Get(ctx, sibling)
	require.NoError(t, err)
	require.False(t, ok)

	// Nor was its publication. The next message is a later one.
	require.NoError(t, conn.Publish(ctx, "storetest:abort", "after"))
	ExpectMessage(t, ps, "storetest:abort", "after")

	// A retry which isn't raced commits.
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.ZAdd(key, 2, "ours")
		return nil
	}, key))

	members, err = conn.RangeByRank(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []store.Member{{Name: "theirs", Score: 1}, {Name: "ours", Score: 2}}, members)
}

func testDiscard(t *testing.T, backend store.Backend) {
	var ctx, conn = context.Background(), MustConn(t, backend)
	const key = "storetest:discarded"

	var err = conn.Watch(ctx, func(txn store.Txn) error {
		txn.Set(key, "value")
		return context.DeadlineExceeded
	}, key)
	require.Equal(t, context.DeadlineExceeded, err)

	_, ok, err := conn.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func testPubSub(t *testing.T, backend store.Backend) {
	var ctx, conn = context.Background(), MustConn(t, backend)

	var ps, err = backend.DialPubSub(ctx)
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, ps.Subscribe(ctx, "storetest:one", "storetest:two"))

	// Publications to unsubscribed channels are not delivered.
	require.NoError(t, conn.Publish(ctx, "storetest:other", "ignored"))

	require.NoError(t, conn.Publish(ctx, "storetest:one", "1"))
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.Set("storetest:pubsub-value", "x")
		txn.Publish("storetest:two", "2")
		return nil
	}, "storetest:pubsub-value"))
	require.NoError(t, conn.Publish(ctx, "storetest:one", "3"))
	require.NoError(t, conn.Publish(ctx, "storetest:one", "4"))

	// Order is preserved within each channel, but not necessarily across channels.
	ExpectMessages(t, ps, map[string][]string{
		"storetest:one": {"1", "3", "4"},
		"storetest:two": {"2"},
	})

	// Closing the PubSub closes its Messages channel.
	require.NoError(t, ps.Close())
	select {
	case _, ok := <-ps.Messages():
		for ok {
			_, ok = <-ps.Messages()
		}
	case <-time.After(Timeout):
		require.FailNow(t, "timeout awaiting close of Messages")
	}
}

func nilIfEmpty(m []store.Member) []store.Member {
	if len(m) == 0 {
		return nil
	}
	return m
}
