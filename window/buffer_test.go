package window

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/memstore"
)

func TestAppendScenarioDropsReplayedEntries(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "events", Options{})

	var n, err = b.Append(ctx, []Entry{entry("a", 1), entry("b", 2)})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = b.Append(ctx, []Entry{entry("a", 1), entry("c", 3)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var rec recorder
	var cancel, err2 = b.Since(ctx, 0, rec.listen)
	require.NoError(t, err2)
	defer cancel()

	require.Equal(t, [][]string{{"a@1", "b@2", "c@3"}}, rec.batches)
	require.NoError(t, rec.err)
}

func TestAppendIsIdempotent(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})
	var batch = []Entry{entry("a", 1), entry("b", 2), entry("c", 2)}

	var n, err = b.Append(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var version = s.Version(DefaultNamespace.BufferIndexKey("topic"))

	// A replay adds nothing, and writes nothing.
	n, err = b.Append(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, version, s.Version(DefaultNamespace.BufferIndexKey("topic")))

	// As does an empty append.
	n, err = b.Append(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, b.Update(ctx))
	require.Equal(t, int64(3), b.Count())
}

func TestAppendPublishesOncePerEffectiveAppend(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})

	var ps, err = s.DialPubSub(ctx)
	require.NoError(t, err)
	defer ps.Close()
	require.NoError(t, ps.Subscribe(ctx, b.channel))

	_, err = b.Append(ctx, []Entry{entry("a", 1), entry("b", 2)})
	require.NoError(t, err)
	_, err = b.Append(ctx, []Entry{entry("a", 1)}) // No-op.
	require.NoError(t, err)
	_, err = b.Append(ctx, []Entry{entry("c", 3)})
	require.NoError(t, err)

	// A marker published directly follows exactly two notifications.
	conn, err := s.DialConn(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Publish(ctx, b.channel, "marker"))

	var payloads []string
	for msg := range ps.Messages() {
		if payloads = append(payloads, msg.Payload); msg.Payload == "marker" {
			break
		}
	}
	require.Equal(t, []string{"update", "update", "marker"}, payloads)
}

func TestAppendValidatesEntries(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})

	var _, err = b.Append(ctx, []Entry{entry("a", 1), {ID: "", Timestamp: 2}})
	require.EqualError(t, err, `buffer "topic": entry 1 (""): expected ID`)

	_, err = b.Append(ctx, []Entry{entry("a", math.NaN())})
	require.Error(t, err)

	// Nothing was written.
	require.Equal(t, int64(0), s.Version(b.indexKey))
}

func TestNoLostUpdateUnderConcurrentAppend(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var ours = newTestBuffer(t, s, "topic", Options{})
	var theirs = newTestBuffer(t, s, "topic", Options{})

	var fired bool
	s.BeforeCommit = func(keys []string) {
		if fired {
			return
		}
		fired = true

		// A concurrent writer commits between our read of the
		// high-water mark, and our commit.
		var n, err = theirs.Append(ctx, []Entry{entry("a", 1)})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	var n, err = ours.Append(ctx, []Entry{entry("b", 2)})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, fired)

	var rec recorder
	_, err = ours.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a@1", "b@2"}}, rec.batches)
}

func TestUpdateAdvancesHWMMonotonically(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})

	var rec recorder
	var cancel, err = b.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)

	require.True(t, math.IsInf(b.HWM(), -1))
	require.Equal(t, int64(0), b.Count())

	// A spurious update is a no-op.
	require.NoError(t, b.Update(ctx))
	require.Equal(t, [][]string{nil}, rec.batches)

	for _, ts := range []float64{1, 3, 3, 2, 5} {
		_, err = b.Append(ctx, []Entry{entry(idOf(ts, len(rec.batches)), ts)})
		require.NoError(t, err)

		var prev = b.HWM()
		require.NoError(t, b.Update(ctx))
		require.GreaterOrEqual(t, b.HWM(), prev)
	}
	require.Equal(t, float64(5), b.HWM())
	require.Equal(t, int64(3), b.Count())
	require.Equal(t, [][]string{nil, {"1-1@1"}, {"3-2@3"}, {"5-3@5"}}, rec.batches)

	// A cancelled listener receives no further updates.
	cancel()
	_, err = b.Append(ctx, []Entry{entry("six", 6)})
	require.NoError(t, err)
	require.NoError(t, b.Update(ctx))
	require.Len(t, rec.batches, 4)
}

func TestSinceAndLastQueries(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var writer = newTestBuffer(t, s, "topic", Options{})

	var _, err = writer.Append(ctx, []Entry{
		entry("a", 1), entry("b", 2), entry("c", 3), entry("d", 4), entry("e", 5),
	})
	require.NoError(t, err)

	var query = func(fn func(*Buffer, Listener) (func(), error)) []string {
		var b = newTestBuffer(t, s, "topic", Options{})
		var rec recorder
		var cancel, err = fn(b, rec.listen)
		require.NoError(t, err)
		defer cancel()

		require.Len(t, rec.batches, 1)
		return rec.batches[0]
	}
	var since = func(ts float64) []string {
		return query(func(b *Buffer, fn Listener) (func(), error) { return b.Since(ctx, ts, fn) })
	}
	var last = func(n int) []string {
		return query(func(b *Buffer, fn Listener) (func(), error) { return b.Last(ctx, n, fn) })
	}

	assert.Equal(t, []string{"a@1", "b@2", "c@3", "d@4", "e@5"}, since(SinceBeginning))
	assert.Equal(t, []string{"c@3", "d@4", "e@5"}, since(3))
	assert.Equal(t, []string{"d@4", "e@5"}, since(3.5))
	assert.Equal(t, []string{"e@5"}, since(5))
	assert.Nil(t, since(6))

	assert.Equal(t, []string{"d@4", "e@5"}, last(2))
	assert.Equal(t, []string{"e@5"}, last(1))
	assert.Equal(t, []string{"a@1", "b@2", "c@3", "d@4", "e@5"}, last(5))
	assert.Equal(t, []string{"a@1", "b@2", "c@3", "d@4", "e@5"}, last(100))
	assert.Nil(t, last(0))
}

func TestLastIsRelativeToInstanceView(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})

	var _, err = b.Append(ctx, []Entry{entry("a", 1), entry("b", 2)})
	require.NoError(t, err)

	var first recorder
	_, err = b.Last(ctx, 1, first.listen)
	require.NoError(t, err)

	_, err = b.Append(ctx, []Entry{entry("c", 3), entry("d", 4)})
	require.NoError(t, err)

	// Last catches up the instance before querying, and the first listener
	// receives the caught-up delta as an ordinary update.
	var second recorder
	_, err = b.Last(ctx, 3, second.listen)
	require.NoError(t, err)

	require.Equal(t, [][]string{{"b@2"}, {"c@3", "d@4"}}, first.batches)
	require.Equal(t, [][]string{{"b@2", "c@3", "d@4"}}, second.batches)
}

func TestNoDuplicatesAcrossSnapshotBoundary(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var writer = newTestBuffer(t, s, "topic", Options{})
	var reader = newTestBuffer(t, s, "topic", Options{})

	var _, err = writer.Append(ctx, []Entry{entry("a", 1)})
	require.NoError(t, err)

	var rec recorder
	_, err = reader.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)

	// Append, then race the notification-driven Update with
	// a snapshot of a second listener.
	_, err = writer.Append(ctx, []Entry{entry("b", 2)})
	require.NoError(t, err)

	var other recorder
	_, err = reader.Since(ctx, SinceBeginning, other.listen)
	require.NoError(t, err)
	require.NoError(t, reader.Update(ctx)) // Notification arrives late.

	require.Equal(t, [][]string{{"a@1"}, {"b@2"}}, rec.batches)
	require.Equal(t, [][]string{{"a@1", "b@2"}}, other.batches)
}

func TestUpdateErrorIsDeliveredAndRetried(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})

	var rec recorder
	var _, err = b.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)

	_, err = b.Append(ctx, []Entry{entry("a", 1)})
	require.NoError(t, err)

	var boom = errors.New("boom")
	s.Fail(boom)

	require.True(t, errors.Is(b.Update(ctx), boom))
	require.True(t, errors.Is(rec.err, boom))
	require.True(t, math.IsInf(b.HWM(), -1))

	s.Fail(nil)
	rec.err = nil

	require.NoError(t, b.Update(ctx))
	require.Equal(t, [][]string{nil, nil, {"a@1"}}, rec.batches)
	require.Equal(t, float64(1), b.HWM())
}

func TestMalformedEntriesAreReportedAndSkipped(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{})
	var conn = mustConn(t, s)

	// Write an undecodable entry, and an indexed entry without content.
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.ZAdd(b.indexKey, 1, "garbled")
		txn.HSet(b.contentKey, "garbled", "{not json")
		txn.ZAdd(b.indexKey, 2, "missing")
		return nil
	}, b.indexKey))

	var _, err = b.Append(ctx, []Entry{entry("ok", 3)})
	require.NoError(t, err)

	var rec recorder
	_, err = b.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)

	require.Equal(t, [][]string{{"ok@3"}}, rec.batches)
	require.True(t, errors.Is(rec.err, ErrMalformedEntry))

	var merr *MalformedEntryError
	require.True(t, errors.As(rec.err, &merr))
	require.Equal(t, []string{"garbled", "missing"}, merr.IDs)

	// The high-water mark advanced past the malformed entries.
	require.Equal(t, float64(3), b.HWM())
	require.Equal(t, int64(3), b.Count())
}

func TestEntryCacheServesSnapshots(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{EntryCacheSize: 16})
	var conn = mustConn(t, s)

	var _, err = b.Append(ctx, []Entry{entry("a", 1), entry("b", 2)})
	require.NoError(t, err)
	require.NoError(t, b.Update(ctx))

	// Corrupt stored content. Cached entries are unaffected.
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.HSet(b.contentKey, "a", "corrupt")
		return nil
	}))

	var rec recorder
	_, err = b.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)
	require.NoError(t, rec.err)
	require.Equal(t, [][]string{{"a@1", "b@2"}}, rec.batches)

	// Without a cache, the corruption is observed.
	var uncached = newTestBuffer(t, s, "topic", Options{})
	rec = recorder{}
	_, err = uncached.Since(ctx, SinceBeginning, rec.listen)
	require.NoError(t, err)
	require.True(t, errors.Is(rec.err, ErrMalformedEntry))
	require.Equal(t, [][]string{{"b@2"}}, rec.batches)
}

func TestAppendWithBoundedRetries(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "topic", Options{Retry: Backoff{Attempts: 2}})
	var other = mustConn(t, s)

	var attempts int
	var inHook bool
	s.BeforeCommit = func(keys []string) {
		if inHook {
			return
		}
		inHook = true
		defer func() { inHook = false }()

		attempts++
		require.NoError(t, other.Watch(ctx, func(txn store.Txn) error {
			txn.ZAdd(keys[0], float64(attempts), "interloper")
			return nil
		}))
	}

	var _, err = b.Append(ctx, []Entry{entry("a", 10)})
	require.True(t, errors.Is(err, ErrRetriesExhausted))
	require.Equal(t, 3, attempts)

	var members, err2 = other.RangeByRank(ctx, b.indexKey, 0, -1)
	require.NoError(t, err2)
	require.Equal(t, []store.Member{{Name: "interloper", Score: 3}}, members)
}

// recorder collects deliveries of a Listener.
type recorder struct {
	batches [][]string
	err     error
}

func (r *recorder) listen(entries []Entry, err error) {
	r.batches = append(r.batches, entryNames(entries))
	if err != nil {
		r.err = err
	}
}

func entry(id string, ts float64) Entry { return Entry{ID: id, Timestamp: ts} }

func entryNames(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID+"@"+formatTS(e.Timestamp))
	}
	return out
}

func idOf(ts float64, seq int) string { return formatTS(ts) + "-" + formatTS(float64(seq)) }

func formatTS(ts float64) string { return store.Inclusive(ts).String() }

func newTestBuffer(t *testing.T, s *memstore.Store, topic string, opts Options) *Buffer {
	return newBuffer(mustConn(t, s), topic, opts.withDefaults())
}

func mustConn(t *testing.T, s *memstore.Store) store.Conn {
	var conn, err = s.DialConn(context.Background())
	require.NoError(t, err)
	return conn
}
