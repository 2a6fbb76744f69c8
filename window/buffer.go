package window

import (
	"context"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/store"
)

// SinceBeginning is a `since` argument of Buffer.Since which reads all entries.
var SinceBeginning = math.Inf(-1)

// Listener receives ordered Entries of a Buffer. A non-nil error reports
// either a failed update (and |entries| is empty), or entries which were
// malformed (see MalformedEntryError) and were omitted from |entries|.
// Listeners must not modify delivered Entries.
type Listener func(entries []Entry, err error)

// Buffer is a windowed, append-only log of the Entries of a topic. Buffers
// are obtained from, and shared through, a Context.
type Buffer struct {
	topic      string
	conn       store.Conn
	indexKey   string
	contentKey string
	channel    string
	codec      EntryCodec
	retry      RetryPolicy
	cache      *lru.Cache // Decoded Entries by ID. Nil if disabled.

	// mu serializes Update, Since, and Last.
	mu        sync.Mutex
	hwm       float64 // Greatest timestamp observed by this instance.
	count     int64   // Number of entries observed at or below |hwm|.
	failed    error   // Terminal error of the Buffer's Facade, if any.
	listeners broadcast[bufferEvent]
}

type bufferEvent struct {
	entries []Entry
	err     error
}

func newBuffer(conn store.Conn, topic string, opts Options) *Buffer {
	var b = &Buffer{
		topic:      topic,
		conn:       conn,
		indexKey:   opts.Namespace.BufferIndexKey(topic),
		contentKey: opts.Namespace.BufferContentKey(topic),
		channel:    opts.Namespace.BufferChannel(topic),
		codec:      opts.Codec,
		retry:      opts.Retry,
		hwm:        math.Inf(-1),
		listeners:  broadcast[bufferEvent]{kind: metrics.KindBuffer},
	}
	if opts.EntryCacheSize > 0 {
		b.cache, _ = lru.New(opts.EntryCacheSize) // Errors only if size <= 0.
	}
	return b
}

// Topic of the Buffer.
func (b *Buffer) Topic() string { return b.topic }

// HWM returns the greatest timestamp observed by this Buffer instance,
// or negative infinity if it has observed no entries.
func (b *Buffer) HWM() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hwm
}

// Count returns the number of entries observed by this Buffer instance.
func (b *Buffer) Count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Append |entries| to the Buffer, returning the number of entries added.
// Entries having timestamps at or below the greatest stored timestamp are
// dropped, which makes a replayed Append a no-op. If any entries are added,
// exactly one notification is published to the Buffer's topic.
//
// Append is an optimistic transaction: if a concurrent writer modifies the
// Buffer before it commits, it's retried from the beginning (including the
// read of the stored high-water mark) as the Context's RetryPolicy allows.
func (b *Buffer) Append(ctx context.Context, entries []Entry) (int, error) {
	var encoded = make([]string, len(entries))
	for i := range entries {
		var err = entries[i].Validate()
		if err == nil {
			encoded[i], err = b.codec.Encode(entries[i])
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "buffer %q: entry %d (%q)", b.topic, i, entries[i].ID)
		}
	}

	var added, dropped int
	var err = commit(ctx, b.conn, b.retry, metrics.KindBuffer, func(txn store.Txn) error {
		added, dropped = 0, 0

		var top, err = txn.RangeByRank(ctx, b.indexKey, -1, -1)
		if err != nil {
			return errors.WithMessage(err, "reading high-water mark")
		}
		var hwm = math.Inf(-1)
		if len(top) != 0 {
			hwm = top[0].Score
		}

		for i, e := range entries {
			if e.Timestamp <= hwm {
				dropped++
				continue
			}
			txn.HSet(b.contentKey, e.ID, encoded[i])
			txn.ZAdd(b.indexKey, e.Timestamp, e.ID)
			added++
		}
		if added != 0 {
			txn.Publish(b.channel, updateMessage)
		}
		return nil
	}, b.indexKey)

	if err != nil {
		return 0, errors.WithMessagef(err, "appending to buffer %q", b.topic)
	}
	metrics.AppendEntriesTotal.WithLabelValues(metrics.Added).Add(float64(added))
	metrics.AppendEntriesTotal.WithLabelValues(metrics.Dropped).Add(float64(dropped))

	return added, nil
}

// Update reads entries having timestamps above the instance's high-water
// mark and, if there are any, advances the high-water mark and emits them to
// listeners. Update is called by the Context on each notification of the
// Buffer's topic, and is a no-op if no entries are new. A failure to read is
// also emitted to listeners, and the high-water mark is left unchanged so
// that the next Update re-reads the same delta.
func (b *Buffer) Update(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err = b.update(ctx)
	if err != nil && !errors.Is(err, ErrMalformedEntry) {
		b.listeners.emit(bufferEvent{err: err})
	}
	return err
}

// update reads and emits the delta above |hwm|. b.mu must be held.
// Malformed entries are emitted alongside well-formed ones, and the returned
// error then matches ErrMalformedEntry. Other errors are not emitted.
func (b *Buffer) update(ctx context.Context) error {
	var members, err = b.conn.RangeByScore(ctx, b.indexKey, store.Exclusive(b.hwm), store.PosInf)
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(metrics.KindBuffer, metrics.Fail).Inc()
		return errors.WithMessagef(err, "reading index of buffer %q", b.topic)
	} else if len(members) == 0 {
		metrics.UpdatesTotal.WithLabelValues(metrics.KindBuffer, metrics.Spurious).Inc()
		return nil
	}

	var entries []Entry
	if entries, err = b.join(ctx, members); err != nil && !errors.Is(err, ErrMalformedEntry) {
		metrics.UpdatesTotal.WithLabelValues(metrics.KindBuffer, metrics.Fail).Inc()
		return err
	}
	// Entries at or below the new |hwm| will never change, so malformed
	// entries aren't re-read: the high-water mark advances past them.
	b.hwm = members[len(members)-1].Score
	b.count += int64(len(members))

	metrics.UpdatesTotal.WithLabelValues(metrics.KindBuffer, metrics.Delta).Inc()
	metrics.UpdateEntriesTotal.Add(float64(len(members)))

	b.listeners.emit(bufferEvent{entries: entries, err: err})
	return err
}

// Since calls |fn| with entries having timestamps at or above |since| and at
// or below the instance's high-water mark, in ascending order. It then
// registers |fn| to be called with each subsequent delta of the Buffer. The
// returned function removes the registration.
//
// Since first brings the instance up to date, so its snapshot includes all
// entries stored when it's called. As snapshot and registration happen
// together with respect to Update, |fn| observes each entry exactly once.
func (b *Buffer) Since(ctx context.Context, since float64, fn Listener) (cancel func(), _ error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed != nil {
		return nil, b.failed
	} else if err := b.catchUp(ctx); err != nil {
		return nil, err
	}
	var members []store.Member
	var err error

	if b.count != 0 && since <= b.hwm {
		members, err = b.conn.RangeByScore(ctx, b.indexKey, store.Inclusive(since), store.Inclusive(b.hwm))
		if err != nil {
			return nil, errors.WithMessagef(err, "reading index of buffer %q", b.topic)
		}
	}
	return b.deliverAndListen(ctx, members, fn)
}

// Last calls |fn| with up to |limit| of the most recent entries observed by
// the instance, in ascending order, and then behaves as Since.
func (b *Buffer) Last(ctx context.Context, limit int, fn Listener) (cancel func(), _ error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed != nil {
		return nil, b.failed
	} else if err := b.catchUp(ctx); err != nil {
		return nil, err
	}
	var members []store.Member
	var err error

	if limit > 0 && b.count != 0 {
		var start = b.count - int64(limit)
		if start < 0 {
			start = 0
		}
		// Entries at or below |hwm| are exactly the first |count| ranks of the
		// index, as the store only accepts entries above its own high-water mark.
		members, err = b.conn.RangeByRank(ctx, b.indexKey, start, b.count-1)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading index of buffer %q", b.topic)
		}
	}
	return b.deliverAndListen(ctx, members, fn)
}

// fail the Buffer with the terminal error |err| of its Facade, which is
// delivered to every listener. Later calls of Since and Last return |err|.
func (b *Buffer) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed == nil {
		b.failed = err
		b.listeners.emit(bufferEvent{err: err})
	}
}

// catchUp the instance to the currently stored entries. Already-registered
// listeners receive the delta as an ordinary update. b.mu must be held.
func (b *Buffer) catchUp(ctx context.Context) error {
	if err := b.update(ctx); err != nil && !errors.Is(err, ErrMalformedEntry) {
		return err
	}
	return nil
}

func (b *Buffer) deliverAndListen(ctx context.Context, members []store.Member, fn Listener) (func(), error) {
	var entries, err = b.join(ctx, members)
	if err != nil && !errors.Is(err, ErrMalformedEntry) {
		return nil, err
	}
	fn(entries, err)

	return b.listeners.add(func(ev bufferEvent) { fn(ev.entries, ev.err) }), nil
}

// join |members| of the index with their decoded content, preserving order.
func (b *Buffer) join(ctx context.Context, members []store.Member) ([]Entry, error) {
	if len(members) == 0 {
		return nil, nil
	}
	var cached map[string]Entry
	var fetch = make([]string, 0, len(members))

	for _, m := range members {
		if b.cache == nil {
			fetch = append(fetch, m.Name)
		} else if v, ok := b.cache.Get(m.Name); ok {
			if cached == nil {
				cached = make(map[string]Entry)
			}
			cached[m.Name] = v.(Entry)
		} else {
			fetch = append(fetch, m.Name)
		}
	}

	var content map[string]string
	if len(fetch) != 0 {
		var err error
		if content, err = b.conn.HMGet(ctx, b.contentKey, fetch...); err != nil {
			return nil, errors.WithMessagef(err, "reading content of buffer %q", b.topic)
		}
	}

	var entries = make([]Entry, 0, len(members))
	var malformed *MalformedEntryError

	for _, m := range members {
		if e, ok := cached[m.Name]; ok {
			entries = append(entries, e)
			continue
		}
		var e, err = b.decode(m.Name, content)
		if err != nil {
			if malformed == nil {
				malformed = &MalformedEntryError{Topic: b.topic}
			}
			malformed.add(m.Name, err)
			continue
		}
		if b.cache != nil {
			b.cache.Add(m.Name, e)
		}
		entries = append(entries, e)
	}

	if malformed != nil {
		metrics.MalformedEntriesTotal.Add(float64(len(malformed.IDs)))
		return entries, malformed
	}
	return entries, nil
}

func (b *Buffer) decode(id string, content map[string]string) (Entry, error) {
	var raw, ok = content[id]
	if !ok {
		return Entry{}, errors.New("content not found")
	}
	var e, err = b.codec.Decode(raw)
	if err != nil {
		return Entry{}, err
	} else if e.ID != id {
		return Entry{}, errors.Errorf("content has mismatched ID %q", e.ID)
	}
	return e, nil
}
