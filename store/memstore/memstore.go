// Package memstore is an in-process implementation of store.Backend.
//
// Every key carries a version which is bumped by each committed write, and
// Watch aborts a transaction if any watched key's version moved. Published
// messages are queued to each subscriber without blocking the publisher, and
// are delivered in publication order.
//
// Store is intended for tests and single-process use. It also offers hooks
// for injecting faults: BeforeCommit runs between a transaction's reads and
// its commit (the window in which a concurrent writer causes an abort), and
// Fail makes all subsequent operations return an error.
package memstore

import (
	"context"
	"sort"
	"sync"

	"go.gazette.dev/hwm/store"
)

// Store is an in-memory store.Backend.
type Store struct {
	// BeforeCommit, if non-nil, is invoked by Watch after its transaction
	// function returns and before the commit is attempted, with the watched
	// keys. It's called without Store locks held, and may itself write
	// to the Store.
	BeforeCommit func(keys []string)

	mu       sync.Mutex
	values   map[string]string
	hashes   map[string]map[string]string
	sets     map[string][]store.Member
	versions map[string]int64
	subs     map[*PubSub]struct{}
	err      error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		values:   make(map[string]string),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string][]store.Member),
		versions: make(map[string]int64),
		subs:     make(map[*PubSub]struct{}),
	}
}

// Fail causes all subsequent operations of the Store to return |err|,
// and closes all current subscriptions. A nil |err| restores the Store.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	s.err = err
	var subs = s.subs
	if err != nil {
		s.subs = make(map[*PubSub]struct{})
	}
	s.mu.Unlock()

	if err != nil {
		for ps := range subs {
			ps.close()
		}
	}
}

// Version returns the current version of |key|, which is zero if |key|
// has never been written.
func (s *Store) Version(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[key]
}

// DialConn returns a Conn of the Store.
func (s *Store) DialConn(ctx context.Context) (store.Conn, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &Conn{s: s}, nil
}

// DialPubSub returns a new PubSub of the Store.
func (s *Store) DialPubSub(ctx context.Context) (store.PubSub, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var ps = newPubSub(s)

	s.mu.Lock()
	s.subs[ps] = struct{}{}
	s.mu.Unlock()

	return ps, nil
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Conn is a store.Conn of a Store.
type Conn struct{ s *Store }

func (c *Conn) Get(ctx context.Context, key string) (string, bool, error) {
	return c.s.get(ctx, key)
}

func (c *Conn) RangeByScore(ctx context.Context, key string, min, max store.Bound) ([]store.Member, error) {
	return c.s.rangeByScore(ctx, key, min, max)
}

func (c *Conn) RangeByRank(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	return c.s.rangeByRank(ctx, key, start, stop)
}

func (c *Conn) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	return c.s.hmget(ctx, key, fields)
}

func (c *Conn) Publish(ctx context.Context, channel, message string) error {
	if err := c.s.check(); err != nil {
		return err
	}
	c.s.mu.Lock()
	c.s.publishLocked(channel, message)
	c.s.mu.Unlock()
	return nil
}

func (c *Conn) Watch(ctx context.Context, fn func(store.Txn) error, keys ...string) error {
	if err := c.s.check(); err != nil {
		return err
	}

	// Capture versions of watched keys as-of the start of the transaction.
	c.s.mu.Lock()
	var watched = make(map[string]int64, len(keys))
	for _, k := range keys {
		watched[k] = c.s.versions[k]
	}
	c.s.mu.Unlock()

	var txn = &txn{s: c.s}
	if err := fn(txn); err != nil {
		return err
	}
	if c.s.BeforeCommit != nil {
		c.s.BeforeCommit(keys)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.s.err != nil {
		return c.s.err
	}
	for k, v := range watched {
		if c.s.versions[k] != v {
			return store.ErrTxnAborted
		}
	}
	for _, op := range txn.ops {
		op()
	}
	return nil
}

func (c *Conn) Close() error { return nil }

// txn stages writes as closures, applied under the Store lock at commit.
type txn struct {
	s   *Store
	ops []func()
}

func (t *txn) Get(ctx context.Context, key string) (string, bool, error) {
	return t.s.get(ctx, key)
}

func (t *txn) RangeByScore(ctx context.Context, key string, min, max store.Bound) ([]store.Member, error) {
	return t.s.rangeByScore(ctx, key, min, max)
}

func (t *txn) RangeByRank(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	return t.s.rangeByRank(ctx, key, start, stop)
}

func (t *txn) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	return t.s.hmget(ctx, key, fields)
}

func (t *txn) Set(key, value string) {
	t.ops = append(t.ops, func() {
		t.s.values[key] = value
		t.s.versions[key]++
	})
}

func (t *txn) HSet(key, field, value string) {
	t.ops = append(t.ops, func() {
		var h, ok = t.s.hashes[key]
		if !ok {
			h = make(map[string]string)
			t.s.hashes[key] = h
		}
		h[field] = value
		t.s.versions[key]++
	})
}

func (t *txn) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func() {
		t.s.sets[key] = zadd(t.s.sets[key], score, member)
		t.s.versions[key]++
	})
}

func (t *txn) Publish(channel, message string) {
	t.ops = append(t.ops, func() { t.s.publishLocked(channel, message) })
}

func (s *Store) get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return "", false, s.err
	}
	var v, ok = s.values[key]
	return v, ok, nil
}

func (s *Store) rangeByScore(_ context.Context, key string, min, max store.Bound) ([]store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	var out []store.Member
	for _, m := range s.sets[key] {
		if min.AboveMin(m.Score) && max.BelowMax(m.Score) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) rangeByRank(_ context.Context, key string, start, stop int64) ([]store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	var set = s.sets[key]
	var begin, end = store.RankWindow(start, stop, int64(len(set)))
	return append([]store.Member(nil), set[begin:end]...), nil
}

func (s *Store) hmget(_ context.Context, key string, fields []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	var out = make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := s.hashes[key][f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (s *Store) publishLocked(channel, message string) {
	for ps := range s.subs {
		ps.deliver(store.Message{Channel: channel, Payload: message})
	}
}

// zadd inserts or re-scores |member| of ordered |set|, which is kept sorted
// on (Score, Name).
func zadd(set []store.Member, score float64, member string) []store.Member {
	for i := range set {
		if set[i].Name == member {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	var m = store.Member{Name: member, Score: score}
	var ind = sort.Search(len(set), func(i int) bool {
		return set[i].Score > score || (set[i].Score == score && set[i].Name >= member)
	})
	set = append(set, store.Member{})
	copy(set[ind+1:], set[ind:])
	set[ind] = m
	return set
}
