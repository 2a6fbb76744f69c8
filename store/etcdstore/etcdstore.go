// Package etcdstore implements store.Backend with Etcd.
//
// All state lives under a Root prefix. Scalars, hash fields, and ordered-set
// members are each individual Etcd keys, encoded with order-preserving
// cockroach encodings so that an ordered set may be range-scanned by score:
//
//	<root>v/<key>                                     scalar value
//	<root>h/<enc(key)><enc(field)>                    hash field value
//	<root>zm/<enc(key)><enc(member)>                  member score
//	<root>zs/<enc(key)><enc(score)><enc(member)>      score index (empty value)
//	<root>ver/<key>                                   version of |key|
//	<root>ps/<channel>                                last publication
//
// Every write of a key also puts its version key, and a transaction commits
// only if the ModRevision of each watched version key is unchanged. Pub/sub
// is a put of the channel's key, observed by an Etcd watch.
//
// Etcd bounds the number of operations in a single transaction (128 by
// default; see `etcd --max-txn-ops`). A transaction staging more writes than
// the server allows fails, and is not applied.
package etcdstore

import (
	"context"
	"sort"
	"strings"

	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/hwm/store"
)

// Backend of an Etcd client. Connections share the client, which is owned
// by the caller and is not closed by the Backend.
type Backend struct {
	Client *clientv3.Client
	// Root prefix of all keys. It should end in "/".
	Root string
	// MaxTxnOps is the maximum number of reads batched into a single Etcd
	// transaction by HMGet. If zero, DefaultMaxTxnOps is used.
	MaxTxnOps int
}

// DefaultMaxTxnOps matches the default `--max-txn-ops` of Etcd.
const DefaultMaxTxnOps = 128

// DialConn returns a Conn of the Backend's client.
func (b *Backend) DialConn(ctx context.Context) (store.Conn, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	return &Conn{reader: reader{b: b}}, nil
}

// DialPubSub returns a PubSub of the Backend's client.
func (b *Backend) DialPubSub(ctx context.Context) (store.PubSub, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	return newPubSub(b), nil
}

// check that the cluster is reachable.
func (b *Backend) check(ctx context.Context) error {
	if _, err := b.Client.Get(ctx, b.Root+"ver/", clientv3.WithCountOnly()); err != nil {
		return errors.WithMessage(err, "reading from etcd")
	}
	return nil
}

func (b *Backend) maxTxnOps() int {
	if b.MaxTxnOps <= 0 {
		return DefaultMaxTxnOps
	}
	return b.MaxTxnOps
}

func (b *Backend) valueKey(key string) string { return b.Root + "v/" + key }
func (b *Backend) versionKey(key string) string { return b.Root + "ver/" + key }
func (b *Backend) channelKey(ch string) string  { return b.Root + "ps/" + ch }

func (b *Backend) hashKey(key, field string) string {
	var k = append([]byte(b.Root+"h/"), encoding.EncodeStringAscending(nil, key)...)
	return string(encoding.EncodeStringAscending(k, field))
}

func (b *Backend) memberKey(key, member string) string {
	var k = append([]byte(b.Root+"zm/"), encoding.EncodeStringAscending(nil, key)...)
	return string(encoding.EncodeStringAscending(k, member))
}

func (b *Backend) scorePrefix(key string) []byte {
	return append([]byte(b.Root+"zs/"), encoding.EncodeStringAscending(nil, key)...)
}

func (b *Backend) scoreKey(key string, score float64, member string) string {
	var k = encoding.EncodeFloatAscending(b.scorePrefix(key), score)
	return string(encoding.EncodeStringAscending(k, member))
}

// decodeScoreKey returns the Member of a score index key having |prefix|.
func decodeScoreKey(prefix []byte, kv *mvccpb.KeyValue) (store.Member, error) {
	var rem, score, err = encoding.DecodeFloatAscending(kv.Key[len(prefix):])
	if err != nil {
		return store.Member{}, errors.WithMessagef(err, "decoding score of %q", kv.Key)
	}
	var name []byte
	if _, name, err = encoding.DecodeBytesAscending(rem, nil); err != nil {
		return store.Member{}, errors.WithMessagef(err, "decoding member of %q", kv.Key)
	}
	return store.Member{Name: string(name), Score: score}, nil
}

// Conn is a store.Conn of an Etcd client.
type Conn struct {
	reader
}

func (c *Conn) Watch(ctx context.Context, fn func(store.Txn) error, keys ...string) error {
	var b = c.b

	// Capture ModRevisions of watched keys at a single revision.
	var gets = make([]clientv3.Op, len(keys))
	for i, k := range keys {
		gets[i] = clientv3.OpGet(b.versionKey(k))
	}
	var watched = make([]clientv3.Cmp, len(keys))

	if len(keys) != 0 {
		var resp, err = b.Client.Txn(ctx).Then(gets...).Commit()
		if err != nil {
			return err
		}
		for i, k := range keys {
			var rev int64
			if kvs := resp.Responses[i].GetResponseRange().Kvs; len(kvs) != 0 {
				rev = kvs[0].ModRevision
			}
			watched[i] = clientv3.Compare(clientv3.ModRevision(b.versionKey(k)), "=", rev)
		}
	}

	var t = &txn{reader: c.reader, ops: newOpSet()}
	if err := fn(t); err != nil {
		return err
	} else if t.ops.len() == 0 && len(t.zadds) == 0 {
		return nil
	}

	var cmps, err = t.stageZAdds(ctx)
	if err != nil {
		return err
	}
	resp, err := b.Client.Txn(ctx).If(append(watched, cmps...)...).Then(t.ops.list()...).Commit()

	if err == rpctypes.ErrTooManyOps {
		return errors.WithMessagef(err, "transaction of %d operations", t.ops.len())
	} else if err != nil {
		return err
	} else if !resp.Succeeded {
		return store.ErrTxnAborted
	}
	return nil
}

func (c *Conn) Publish(ctx context.Context, channel, message string) error {
	var _, err = c.b.Client.Put(ctx, c.b.channelKey(channel), message)
	return err
}

func (c *Conn) Close() error { return nil }

// txn stages writes as Etcd operations.
type txn struct {
	reader
	ops   *opSet
	zadds []zadd
}

type zadd struct {
	key, member string
	score       float64
}

func (t *txn) Set(key, value string) {
	t.ops.put(t.b.valueKey(key), value)
	t.ops.put(t.b.versionKey(key), "")
}

func (t *txn) HSet(key, field, value string) {
	t.ops.put(t.b.hashKey(key, field), value)
	t.ops.put(t.b.versionKey(key), "")
}

func (t *txn) ZAdd(key string, score float64, member string) {
	for i := range t.zadds {
		if t.zadds[i].key == key && t.zadds[i].member == member {
			t.zadds[i].score = score
			return
		}
	}
	t.zadds = append(t.zadds, zadd{key: key, member: member, score: score})
}

// Publish stages a put of the channel's key. Etcd permits one put of a key
// per transaction, so multiple publications to a channel by a transaction
// are collapsed to the last one.
func (t *txn) Publish(channel, message string) {
	t.ops.put(t.b.channelKey(channel), message)
}

// stageZAdds reads the current scores of staged ZAdd members, stages removal
// of their prior score index entries, and returns comparisons which abort the
// transaction if a member is concurrently re-scored.
func (t *txn) stageZAdds(ctx context.Context) ([]clientv3.Cmp, error) {
	if len(t.zadds) == 0 {
		return nil, nil
	}
	var gets = make([]clientv3.Op, len(t.zadds))
	for i, z := range t.zadds {
		gets[i] = clientv3.OpGet(t.b.memberKey(z.key, z.member))
	}
	var resp, err = t.b.Client.Txn(ctx).Then(gets...).Commit()
	if err != nil {
		return nil, err
	}

	var cmps = make([]clientv3.Cmp, len(t.zadds))
	for i, z := range t.zadds {
		var mk = t.b.memberKey(z.key, z.member)
		var rev int64

		if kvs := resp.Responses[i].GetResponseRange().Kvs; len(kvs) != 0 {
			rev = kvs[0].ModRevision

			var _, prior, err = encoding.DecodeFloatAscending(kvs[0].Value)
			if err != nil {
				return nil, errors.WithMessagef(err, "decoding score of %q", mk)
			} else if prior == z.score {
				cmps[i] = clientv3.Compare(clientv3.ModRevision(mk), "=", rev)
				continue
			}
			t.ops.delete(t.b.scoreKey(z.key, prior, z.member))
		}
		cmps[i] = clientv3.Compare(clientv3.ModRevision(mk), "=", rev)

		t.ops.put(mk, string(encoding.EncodeFloatAscending(nil, z.score)))
		t.ops.put(t.b.scoreKey(z.key, z.score, z.member), "")
		t.ops.put(t.b.versionKey(z.key), "")
	}
	return cmps, nil
}

// opSet is an ordered set of operations having unique keys.
// A later operation of a key replaces an earlier one.
type opSet struct {
	index map[string]int
	ops   []clientv3.Op
}

func newOpSet() *opSet { return &opSet{index: make(map[string]int)} }

func (s *opSet) put(key, value string) { s.set(key, clientv3.OpPut(key, value)) }
func (s *opSet) delete(key string)     { s.set(key, clientv3.OpDelete(key)) }

func (s *opSet) set(key string, op clientv3.Op) {
	if i, ok := s.index[key]; ok {
		s.ops[i] = op
		return
	}
	s.index[key] = len(s.ops)
	s.ops = append(s.ops, op)
}

func (s *opSet) len() int             { return len(s.ops) }
func (s *opSet) list() []clientv3.Op { return s.ops }

// reader implements store.Reader.
type reader struct {
	b *Backend
}

func (r reader) Get(ctx context.Context, key string) (string, bool, error) {
	var resp, err = r.b.Client.Get(ctx, r.b.valueKey(key))
	if err != nil {
		return "", false, err
	} else if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (r reader) RangeByScore(ctx context.Context, key string, min, max store.Bound) ([]store.Member, error) {
	var prefix = r.b.scorePrefix(key)
	var from, to = string(prefix), clientv3.GetPrefixRangeEnd(string(prefix))

	if !min.IsInf() {
		from = string(encoding.EncodeFloatAscending(append([]byte(nil), prefix...), min.Score))
	}
	if !max.IsInf() {
		// Encoded members begin with a marker byte less than 0xff.
		to = string(append(encoding.EncodeFloatAscending(append([]byte(nil), prefix...), max.Score), 0xff))
	}
	var resp, err = r.b.Client.Get(ctx, from, clientv3.WithRange(to), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	var out []store.Member
	for _, kv := range resp.Kvs {
		var m, err = decodeScoreKey(prefix, kv)
		if err != nil {
			return nil, err
		}
		if min.AboveMin(m.Score) && max.BelowMax(m.Score) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r reader) RangeByRank(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	var prefix = r.b.scorePrefix(key)
	var end = clientv3.GetPrefixRangeEnd(string(prefix))

	var count, err = r.b.Client.Get(ctx, string(prefix), clientv3.WithRange(end), clientv3.WithCountOnly())
	if err != nil {
		return nil, err
	}
	var size = count.Count
	var begin, stopAt = store.RankWindow(start, stop, size)
	if begin >= stopAt {
		return nil, nil
	}

	// Read the window from whichever end of the set is nearer.
	var opts = []clientv3.OpOption{
		clientv3.WithRange(end),
		clientv3.WithKeysOnly(),
		clientv3.WithRev(count.Header.Revision),
	}
	var fromTail = size-stopAt < begin
	if fromTail {
		opts = append(opts, clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
			clientv3.WithLimit(size-begin))
	} else {
		opts = append(opts, clientv3.WithLimit(stopAt))
	}
	resp, err := r.b.Client.Get(ctx, string(prefix), opts...)
	if err != nil {
		return nil, err
	}

	var kvs = resp.Kvs
	if fromTail {
		if skip := size - stopAt; int64(len(kvs)) > skip {
			kvs = kvs[skip:]
		} else {
			kvs = nil
		}
		sort.Slice(kvs, func(i, j int) bool { return string(kvs[i].Key) < string(kvs[j].Key) })
	} else if int64(len(kvs)) > begin {
		kvs = kvs[begin:]
	} else {
		kvs = nil
	}

	var out = make([]store.Member, 0, len(kvs))
	for _, kv := range kvs {
		var m, err = decodeScoreKey(prefix, kv)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r reader) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	var out = make(map[string]string, len(fields))

	for len(fields) != 0 {
		var n = len(fields)
		if max := r.b.maxTxnOps(); n > max {
			n = max
		}
		var ops = make([]clientv3.Op, n)
		for i := range ops {
			ops[i] = clientv3.OpGet(r.b.hashKey(key, fields[i]))
		}
		var resp, err = r.b.Client.Txn(ctx).Then(ops...).Commit()
		if err != nil {
			return nil, err
		}
		for i := range ops {
			if kvs := resp.Responses[i].GetResponseRange().Kvs; len(kvs) != 0 {
				out[fields[i]] = string(kvs[0].Value)
			}
		}
		fields = fields[n:]
	}
	return out, nil
}

// channelOf returns the channel of a publication key.
func (b *Backend) channelOf(key []byte) string {
	return strings.TrimPrefix(string(key), b.Root+"ps/")
}
