// Package store defines the backing store consumed by windowed buffers and
// signals: a networked service offering scalar values, hash maps, ordered
// (scored) sets, optimistic transactions, and channel publish / subscribe.
//
// Implementations live in sub-packages: memstore (in-process), redisstore,
// etcdstore, and sqlstore. Each must satisfy the same contract, which is
// described on the interfaces below.
package store

import (
	"context"
)

// Reader is the read-only surface of a store. Reads issued through a Txn
// observe the store as of the read, and are not themselves isolated: it's
// the watched-key check at commit which detects a conflicting writer.
type Reader interface {
	// Get returns the scalar value of |key|. |ok| is false if |key| is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// RangeByScore returns members of the ordered set |key| having scores
	// within [min, max], as restricted by the exclusivity of each Bound.
	// Members are ordered on ascending score, and then on ascending member.
	RangeByScore(ctx context.Context, key string, min, max Bound) ([]Member, error)
	// RangeByRank returns members of the ordered set |key| having ranks
	// within [start, stop] (inclusive), in ascending order. Negative ranks
	// index from the end of the set: -1 is the last (greatest) member.
	RangeByRank(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// HMGet returns values of |fields| in the hash map |key|.
	// Fields which are not present are omitted from the returned map.
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
}

// Txn is an optimistic transaction. Writes are staged, and are applied
// atomically on commit if and only if no watched key changed since the
// transaction began.
type Txn interface {
	Reader

	// Set stages a write of scalar |key| to |value|.
	Set(key, value string)
	// HSet stages a write of |field| of hash map |key| to |value|.
	HSet(key, field, value string)
	// ZAdd stages an insertion (or re-scoring) of |member| into ordered set |key|.
	ZAdd(key string, score float64, member string)
	// Publish stages a publication of |message| to |channel|,
	// which is broadcast only if the transaction commits.
	Publish(channel, message string)
}

// Conn is a data connection to a store.
type Conn interface {
	Reader

	// Watch begins an optimistic transaction conditioned on the current
	// versions of |keys|, and invokes |fn| to perform reads and stage writes.
	// If |fn| returns an error, the transaction is discarded and the error
	// returned. Otherwise the transaction is committed, and Watch returns
	// ErrTxnAborted if any of |keys| was modified after Watch began.
	Watch(ctx context.Context, fn func(Txn) error, keys ...string) error
	// Publish |message| to |channel|, outside of any transaction.
	Publish(ctx context.Context, channel, message string) error
	// Close the Conn.
	Close() error
}

// Message is a notification received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// PubSub is a subscription connection to a store.
type PubSub interface {
	// Subscribe to |channels|. Upon return, every subsequent publication to
	// a subscribed channel will be delivered through Messages.
	Subscribe(ctx context.Context, channels ...string) error
	// Messages returns the channel of received Messages. Messages of a single
	// channel are delivered in publication order. The returned channel is
	// closed when the PubSub is closed or its connection is lost.
	Messages() <-chan Message
	// Close the PubSub.
	Close() error
}

// Backend dials the connections of a store.
type Backend interface {
	// DialConn establishes a data connection.
	DialConn(ctx context.Context) (Conn, error)
	// DialPubSub establishes a subscription connection.
	DialPubSub(ctx context.Context) (PubSub, error)
}
