package store

import "github.com/pkg/errors"

var (
	// ErrTxnAborted is returned by Conn.Watch when a watched key was modified
	// concurrently. It's not a failure: callers re-run their transaction.
	ErrTxnAborted = errors.New("transaction aborted")
	// ErrUnavailable is returned when a connection to the store is lost or closed.
	ErrUnavailable = errors.New("store unavailable")
)
