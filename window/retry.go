package window

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/store"
)

// RetryPolicy decides whether, and after what delay, a transaction which
// aborted due to a concurrent writer is attempted again.
type RetryPolicy interface {
	// Retry returns the delay to wait before the |attempt|th retry (the
	// first retry is attempt one), or false if no further attempt is made.
	Retry(attempt int) (time.Duration, bool)
}

// RetryForever retries immediately and without limit. Aborts are rare and
// cheap under the store's serialized execution, so this is the default.
type RetryForever struct{}

func (RetryForever) Retry(int) (time.Duration, bool) { return 0, true }

// Backoff retries with exponentially increasing delay, starting at Initial
// and capped at Max. If Attempts is positive, at most Attempts retries are made.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

func (b Backoff) Retry(attempt int) (time.Duration, bool) {
	if b.Attempts > 0 && attempt > b.Attempts {
		return 0, false
	}
	var d = b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}

// commit runs |fn| as an optimistic transaction over |keys|, re-running it from
// scratch after each abort for as long as |policy| allows. |fn| must therefore
// be safe to repeat: it may neither carry state between attempts, nor have
// effects other than those staged through its Txn.
func commit(ctx context.Context, conn store.Conn, policy RetryPolicy, kind string,
	fn func(store.Txn) error, keys ...string) error {

	for attempt := 1; true; attempt++ {
		var err = conn.Watch(ctx, fn, keys...)

		if err == nil {
			metrics.TxnTotal.WithLabelValues(kind, metrics.Ok).Inc()
			return nil
		} else if !errors.Is(err, store.ErrTxnAborted) {
			metrics.TxnTotal.WithLabelValues(kind, metrics.Fail).Inc()
			return err
		}
		metrics.TxnTotal.WithLabelValues(kind, metrics.Aborted).Inc()

		var delay, ok = policy.Retry(attempt)
		if !ok {
			return errors.WithMessagef(ErrRetriesExhausted, "%d attempts", attempt)
		}
		log.WithFields(log.Fields{
			"keys":    keys,
			"attempt": attempt,
			"delay":   delay,
		}).Debug("transaction aborted (will retry)")

		if delay == 0 {
			if err = ctx.Err(); err != nil {
				return err
			}
			continue
		}
		metrics.TxnRetryDelaySecondsTotal.WithLabelValues(kind).Add(delay.Seconds())

		var timer = time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	panic("not reached")
}
