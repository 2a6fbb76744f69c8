package window

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by operations of a closed Facade.
	ErrClosed = errors.New("facade closed")
	// ErrRetriesExhausted is returned when a RetryPolicy declines to retry
	// an aborted transaction. The transaction was not applied.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
	// ErrMalformedEntry is matched (via errors.Is) by errors reporting stored
	// entries which could not be decoded.
	ErrMalformedEntry = errors.New("malformed entry")
)

// MalformedEntryError reports stored entries of a Buffer which could not be
// read back. Well-formed entries of the same read are delivered regardless.
type MalformedEntryError struct {
	Topic string
	// IDs of malformed entries, in index order.
	IDs []string
	// Errs are decoding errors of each of IDs.
	Errs []error
}

func (e *MalformedEntryError) add(id string, err error) {
	e.IDs = append(e.IDs, id)
	e.Errs = append(e.Errs, err)
}

func (e *MalformedEntryError) Error() string {
	var parts = make([]string, len(e.IDs))
	for i := range e.IDs {
		parts[i] = fmt.Sprintf("%s: %v", e.IDs[i], e.Errs[i])
	}
	return fmt.Sprintf("buffer %q: %d malformed entries (%s)",
		e.Topic, len(e.IDs), strings.Join(parts, "; "))
}

// Is matches ErrMalformedEntry.
func (e *MalformedEntryError) Is(target error) bool { return target == ErrMalformedEntry }
