package window

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Entry is an element of a Buffer. Fields holds arbitrary additional content
// of the entry, which is carried opaquely. The JSON encoding of an Entry is
// flat: {"id": ..., "timestamp": ..., <Fields>...}.
type Entry struct {
	// ID of the Entry, which must be unique over the lifetime of its topic.
	ID string
	// Timestamp orders the Entry within its topic. Writers of a topic must
	// append non-decreasing timestamps: entries at or below the stored
	// high-water mark are silently dropped.
	Timestamp float64
	// Fields are additional opaque fields of the Entry.
	Fields map[string]json.RawMessage
}

// Validate returns an error if the Entry is not well-formed.
func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("expected ID")
	} else if math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) {
		return errors.Errorf("invalid Timestamp (%v)", e.Timestamp)
	}
	for k := range e.Fields {
		if k == "id" || k == "timestamp" {
			return errors.Errorf("field %q is reserved", k)
		}
	}
	return nil
}

// MarshalJSON encodes the Entry as a single flat JSON object.
func (e Entry) MarshalJSON() ([]byte, error) {
	var m = make(map[string]json.RawMessage, len(e.Fields)+2)
	for k, v := range e.Fields {
		m[k] = v
	}
	var err error
	if m["id"], err = json.Marshal(e.ID); err != nil {
		return nil, err
	} else if m["timestamp"], err = json.Marshal(e.Timestamp); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a flat JSON object into the Entry.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Entry

	if raw, ok := m["id"]; !ok {
		return errors.New("missing \"id\"")
	} else if err := json.Unmarshal(raw, &out.ID); err != nil {
		return errors.WithMessage(err, "decoding \"id\"")
	}
	if raw, ok := m["timestamp"]; !ok {
		return errors.New("missing \"timestamp\"")
	} else if err := json.Unmarshal(raw, &out.Timestamp); err != nil {
		return errors.WithMessage(err, "decoding \"timestamp\"")
	}
	delete(m, "id")
	delete(m, "timestamp")

	if len(m) != 0 {
		out.Fields = m
	}
	*e = out
	return nil
}
