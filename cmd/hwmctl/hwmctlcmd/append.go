package hwmctlcmd

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/hwm/mainboilerplate"
	"go.gazette.dev/hwm/window"
)

type cmdAppend struct {
	TopicConfig
	ID        string  `long:"id" description:"ID of the appended entry, if not present in its JSON. Only valid with a single entry"`
	Timestamp float64 `long:"timestamp" description:"Timestamp of entries not having one in their JSON. Defaults to the current Unix time"`
}

func init() {
	CommandRegistry.AddCommand("", "append", "Append entries to a buffer", `
Append entries to the buffer of a topic.

Entries are JSON objects, given as arguments or as newline-delimited JSON
read from stdin if there are no arguments. An entry's "id" and "timestamp"
properties are taken from its JSON, and other properties are carried as
opaque content of the entry. An entry without an "id" is assigned a random
UUID, and an entry without a "timestamp" is assigned --timestamp, or the
current Unix time.

Entries having timestamps at or below the buffer's high-water mark are
dropped: appends of a topic should use non-decreasing timestamps. The number
of entries actually added is logged.

Examples:

# Append a single entry having an explicit ID:
hwmctl append --topic my/topic --id first '{"message": "hello"}'

# Append entries of a file:
hwmctl append --topic my/topic < entries.ndjson
`, &cmdAppend{})
}

func (cmd *cmdAppend) Execute(args []string) error {
	if cmd.ID != "" && len(args) > 1 {
		return errors.New("--id requires a single entry")
	}
	var ts = cmd.Timestamp
	if ts == 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}
	var entries, err = cmd.parse(args, os.Stdin, ts)
	if err != nil {
		return err
	}

	var ctx, wc = startup()
	defer wc.Facade().Close()

	buffer, err := wc.Buffer(ctx, cmd.Topic)
	mbp.Must(err, "failed to open buffer", "topic", cmd.Topic)

	added, err := buffer.Append(ctx, entries)
	mbp.Must(err, "failed to append", "topic", cmd.Topic)

	log.WithFields(log.Fields{
		"topic": cmd.Topic,
		"given": len(entries),
		"added": added,
		"hwm":   buffer.HWM(),
	}).Info("appended entries")

	return nil
}

// parse entries of |args|, or of newline-delimited JSON of |r| if there
// are no |args|.
func (cmd *cmdAppend) parse(args []string, r io.Reader, ts float64) ([]window.Entry, error) {
	var out []window.Entry
	var add = func(b []byte) error {
		var e, err = parseEntry(b, cmd.ID, ts)
		if err != nil {
			return errors.WithMessagef(err, "entry %d", len(out))
		}
		out = append(out, e)
		return nil
	}

	if len(args) != 0 {
		for _, arg := range args {
			if err := add([]byte(arg)); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	var scanner = bufio.NewScanner(r)
	scanner.Buffer(nil, 1<<24)

	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		} else if err := add(scanner.Bytes()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithMessage(err, "reading entries")
	} else if cmd.ID != "" && len(out) > 1 {
		return nil, errors.New("--id requires a single entry")
	}
	return out, nil
}

// parseEntry decodes a JSON object into an Entry, using |id| and |ts| where
// the object doesn't have "id" or "timestamp" properties.
func parseEntry(b []byte, id string, ts float64) (window.Entry, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return window.Entry{}, err
	} else if m == nil {
		return window.Entry{}, errors.New("expected a JSON object")
	}
	if _, ok := m["id"]; !ok {
		if id == "" {
			id = uuid.NewString()
		}
		m["id"], _ = json.Marshal(id)
	}
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"], _ = json.Marshal(ts)
	}
	b, _ = json.Marshal(m)

	var e window.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return window.Entry{}, err
	}
	return e, e.Validate()
}

var _ flags.Commander = (*cmdAppend)(nil)
