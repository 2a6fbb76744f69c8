package hwmctlcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.gazette.dev/hwm/window"
	"gopkg.in/yaml.v2"
)

// printer writes batches of Entries to an output in a chosen format.
type printer struct {
	w      io.Writer
	format string
}

func (p *printer) print(entries []window.Entry) error {
	switch p.format {
	case "table":
		return p.table(entries)
	case "json":
		var enc = json.NewEncoder(p.w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		return p.yaml(entries)
	default:
		return errors.Errorf("unknown format %q", p.format)
	}
}

func (p *printer) table(entries []window.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var table = tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"ID", "Timestamp", "Time", "Size", "Fields"})

	for _, e := range entries {
		var fields, size = summarizeFields(e.Fields)
		table.Append([]string{
			e.ID,
			strconv.FormatFloat(e.Timestamp, 'f', -1, 64),
			formatTime(e.Timestamp),
			humanize.Bytes(uint64(size)),
			fields,
		})
	}
	table.Render()
	return nil
}

func (p *printer) yaml(entries []window.Entry) error {
	for _, e := range entries {
		var doc = yaml.MapSlice{
			{Key: "id", Value: e.ID},
			{Key: "timestamp", Value: e.Timestamp},
		}
		for _, k := range sortedKeys(e.Fields) {
			var v interface{}
			if err := json.Unmarshal(e.Fields[k], &v); err != nil {
				return errors.WithMessagef(err, "decoding field %q of %q", k, e.ID)
			}
			doc = append(doc, yaml.MapItem{Key: k, Value: v})
		}
		var b, err = yaml.Marshal(doc)
		if err != nil {
			return err
		}
		if _, err = fmt.Fprintf(p.w, "---\n%s", b); err != nil {
			return err
		}
	}
	return nil
}

// summarizeFields returns "k=v" pairs of |fields| in key order, and their
// total encoded size.
func summarizeFields(fields map[string]json.RawMessage) (string, int) {
	var parts []string
	var size int

	for _, k := range sortedKeys(fields) {
		parts = append(parts, k+"="+string(fields[k]))
		size += len(fields[k])
	}
	if len(parts) == 0 {
		return "<none>", 0
	}
	return strings.Join(parts, " "), size
}

func sortedKeys(fields map[string]json.RawMessage) []string {
	var keys = make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatTime renders a timestamp of Unix seconds as UTC RFC 3339.
func formatTime(ts float64) string {
	var sec = int64(ts)
	var nsec = int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)
}

// parseSince parses a --since value, which is either a timestamp in Unix
// seconds, or a duration relative to |now|.
func parseSince(s string, now time.Time) (float64, error) {
	if s == "" {
		return window.SinceBeginning, nil
	}
	if ts, err := strconv.ParseFloat(s, 64); err == nil {
		return ts, nil
	}
	var d, err = time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid --since %q (expected Unix seconds or a duration)", s)
	} else if d < 0 {
		return 0, errors.Errorf("invalid --since %q (duration must be positive)", s)
	}
	return float64(now.Add(-d).UnixNano()) / 1e9, nil
}
