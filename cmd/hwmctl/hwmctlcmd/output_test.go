package hwmctlcmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/window"
)

func TestParseEntry(t *testing.T) {
	var e, err = parseEntry([]byte(`{"id":"a","timestamp":3,"msg":"hi"}`), "ignored", 10)
	require.NoError(t, err)
	require.Equal(t, "a", e.ID)
	require.Equal(t, 3.0, e.Timestamp)
	require.Equal(t, json.RawMessage(`"hi"`), e.Fields["msg"])

	// Defaults are used for missing properties.
	e, err = parseEntry([]byte(`{"msg":"hi"}`), "b", 10)
	require.NoError(t, err)
	require.Equal(t, "b", e.ID)
	require.Equal(t, 10.0, e.Timestamp)

	// Without an ID, a UUID is assigned.
	e, err = parseEntry([]byte(`{}`), "", 10)
	require.NoError(t, err)
	require.Len(t, e.ID, 36)
	require.Nil(t, e.Fields)

	_, err = parseEntry([]byte(`null`), "", 10)
	require.EqualError(t, err, "expected a JSON object")
	_, err = parseEntry([]byte(`[1, 2]`), "", 10)
	require.Error(t, err)
	_, err = parseEntry([]byte(`{"id":""}`), "", 10)
	require.EqualError(t, err, "expected ID")
}

func TestAppendParsesArgsOrStdin(t *testing.T) {
	var cmd cmdAppend

	var out, err = cmd.parse([]string{`{"id":"a"}`, `{"id":"b"}`}, strings.NewReader(`{"id":"c"}`), 5)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(out))

	out, err = cmd.parse(nil, strings.NewReader("{\"id\":\"c\"}\n\n  \n{\"id\":\"d\",\"timestamp\":6}\n"), 5)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, ids(out))
	require.Equal(t, 5.0, out[0].Timestamp)
	require.Equal(t, 6.0, out[1].Timestamp)

	_, err = cmd.parse(nil, strings.NewReader("{\"id\":\"c\"}\n{oops\n"), 5)
	require.ErrorContains(t, err, "entry 1: ")

	cmd.ID = "fixed"
	_, err = cmd.parse(nil, strings.NewReader("{}\n{}\n"), 5)
	require.EqualError(t, err, "--id requires a single entry")
}

func TestPrintJSONAndYAML(t *testing.T) {
	var entries = []window.Entry{
		{ID: "a", Timestamp: 1.5, Fields: map[string]json.RawMessage{"z": []byte(`1`), "b": []byte(`"two"`)}},
		{ID: "b", Timestamp: 2},
	}
	var buf bytes.Buffer

	require.NoError(t, (&printer{w: &buf, format: "json"}).print(entries))
	require.Equal(t, "{\"b\":\"two\",\"id\":\"a\",\"timestamp\":1.5,\"z\":1}\n{\"id\":\"b\",\"timestamp\":2}\n", buf.String())

	buf.Reset()
	require.NoError(t, (&printer{w: &buf, format: "yaml"}).print(entries))
	require.Equal(t, `---
id: a
timestamp: 1.5
b: two
z: 1
---
id: b
timestamp: 2
`, buf.String())

	require.EqualError(t, (&printer{w: &buf, format: "proto"}).print(entries), `unknown format "proto"`)
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	var p = &printer{w: &buf, format: "table"}

	require.NoError(t, p.print(nil))
	require.Empty(t, buf.String())

	require.NoError(t, p.print([]window.Entry{
		{ID: "an-entry", Timestamp: 0, Fields: map[string]json.RawMessage{"msg": []byte(`"hello"`)}},
	}))
	for _, s := range []string{"an-entry", "1970-01-01T00:00:00Z", "7 B", `msg="hello"`} {
		require.Contains(t, buf.String(), s)
	}
}

func TestSummarizeFields(t *testing.T) {
	var s, n = summarizeFields(nil)
	require.Equal(t, "<none>", s)
	require.Equal(t, 0, n)

	s, n = summarizeFields(map[string]json.RawMessage{"b": []byte(`[1]`), "a": []byte(`true`)})
	require.Equal(t, "a=true b=[1]", s)
	require.Equal(t, 7, n)
}

func TestParseSince(t *testing.T) {
	var now = time.Unix(1000, 0)

	var ts, err = parseSince("", now)
	require.NoError(t, err)
	require.Equal(t, window.SinceBeginning, ts)

	ts, err = parseSince("12.5", now)
	require.NoError(t, err)
	require.Equal(t, 12.5, ts)

	ts, err = parseSince("10m", now)
	require.NoError(t, err)
	require.Equal(t, 400.0, ts)

	_, err = parseSince("-1m", now)
	require.EqualError(t, err, `invalid --since "-1m" (duration must be positive)`)
	_, err = parseSince("yesterday", now)
	require.EqualError(t, err, `invalid --since "yesterday" (expected Unix seconds or a duration)`)
}

func TestPrintValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printValue(&buf, window.Value{}))
	require.NoError(t, printValue(&buf, window.Value{Data: "x", Present: true}))
	require.NoError(t, printValue(&buf, window.Value{Data: "", Present: true}))
	require.Equal(t, "x\n\n", buf.String())
}

func ids(entries []window.Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
