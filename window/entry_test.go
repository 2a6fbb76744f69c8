package window

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/codecs"
)

func TestEntryJSONIsFlat(t *testing.T) {
	var e = Entry{
		ID:        "a",
		Timestamp: 1.5,
		Fields: map[string]json.RawMessage{
			"user": json.RawMessage(`{"name":"bob"}`),
			"n":    json.RawMessage(`3`),
		},
	}
	var b, err = json.Marshal(e)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"a","timestamp":1.5,"user":{"name":"bob"},"n":3}`, string(b))

	var out Entry
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "a", out.ID)
	require.Equal(t, 1.5, out.Timestamp)
	require.JSONEq(t, `{"name":"bob"}`, string(out.Fields["user"]))
	require.Len(t, out.Fields, 2)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"b","timestamp":2}`), &out))
	require.Equal(t, Entry{ID: "b", Timestamp: 2}, out)
}

func TestEntryDecodeErrors(t *testing.T) {
	var e Entry
	for _, tc := range []struct {
		input, err string
	}{
		{`{"timestamp":1}`, `missing "id"`},
		{`{"id":"a"}`, `missing "timestamp"`},
		{`{"id":1,"timestamp":1}`, `decoding "id": `},
		{`{"id":"a","timestamp":"1"}`, `decoding "timestamp": `},
	} {
		require.ErrorContains(t, json.Unmarshal([]byte(tc.input), &e), tc.err)
	}
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &e))
}

func TestEntryValidation(t *testing.T) {
	require.NoError(t, Entry{ID: "a", Timestamp: -3}.Validate())

	require.EqualError(t, Entry{Timestamp: 1}.Validate(), "expected ID")
	require.EqualError(t, Entry{ID: "a", Timestamp: math.Inf(1)}.Validate(), "invalid Timestamp (+Inf)")
	require.EqualError(t, Entry{ID: "a", Fields: map[string]json.RawMessage{
		"timestamp": json.RawMessage("2"),
	}}.Validate(), `field "timestamp" is reserved`)
}

func TestCodecRoundTrips(t *testing.T) {
	var e = Entry{ID: "id", Timestamp: 12.25, Fields: map[string]json.RawMessage{
		"payload": json.RawMessage(`"some payload which is some payload which is repetitive"`),
	}}

	for _, codec := range []EntryCodec{
		JSONCodec{},
		CompressedCodec{Codec: codecs.NONE},
		CompressedCodec{Codec: codecs.GZIP},
		CompressedCodec{Codec: codecs.SNAPPY},
		CompressedCodec{Codec: codecs.ZSTANDARD},
	} {
		var s, err = codec.Encode(e)
		require.NoError(t, err)

		out, err := codec.Decode(s)
		require.NoError(t, err)
		require.Equal(t, e.ID, out.ID)
		require.Equal(t, e.Timestamp, out.Timestamp)
		require.Equal(t, string(e.Fields["payload"]), string(out.Fields["payload"]))

		// Compressed entries of any codec are decoded by any CompressedCodec.
		out, err = CompressedCodec{Codec: codecs.GZIP}.Decode(s)
		require.NoError(t, err)
		require.Equal(t, e.ID, out.ID)
	}

	var _, err = CompressedCodec{}.Decode("\x7fgarbage")
	require.Error(t, err)
	_, err = JSONCodec{}.Decode("")
	require.Error(t, err)
}
