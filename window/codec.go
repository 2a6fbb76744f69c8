package window

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.gazette.dev/hwm/codecs"
)

// EntryCodec encodes Entries for storage in a Buffer's content map.
// Encodings must round-trip exactly.
type EntryCodec interface {
	Encode(Entry) (string, error)
	Decode(string) (Entry, error)
}

// JSONCodec encodes Entries as flat JSON objects.
type JSONCodec struct{}

func (JSONCodec) Encode(e Entry) (string, error) {
	var b, err = json.Marshal(e)
	return string(b), err
}

func (JSONCodec) Decode(s string) (Entry, error) {
	var e Entry
	var err = json.Unmarshal([]byte(s), &e)
	return e, err
}

// CompressedCodec encodes Entries as JSON compressed with Codec, prefixed by
// a single byte which identifies the codec. Decode is self-describing:
// it accepts entries compressed with any codec, and plain JSON entries.
type CompressedCodec struct {
	Codec codecs.Codec
}

func (c CompressedCodec) Encode(e Entry) (string, error) {
	var b, err = json.Marshal(e)
	if err != nil || c.Codec == codecs.NONE {
		return string(b), err
	}
	if b, err = codecs.Compress(c.Codec, b); err != nil {
		return "", errors.WithMessagef(err, "compressing with %s", c.Codec)
	}
	return string(append([]byte{byte(c.Codec)}, b...)), nil
}

func (c CompressedCodec) Decode(s string) (Entry, error) {
	if len(s) == 0 || s[0] == '{' {
		return JSONCodec{}.Decode(s)
	}
	var codec = codecs.Codec(s[0])
	if err := codec.Validate(); err != nil {
		return Entry{}, err
	}
	var b, err = codecs.Decompress(codec, []byte(s[1:]))
	if err != nil {
		return Entry{}, errors.WithMessagef(err, "decompressing with %s", codec)
	}
	var e Entry
	err = json.Unmarshal(b, &e)
	return e, err
}
