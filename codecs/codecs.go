// Package codecs implements the compression codecs which may be applied to
// stored entry payloads.
package codecs

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec is a compression codec. Its numeric value is persisted as a
// single-byte header of compressed payloads and must not be re-assigned.
type Codec byte

const (
	NONE      Codec = 0
	GZIP      Codec = 1
	SNAPPY    Codec = 2
	ZSTANDARD Codec = 3
)

// String returns the lower-case name of the Codec.
func (c Codec) String() string {
	switch c {
	case NONE:
		return "none"
	case GZIP:
		return "gzip"
	case SNAPPY:
		return "snappy"
	case ZSTANDARD:
		return "zstandard"
	default:
		return fmt.Sprintf("Codec(%d)", byte(c))
	}
}

// Validate returns an error if the Codec is not known.
func (c Codec) Validate() error {
	if c > ZSTANDARD {
		return fmt.Errorf("unknown codec %d", byte(c))
	}
	return nil
}

// ParseCodec parses a Codec from its name (case insensitive).
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return NONE, nil
	case "gzip":
		return GZIP, nil
	case "snappy":
		return SNAPPY, nil
	case "zstd", "zstandard":
		return ZSTANDARD, nil
	default:
		return NONE, fmt.Errorf("unsupported codec %q", name)
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case NONE:
		return io.NopCloser(r), nil
	case GZIP:
		return gzip.NewReader(r)
	case SNAPPY:
		return io.NopCloser(snappy.NewReader(r)), nil
	case ZSTANDARD:
		var d, err = zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{d}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case NONE:
		return nopWriteCloser{w}, nil
	case GZIP:
		return gzip.NewWriter(w), nil
	case SNAPPY:
		return snappy.NewBufferedWriter(w), nil
	case ZSTANDARD:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// Compress |b| with the Codec, returning the compressed bytes.
func Compress(codec Codec, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(b); err != nil {
		return nil, err
	} else if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress |b| which was compressed with the Codec.
func Decompress(codec Codec, b []byte) ([]byte, error) {
	var r, err = NewCodecReader(bytes.NewReader(b), codec)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstdReadCloser adapts *zstd.Decoder, whose Close doesn't return an error.
type zstdReadCloser struct{ *zstd.Decoder }

func (r zstdReadCloser) Close() error {
	r.Decoder.Close()
	return nil
}
