package http

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithms.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// codec encodes a request body and names its Content-Encoding.
type codec struct {
	encoding string
	encode   func(data []byte) ([]byte, error)
}

var codecs = map[string]codec{
	CompressionNone:   {encode: identity},
	CompressionGzip:   {encoding: "gzip", encode: streamEncoder(newGzip)},
	CompressionZlib:   {encoding: "deflate", encode: streamEncoder(newZlib)},
	CompressionZstd:   {encoding: "zstd", encode: encodeZstd},
	CompressionSnappy: {encoding: "snappy", encode: encodeSnappy},
}

func codecFor(name string) (codec, error) {
	if name == "" {
		name = CompressionNone
	}

	c, ok := codecs[name]
	if !ok {
		return codec{}, fmt.Errorf("unsupported compression algorithm: %s", name)
	}

	return c, nil
}

func identity(data []byte) ([]byte, error) {
	return data, nil
}

func newGzip(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }
func newZlib(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) }

func streamEncoder(open func(io.Writer) io.WriteCloser) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		var buf bytes.Buffer

		w := open(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compress write: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress close: %w", err)
		}

		return buf.Bytes(), nil
	}
}

// The zstd encoder is costly to build and safe for concurrent
// EncodeAll, so a single one is shared.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdErr     error
)

func encodeZstd(data []byte) ([]byte, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})

	if zstdErr != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", zstdErr)
	}

	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func encodeSnappy(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}
