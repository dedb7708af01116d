// Package container wraps encoded model buffers in an optional framed
// snappy stream. Unwrap detects the stream by its magic chunk, so plain
// buffers pass through untouched.
package container

import (
	"bytes"
	"io"

	"github.com/golang/snappy"

	"github.com/modelup/modelup/internal/config"
	uperrors "github.com/modelup/modelup/internal/errors"
)

// streamMagic is the stream identifier chunk every framed snappy stream
// starts with.
var streamMagic = []byte("\xff\x06\x00\x00sNaPpY")

// IsSnappy reports whether data starts with a framed snappy stream.
func IsSnappy(data []byte) bool {
	return bytes.HasPrefix(data, streamMagic)
}

// Wrap encodes data with the given compression.
func Wrap(data []byte, compression config.Compression) ([]byte, error) {
	switch compression {
	case "", config.CompressionNone:
		return data, nil
	case config.CompressionSnappy:
		var buf bytes.Buffer
		w := snappy.NewBufferedWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, uperrors.NewInternalError("container: snappy compress failed", err)
		}
		if err := w.Close(); err != nil {
			return nil, uperrors.NewInternalError("container: snappy compress failed", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, uperrors.NewConfigError("container: unknown compression "+string(compression), nil)
	}
}

// Unwrap returns the model buffer inside data and the compression it was
// stored with.
func Unwrap(data []byte) ([]byte, config.Compression, error) {
	if !IsSnappy(data) {
		return data, config.CompressionNone, nil
	}
	raw, err := io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, "", uperrors.CorruptBuffer("container: snappy decompress failed: %v", err)
	}
	return raw, config.CompressionSnappy, nil
}
