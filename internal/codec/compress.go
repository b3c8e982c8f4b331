package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Format identifies how a chunk payload is encoded on the wire.
type Format string

const (
	// FormatNDJSON is the uncompressed record stream.
	FormatNDJSON Format = "ndjson"
	// FormatGzip is a gzip-compressed record stream.
	FormatGzip Format = "gzip"
	// FormatSnappy is a snappy block-compressed record stream.
	FormatSnappy Format = "snappy"
)

// ParseFormat maps a format indicator to a Format. The empty string means FormatNDJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatNDJSON:
		return FormatNDJSON, nil
	case FormatGzip:
		return FormatGzip, nil
	case FormatSnappy:
		return FormatSnappy, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", s)
	}
}

// Compress encodes data with the given format.
func Compress(format Format, data []byte) ([]byte, error) {
	switch format {
	case "", FormatNDJSON:
		return data, nil
	case FormatSnappy:
		return snappy.Encode(nil, data), nil
	case FormatGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to gzip payload: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// Decompress reverses Compress.
func Decompress(format Format, data []byte) ([]byte, error) {
	switch format {
	case "", FormatNDJSON:
		return data, nil
	case FormatSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy payload: %w", err)
		}
		return out, nil
	case FormatGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer func() {
			_ = zr.Close()
		}()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}
