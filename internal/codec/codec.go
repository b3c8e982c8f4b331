// Package codec holds the encoding helpers shared by the exporter, the transport and the
// hydration manager: base64, SHA-256 digests, NDJSON record lines and payload compression.
package codec

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedLine is returned when an NDJSON line cannot be decoded into a Record.
var ErrMalformedLine = errors.New("malformed record line")

// Record is a single key/value pair from the wallet store.
type Record struct {
	Key   []byte
	Value []byte
}

// recordLine is the wire form of a Record.
type recordLine struct {
	KeyB64   string `json:"k_b64"`
	ValueB64 string `json:"v_b64"`
}

// HashMismatchError reports a digest that does not match the expected one.
type HashMismatchError struct {
	Want string
	Got  string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: want %s, got %s", e.Want, e.Got)
}

// EncodeBase64 returns the standard base64 encoding of data.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a standard base64 string.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return data, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash checks data against the expected hex digest.
// An empty want means the producer did not publish a hash and verification is skipped.
func VerifyHash(want string, data []byte) error {
	if want == "" {
		return nil
	}
	got := SHA256Hex(data)
	if got != want {
		return &HashMismatchError{Want: want, Got: got}
	}
	return nil
}

// EncodeRecordLine serializes a record as one NDJSON line, including the trailing newline.
func EncodeRecordLine(rec Record) []byte {
	line, _ := json.Marshal(recordLine{
		KeyB64:   EncodeBase64(rec.Key),
		ValueB64: EncodeBase64(rec.Value),
	})
	return append(line, '\n')
}

// DecodeRecordLine parses a single NDJSON line.
func DecodeRecordLine(line []byte) (Record, error) {
	// k_b64 is a pointer so an empty key is told apart from a missing field
	var rl struct {
		KeyB64   *string `json:"k_b64"`
		ValueB64 string  `json:"v_b64"`
	}
	if err := json.Unmarshal(line, &rl); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if rl.KeyB64 == nil {
		return Record{}, fmt.Errorf("%w: missing k_b64", ErrMalformedLine)
	}
	key, err := DecodeBase64(*rl.KeyB64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	value, err := DecodeBase64(rl.ValueB64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	return Record{Key: key, Value: value}, nil
}

// ParseRecords decodes every non-blank line of an NDJSON payload.
func ParseRecords(data []byte) ([]Record, error) {
	var records []Record
	err := EachRecord(data, func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// EachRecord streams the records of an NDJSON payload to fn, stopping at the first error.
func EachRecord(data []byte, fn func(Record) error) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), math.MaxInt32)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecordLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}
	return nil
}

// SplitLines cuts an NDJSON payload into pieces of at most target bytes, breaking only on
// line boundaries. A single line longer than target becomes its own piece.
// Concatenating the pieces yields the original payload.
func SplitLines(data []byte, target int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if target <= 0 || len(data) <= target {
		return [][]byte{data}
	}

	var pieces [][]byte
	start := 0
	end := 0
	for end < len(data) {
		next := bytes.IndexByte(data[end:], '\n')
		lineEnd := len(data)
		if next >= 0 {
			lineEnd = end + next + 1
		}
		if lineEnd-start > target && end > start {
			pieces = append(pieces, data[start:end])
			start = end
		}
		end = lineEnd
	}
	if end > start {
		pieces = append(pieces, data[start:end])
	}
	return pieces
}
