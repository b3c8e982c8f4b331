package exporter

import (
	"crypto/sha256"
	"encoding"
	"encoding/json"
	"fmt"
	"hash"
)

const cursorVersion = 1

// cursor is the persisted resume point of an export. It is stored opaquely by the
// bookkeeping database. Besides the last covered key it carries everything needed to
// continue the same snapshot: its timestamp, the next chunk index, the hashes of the
// chunks already sealed and the running overall digest.
type cursor struct {
	Version     int      `json:"v"`
	Key         []byte   `json:"key"`
	Timestamp   int64    `json:"ts"`
	NextIndex   int      `json:"next"`
	ChunkHashes []string `json:"hashes"`
	RecordCount int      `json:"records"`
	TotalBytes  int      `json:"bytes"`
	Digest      []byte   `json:"digest"`
}

func encodeCursor(c *cursor) ([]byte, error) {
	c.Version = cursorVersion
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export cursor: %w", err)
	}
	return data, nil
}

func decodeCursor(data []byte) (*cursor, error) {
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode export cursor: %w", err)
	}
	if c.Version != cursorVersion {
		return nil, fmt.Errorf("unsupported export cursor version %d", c.Version)
	}
	if len(c.ChunkHashes) != c.NextIndex {
		return nil, fmt.Errorf("export cursor lists %d hashes for %d chunks", len(c.ChunkHashes), c.NextIndex)
	}
	return &c, nil
}

func marshalDigest(h hash.Hash) ([]byte, error) {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("digest state is not serializable")
	}
	return m.MarshalBinary()
}

func restoreDigest(state []byte) (hash.Hash, error) {
	h := sha256.New()
	if len(state) == 0 {
		return h, nil
	}
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("digest state is not restorable")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("failed to restore digest state: %w", err)
	}
	return h, nil
}
