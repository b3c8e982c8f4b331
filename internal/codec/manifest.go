package codec

import "fmt"

// ManifestVersion is the current manifest wire version.
const ManifestVersion = 2

// Manifest describes a snapshot: its chunk layout and integrity hashes.
// Timestamp (milliseconds since epoch) identifies the snapshot and orders snapshots of one scope.
type Manifest struct {
	Version     int      `json:"version"`
	Timestamp   int64    `json:"ts"`
	RecordCount int      `json:"recordCount"`
	TotalBytes  int      `json:"totalBytes"`
	ChunkCount  int      `json:"chunkCount"`
	ChunkHashes []string `json:"chunkHashes"`
	OverallHash string   `json:"overallHash,omitempty"`
	PartitionID string   `json:"partitionId,omitempty"`
}

// Validate checks the manifest's internal consistency.
func (m *Manifest) Validate() error {
	if m.Timestamp <= 0 {
		return fmt.Errorf("manifest timestamp must be positive")
	}
	if m.ChunkCount < 0 || m.RecordCount < 0 || m.TotalBytes < 0 {
		return fmt.Errorf("manifest counts must not be negative")
	}
	if len(m.ChunkHashes) != 0 && len(m.ChunkHashes) != m.ChunkCount {
		return fmt.Errorf("manifest lists %d chunk hashes for %d chunks", len(m.ChunkHashes), m.ChunkCount)
	}
	return nil
}

// ChunkHash returns the expected digest of chunk i, or "" when the manifest carries none.
func (m *Manifest) ChunkHash(i int) string {
	if i < 0 || i >= len(m.ChunkHashes) {
		return ""
	}
	return m.ChunkHashes[i]
}
