package transport

import (
	"encoding/json"
	"fmt"

	"walletsync/internal/codec"
)

// Action names understood by the sync endpoint.
const (
	ActionUploadChunk = "uploadChunk"
	ActionFinalize    = "finalize"
	ActionGetManifest = "getManifest"
	ActionGetChunk    = "getChunk"
	ActionGetSnapshot = "getSnapshot"
	ActionPutBackup   = "putBackup"
	ActionGetBackup   = "getBackup"
)

// NotAvailableCode is the error code of a 404 answer for absent snapshots, manifests and backups.
const NotAvailableCode = "not_available"

// UploadChunkRequest is the JSON body of an uploadChunk action.
type UploadChunkRequest struct {
	ScopeID     string `json:"scopeId"`
	PartitionID string `json:"partitionId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"` // base64 NDJSON
	Hash        string `json:"hash"`
}

// FinalizeRequest is the JSON body of a finalize action.
type FinalizeRequest struct {
	ScopeID     string          `json:"scopeId"`
	PartitionID string          `json:"partitionId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Manifest    *codec.Manifest `json:"manifest"`
}

// SuccessResponse is returned by write actions.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of any non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PayloadResponse carries a chunk or a whole snapshot.
// Data is base64 of the payload encoded with Format.
type PayloadResponse struct {
	Timestamp int64  `json:"ts,omitempty"`
	Format    string `json:"format,omitempty"`
	Data      string `json:"data"`
}

// BackupRequest is the JSON body of a putBackup action and the answer of getBackup.
type BackupRequest struct {
	ScopeID     string `json:"scopeId"`
	BackupID    string `json:"backupId"`
	Data        string `json:"data"` // base64 NDJSON
	Hash        string `json:"hash"`
	RecordCount int    `json:"recordCount"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
}

// manifestEnvelope accepts both manifest layouts the backend has served.
// Version 2 uses ts/chunkHashes; older manifests (no version, or 1) used timestamp/hashes.
type manifestEnvelope struct {
	Version     int      `json:"version"`
	TS          int64    `json:"ts"`
	Timestamp   int64    `json:"timestamp"`
	RecordCount int      `json:"recordCount"`
	TotalBytes  int      `json:"totalBytes"`
	ChunkCount  int      `json:"chunkCount"`
	ChunkHashes []string `json:"chunkHashes"`
	Hashes      []string `json:"hashes"`
	OverallHash string   `json:"overallHash"`
	PartitionID string   `json:"partitionId"`
}

// DecodeManifest migrates a manifest body of any known version to the current shape.
func DecodeManifest(data []byte) (*codec.Manifest, error) {
	var env manifestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	m := &codec.Manifest{
		Version:     codec.ManifestVersion,
		RecordCount: env.RecordCount,
		TotalBytes:  env.TotalBytes,
		ChunkCount:  env.ChunkCount,
		OverallHash: env.OverallHash,
		PartitionID: env.PartitionID,
	}

	switch env.Version {
	case 0, 1:
		m.Timestamp = env.Timestamp
		m.ChunkHashes = env.Hashes
		// some legacy writers already used the new field names
		if m.Timestamp == 0 {
			m.Timestamp = env.TS
		}
		if m.ChunkHashes == nil {
			m.ChunkHashes = env.ChunkHashes
		}
	case codec.ManifestVersion:
		m.Timestamp = env.TS
		m.ChunkHashes = env.ChunkHashes
	default:
		return nil, fmt.Errorf("unsupported manifest version %d", env.Version)
	}

	if m.ChunkCount == 0 && len(m.ChunkHashes) > 0 {
		m.ChunkCount = len(m.ChunkHashes)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

// decodePayload unwraps a PayloadResponse into raw NDJSON.
func decodePayload(p *PayloadResponse) ([]byte, error) {
	format, err := codec.ParseFormat(p.Format)
	if err != nil {
		return nil, err
	}
	raw, err := codec.DecodeBase64(p.Data)
	if err != nil {
		return nil, err
	}
	return codec.Decompress(format, raw)
}
