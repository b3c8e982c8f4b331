// Package exporter walks the wallet store and produces integrity-checked, resumable,
// chunked snapshots.
package exporter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"time"

	"walletsync/internal/codec"
	"walletsync/internal/contextutil"
	"walletsync/internal/kvstore"
	"walletsync/internal/storage"
)

const (
	// DefaultTargetChunkBytes keeps a chunk, once base64-encoded into a JSON body,
	// below the proxy's 4.5 MB request ceiling.
	DefaultTargetChunkBytes = 3 * 1024 * 1024

	fullCheckpointEvery      = 100
	partitionCheckpointEvery = 50
)

// Partitioner reports whether key belongs to partitionID.
type Partitioner func(key []byte, partitionID string) bool

// PrefixPartitioner matches keys whose first '/'-separated segment equals the partition id.
func PrefixPartitioner(key []byte, partitionID string) bool {
	p, ok := kvstore.PartitionOf(key)
	return ok && p == partitionID
}

// Chunk is one sealed piece of a snapshot.
type Chunk struct {
	Index       int
	Data        []byte // NDJSON
	Hash        string // SHA-256 hex of Data
	RecordCount int
}

// Export is the result of a snapshot export.
type Export struct {
	Manifest    *codec.Manifest
	Chunks      []Chunk // chunks sealed by this run; a resumed run omits the ones sealed before
	RecordCount int
	TotalBytes  int
	Resumed     bool
}

// ChunkFunc is called for every sealed chunk, before the chunk counts as exported.
// Returning an error aborts the export; the chunk is produced again on resume.
type ChunkFunc func(ctx context.Context, chunk Chunk, timestamp int64) error

// Config holds exporter settings.
type Config struct {
	TargetChunkBytes int
	Partitioner      Partitioner
	Now              func() time.Time
}

// Exporter produces snapshots of the wallet store.
type Exporter struct {
	store       kvstore.Store
	cursors     storage.CursorStore
	targetBytes int
	partitioner Partitioner
	now         func() time.Time
}

// New creates a new Exporter.
func New(store kvstore.Store, cursors storage.CursorStore, cfg Config) *Exporter {
	e := &Exporter{
		store:       store,
		cursors:     cursors,
		targetBytes: cfg.TargetChunkBytes,
		partitioner: cfg.Partitioner,
		now:         cfg.Now,
	}
	if e.targetBytes <= 0 {
		e.targetBytes = DefaultTargetChunkBytes
	}
	if e.partitioner == nil {
		e.partitioner = PrefixPartitioner
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ExportSnapshot exports the store (or one partition of it) for scopeID.
// It returns nil, nil when there is nothing to export.
func (e *Exporter) ExportSnapshot(ctx context.Context, scopeID, partitionID string) (*Export, error) {
	return e.Export(ctx, scopeID, partitionID, nil)
}

// ClearCursor drops the saved resume point so the next export starts cold.
func (e *Exporter) ClearCursor(ctx context.Context, scopeID, partitionID string) error {
	return e.cursors.Delete(ctx, scopeID, partitionID)
}

// run holds the mutable state of one export pass.
type run struct {
	state      *cursor
	digest     hash.Hash
	buf        []byte
	bufRecords int
	bufLastKey []byte
	chunks     []Chunk
	savedKey   []byte
}

// Export walks the store in key order and seals chunks by byte budget, calling onChunk
// (if set) for each. Progress is checkpointed every 100 walked records (50 for a
// partition export) so an interrupted export resumes after the last sealed chunk.
func (e *Exporter) Export(ctx context.Context, scopeID, partitionID string, onChunk ChunkFunc) (*Export, error) {
	logger := contextutil.LoggerFromContext(ctx).With("scope_id", scopeID, "partition_id", partitionID)

	r, resumed, err := e.loadRun(ctx, logger, scopeID, partitionID)
	if err != nil {
		return nil, err
	}

	every := fullCheckpointEvery
	if partitionID != "" {
		every = partitionCheckpointEvery
	}

	it, err := e.store.IterateAfter(r.state.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open store iterator: %w", err)
	}
	defer it.Release()

	walked := 0
	for {
		if err := ctx.Err(); err != nil {
			logger.InfoContext(ctx, "export cancelled", "walked", walked, "chunks", len(r.chunks))
			return nil, fmt.Errorf("export cancelled: %w", err)
		}
		if !it.Next() {
			break
		}
		walked++
		key := it.Key()

		if partitionID == "" || e.partitioner(key, partitionID) {
			line := codec.EncodeRecordLine(codec.Record{Key: key, Value: it.Value()})
			if len(r.buf) > 0 && len(r.buf)+len(line) > e.targetBytes {
				if err := e.seal(ctx, r, onChunk); err != nil {
					return nil, err
				}
			}
			r.buf = append(r.buf, line...)
			r.bufRecords++
			r.bufLastKey = append(r.bufLastKey[:0], key...)
		} else if len(r.buf) == 0 {
			// nothing unsealed precedes this key, so the cursor may move past it
			r.state.Key = append([]byte(nil), key...)
		}

		if walked%every == 0 {
			if err := e.checkpoint(ctx, r, scopeID, partitionID); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to walk store: %w", err)
	}

	if len(r.buf) > 0 {
		if err := e.seal(ctx, r, onChunk); err != nil {
			return nil, err
		}
	}

	if err := e.cursors.Delete(ctx, scopeID, partitionID); err != nil {
		return nil, fmt.Errorf("failed to clear export cursor: %w", err)
	}

	if r.state.RecordCount == 0 {
		logger.DebugContext(ctx, "nothing to export")
		return nil, nil
	}

	manifest := &codec.Manifest{
		Version:     codec.ManifestVersion,
		Timestamp:   r.state.Timestamp,
		RecordCount: r.state.RecordCount,
		TotalBytes:  r.state.TotalBytes,
		ChunkCount:  r.state.NextIndex,
		ChunkHashes: r.state.ChunkHashes,
		OverallHash: hex.EncodeToString(r.digest.Sum(nil)),
		PartitionID: partitionID,
	}

	logger.InfoContext(ctx, "export completed",
		"records", manifest.RecordCount,
		"chunks", manifest.ChunkCount,
		"bytes", manifest.TotalBytes,
		"resumed", resumed,
	)

	return &Export{
		Manifest:    manifest,
		Chunks:      r.chunks,
		RecordCount: manifest.RecordCount,
		TotalBytes:  manifest.TotalBytes,
		Resumed:     resumed,
	}, nil
}

func (e *Exporter) loadRun(ctx context.Context, logger *slog.Logger, scopeID, partitionID string) (*run, bool, error) {
	fresh := &run{
		state:  &cursor{Timestamp: e.now().UnixMilli()},
		digest: sha256.New(),
	}

	raw, err := e.cursors.Get(ctx, scopeID, partitionID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load export cursor: %w", err)
	}
	if raw == nil {
		return fresh, false, nil
	}

	state, err := decodeCursor(raw)
	if err == nil {
		var digest hash.Hash
		digest, err = restoreDigest(state.Digest)
		if err == nil {
			logger.InfoContext(ctx, "resuming export", "next_chunk", state.NextIndex, "records", state.RecordCount)
			return &run{state: state, digest: digest, savedKey: state.Key}, true, nil
		}
	}

	logger.WarnContext(ctx, "discarding unreadable export cursor", "error", err)
	if err := e.cursors.Delete(ctx, scopeID, partitionID); err != nil {
		return nil, false, fmt.Errorf("failed to clear export cursor: %w", err)
	}
	return fresh, false, nil
}

func (e *Exporter) seal(ctx context.Context, r *run, onChunk ChunkFunc) error {
	data := make([]byte, len(r.buf))
	copy(data, r.buf)

	chunk := Chunk{
		Index:       r.state.NextIndex,
		Data:        data,
		Hash:        codec.SHA256Hex(data),
		RecordCount: r.bufRecords,
	}
	if onChunk != nil {
		if err := onChunk(ctx, chunk, r.state.Timestamp); err != nil {
			return fmt.Errorf("chunk %d handler failed: %w", chunk.Index, err)
		}
	}

	_, _ = r.digest.Write(data)
	r.state.NextIndex++
	r.state.ChunkHashes = append(r.state.ChunkHashes, chunk.Hash)
	r.state.RecordCount += chunk.RecordCount
	r.state.TotalBytes += len(data)
	r.state.Key = append([]byte(nil), r.bufLastKey...)
	r.chunks = append(r.chunks, chunk)

	r.buf = r.buf[:0]
	r.bufRecords = 0
	return nil
}

func (e *Exporter) checkpoint(ctx context.Context, r *run, scopeID, partitionID string) error {
	if r.state.Key == nil || bytes.Equal(r.state.Key, r.savedKey) {
		return nil
	}

	digest, err := marshalDigest(r.digest)
	if err != nil {
		return err
	}
	r.state.Digest = digest

	data, err := encodeCursor(r.state)
	if err != nil {
		return err
	}
	if err := e.cursors.Save(ctx, scopeID, partitionID, data); err != nil {
		return fmt.Errorf("failed to save export cursor: %w", err)
	}
	r.savedKey = append([]byte(nil), r.state.Key...)
	return nil
}
