package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RemoteStore is the blob store behind the reference sync backend.
type RemoteStore interface {
	PutChunk(ctx context.Context, chunk *RemoteChunk) error
	// ListChunks returns the chunks of one snapshot ordered by their position index/total.
	ListChunks(ctx context.Context, scopeID, partitionID string, ts int64) ([]*RemoteChunk, error)
	// GetChunk returns the chunk at position index of the finalized layout.
	GetChunk(ctx context.Context, scopeID, partitionID string, ts int64, index int) (*RemoteChunk, error)
	PutManifest(ctx context.Context, scopeID, partitionID string, ts int64, manifestJSON string) error
	// GetManifest returns the latest finalized manifest JSON. Returns ErrNotFound if none.
	GetManifest(ctx context.Context, scopeID, partitionID string) (string, error)
	// DeleteChunksBefore drops chunks of snapshots older than ts.
	DeleteChunksBefore(ctx context.Context, scopeID, partitionID string, ts int64) error
	PutBackup(ctx context.Context, backup *RemoteBackup) error
	// GetBackup returns the backup of a scope. Returns ErrNotFound if none.
	GetBackup(ctx context.Context, scopeID string) (*RemoteBackup, error)
}

// RemoteRepo provides methods for the reference backend's blob tables.
type RemoteRepo struct {
	db *sql.DB
}

// NewRemoteRepo creates a new RemoteRepo.
func NewRemoteRepo(db *sql.DB) *RemoteRepo {
	return &RemoteRepo{db: db}
}

func (r *RemoteRepo) PutChunk(ctx context.Context, chunk *RemoteChunk) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO remote_chunks (scope_id, partition_id, ts, chunk_index, total_chunks, data, hash) VALUES (?, ?, ?, ?, ?, ?, ?)",
		chunk.ScopeID, chunk.PartitionID, chunk.Timestamp, chunk.ChunkIndex, chunk.TotalChunks, chunk.Data, chunk.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to put chunk: %w", err)
	}
	return nil
}

// ListChunks returns the chunks of one snapshot ordered by their position index/total.
// Pieces of a split chunk use (index*p+i, total*p), so ordering by the ratio interleaves
// them exactly where the unsplit chunk would have been.
func (r *RemoteRepo) ListChunks(ctx context.Context, scopeID, partitionID string, ts int64) ([]*RemoteChunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT scope_id, partition_id, ts, chunk_index, total_chunks, data, hash FROM remote_chunks
		WHERE scope_id = ? AND partition_id = ? AND ts = ?
		ORDER BY CAST(chunk_index AS REAL) / total_chunks`,
		scopeID, partitionID, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var chunks []*RemoteChunk
	for rows.Next() {
		var c RemoteChunk
		if err := rows.Scan(&c.ScopeID, &c.PartitionID, &c.Timestamp, &c.ChunkIndex, &c.TotalChunks, &c.Data, &c.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return chunks, nil
}

// GetChunk returns the chunk at position index of the finalized layout.
func (r *RemoteRepo) GetChunk(ctx context.Context, scopeID, partitionID string, ts int64, index int) (*RemoteChunk, error) {
	var c RemoteChunk
	err := r.db.QueryRowContext(ctx,
		`SELECT scope_id, partition_id, ts, chunk_index, total_chunks, data, hash FROM remote_chunks
		WHERE scope_id = ? AND partition_id = ? AND ts = ?
		ORDER BY CAST(chunk_index AS REAL) / total_chunks
		LIMIT 1 OFFSET ?`,
		scopeID, partitionID, ts, index,
	).Scan(&c.ScopeID, &c.PartitionID, &c.Timestamp, &c.ChunkIndex, &c.TotalChunks, &c.Data, &c.Hash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	return &c, nil
}

func (r *RemoteRepo) PutManifest(ctx context.Context, scopeID, partitionID string, ts int64, manifestJSON string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO remote_manifests (scope_id, partition_id, ts, manifest) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope_id, partition_id) DO UPDATE SET ts = excluded.ts, manifest = excluded.manifest`,
		scopeID, partitionID, ts, manifestJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to put manifest: %w", err)
	}
	return nil
}

// GetManifest returns the latest finalized manifest JSON. Returns ErrNotFound if none.
func (r *RemoteRepo) GetManifest(ctx context.Context, scopeID, partitionID string) (string, error) {
	var manifest string
	err := r.db.QueryRowContext(ctx,
		"SELECT manifest FROM remote_manifests WHERE scope_id = ? AND partition_id = ?",
		scopeID, partitionID,
	).Scan(&manifest)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query manifest: %w", err)
	}
	return manifest, nil
}

// DeleteChunksBefore drops chunks of snapshots older than ts.
func (r *RemoteRepo) DeleteChunksBefore(ctx context.Context, scopeID, partitionID string, ts int64) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM remote_chunks WHERE scope_id = ? AND partition_id = ? AND ts < ?",
		scopeID, partitionID, ts,
	); err != nil {
		return fmt.Errorf("failed to prune chunks: %w", err)
	}
	return nil
}

func (r *RemoteRepo) PutBackup(ctx context.Context, backup *RemoteBackup) error {
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO remote_backups (scope_id, backup_id, data, hash, record_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		backup.ScopeID, backup.BackupID, backup.Data, backup.Hash, backup.RecordCount, backup.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put backup: %w", err)
	}
	return nil
}

// GetBackup returns the backup of a scope. Returns ErrNotFound if none.
func (r *RemoteRepo) GetBackup(ctx context.Context, scopeID string) (*RemoteBackup, error) {
	var b RemoteBackup
	var createdAt int64
	err := r.db.QueryRowContext(ctx,
		"SELECT scope_id, backup_id, data, hash, record_count, created_at FROM remote_backups WHERE scope_id = ?",
		scopeID,
	).Scan(&b.ScopeID, &b.BackupID, &b.Data, &b.Hash, &b.RecordCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query backup: %w", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt)
	return &b, nil
}
