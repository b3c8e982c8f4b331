package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CursorStore persists export cursors per (scope, partition).
// The empty partition id denotes a full-store export.
type CursorStore interface {
	// Get returns the saved cursor key, or nil if none.
	Get(ctx context.Context, scopeID, partitionID string) ([]byte, error)
	Save(ctx context.Context, scopeID, partitionID string, key []byte) error
	Delete(ctx context.Context, scopeID, partitionID string) error
	// DeleteScope removes every cursor of a scope.
	DeleteScope(ctx context.Context, scopeID string) error
}

// CursorRepo provides methods for export cursor operations.
type CursorRepo struct {
	db *sql.DB
}

// NewCursorRepo creates a new CursorRepo.
func NewCursorRepo(db *sql.DB) *CursorRepo {
	return &CursorRepo{db: db}
}

// Get returns the saved cursor key, or nil if none.
func (r *CursorRepo) Get(ctx context.Context, scopeID, partitionID string) ([]byte, error) {
	var key []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT cursor_key FROM export_cursors WHERE scope_id = ? AND partition_id = ?",
		scopeID, partitionID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query export cursor: %w", err)
	}
	return key, nil
}

func (r *CursorRepo) Save(ctx context.Context, scopeID, partitionID string, key []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO export_cursors (scope_id, partition_id, cursor_key, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope_id, partition_id) DO UPDATE SET cursor_key = excluded.cursor_key, updated_at = excluded.updated_at`,
		scopeID, partitionID, key, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save export cursor: %w", err)
	}
	return nil
}

func (r *CursorRepo) Delete(ctx context.Context, scopeID, partitionID string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM export_cursors WHERE scope_id = ? AND partition_id = ?", scopeID, partitionID,
	); err != nil {
		return fmt.Errorf("failed to delete export cursor: %w", err)
	}
	return nil
}

// DeleteScope removes every cursor of a scope.
func (r *CursorRepo) DeleteScope(ctx context.Context, scopeID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM export_cursors WHERE scope_id = ?", scopeID); err != nil {
		return fmt.Errorf("failed to delete export cursors: %w", err)
	}
	return nil
}
