package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HydrationStateStore defines the interface for persisted hydration progress.
type HydrationStateStore interface {
	// Get returns the state for a scope key. Returns ErrNotFound if none was saved.
	Get(ctx context.Context, scopeKey string) (*HydrationState, error)
	// Save inserts or replaces the state for state.ScopeKey.
	Save(ctx context.Context, state *HydrationState) error
	// Delete removes the state for a scope key.
	Delete(ctx context.Context, scopeKey string) error
	// DeleteByPrefix removes every state whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// HydrationRepo provides methods for hydration state operations.
// It implements the HydrationStateStore interface.
type HydrationRepo struct {
	db *sql.DB
}

// NewHydrationRepo creates a new HydrationRepo.
func NewHydrationRepo(db *sql.DB) *HydrationRepo {
	return &HydrationRepo{db: db}
}

// Get returns the state for a scope key. Returns ErrNotFound if none was saved.
func (r *HydrationRepo) Get(ctx context.Context, scopeKey string) (*HydrationState, error) {
	var state HydrationState
	var status, errorsJSON string
	var updatedAt int64

	err := r.db.QueryRowContext(ctx,
		"SELECT scope_key, status, progress, last_chunk, total_chunks, latest_ts, errors, updated_at FROM hydration_states WHERE scope_key = ?",
		scopeKey,
	).Scan(&state.ScopeKey, &status, &state.Progress, &state.LastChunk, &state.TotalChunks, &state.LatestTS, &errorsJSON, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query hydration state: %w", err)
	}

	if err := json.Unmarshal([]byte(errorsJSON), &state.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode hydration errors: %w", err)
	}
	state.Status = HydrationStatus(status)
	state.UpdatedAt = time.UnixMilli(updatedAt)

	return &state, nil
}

// Save inserts or replaces the state for state.ScopeKey.
func (r *HydrationRepo) Save(ctx context.Context, state *HydrationState) error {
	errs := state.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode hydration errors: %w", err)
	}

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO hydration_states (scope_key, status, progress, last_chunk, total_chunks, latest_ts, errors, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_key) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			last_chunk = excluded.last_chunk,
			total_chunks = excluded.total_chunks,
			latest_ts = excluded.latest_ts,
			errors = excluded.errors,
			updated_at = excluded.updated_at`,
		state.ScopeKey, string(state.Status), state.Progress, state.LastChunk, state.TotalChunks,
		state.LatestTS, string(errorsJSON), state.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save hydration state: %w", err)
	}
	return nil
}

// Delete removes the state for a scope key.
func (r *HydrationRepo) Delete(ctx context.Context, scopeKey string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM hydration_states WHERE scope_key = ?", scopeKey); err != nil {
		return fmt.Errorf("failed to delete hydration state: %w", err)
	}
	return nil
}

// DeleteByPrefix removes every state whose key starts with prefix.
func (r *HydrationRepo) DeleteByPrefix(ctx context.Context, prefix string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM hydration_states WHERE substr(scope_key, 1, length(?)) = ?", prefix, prefix,
	); err != nil {
		return fmt.Errorf("failed to delete hydration states: %w", err)
	}
	return nil
}
