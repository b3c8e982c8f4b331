package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_queue_store.go -package=mocks walletsync/internal/storage QueueStore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueueStore defines the interface for offline queue storage operations.
type QueueStore interface {
	// Put inserts or replaces an item by ID.
	Put(ctx context.Context, item *QueueItem) error
	// Get gets an item by ID. Returns ErrNotFound if not found.
	Get(ctx context.Context, id string) (*QueueItem, error)
	// ListPending returns pending items, oldest timestamp first.
	ListPending(ctx context.Context) ([]*QueueItem, error)
	// UpdateAttempt records the outcome of a failed delivery attempt.
	UpdateAttempt(ctx context.Context, item *QueueItem) error
	// Delete removes an item. Deleting a missing item is not an error.
	Delete(ctx context.Context, id string) error
	// ListSizesByAge returns every item's size, oldest timestamp first.
	ListSizesByAge(ctx context.Context) ([]QueueItemSize, error)
	// TotalBytes sums the serialized size of all items.
	TotalBytes(ctx context.Context) (int64, error)
	// Counts aggregates status counts and sizes.
	Counts(ctx context.Context) (QueueCounts, error)
	// ResetFailed moves failed items back to pending with a zero retry count.
	ResetFailed(ctx context.Context) (int, error)
	// Clear removes every item.
	Clear(ctx context.Context) error
}

// QueueRepo provides methods for queue operations.
// It implements the QueueStore interface.
type QueueRepo struct {
	db *sql.DB
}

// NewQueueRepo creates a new QueueRepo.
func NewQueueRepo(db *sql.DB) *QueueRepo {
	return &QueueRepo{db: db}
}

const queueColumns = "id, scope_id, partition_id, timestamp, chunk_index, total_chunks, data, hash, status, retry_count, last_error, last_attempt, size_bytes"

// Put inserts or replaces an item by ID.
func (r *QueueRepo) Put(ctx context.Context, item *QueueItem) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO queue_items ("+queueColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		item.ID, item.ScopeID, item.PartitionID, item.Timestamp, item.ChunkIndex, item.TotalChunks,
		item.Data, item.Hash, string(item.Status), item.RetryCount, item.LastError,
		unixMillis(item.LastAttempt), item.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to put queue item: %w", err)
	}
	return nil
}

// Get gets an item by ID. Returns ErrNotFound if not found.
func (r *QueueRepo) Get(ctx context.Context, id string) (*QueueItem, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+queueColumns+" FROM queue_items WHERE id = ?", id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue item: %w", err)
	}
	return item, nil
}

// ListPending returns pending items, oldest timestamp first.
func (r *QueueRepo) ListPending(ctx context.Context) ([]*QueueItem, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+queueColumns+" FROM queue_items WHERE status = ? ORDER BY timestamp, chunk_index",
		string(QueueStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue items: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return items, nil
}

// UpdateAttempt records the outcome of a failed delivery attempt.
func (r *QueueRepo) UpdateAttempt(ctx context.Context, item *QueueItem) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE queue_items SET status = ?, retry_count = ?, last_error = ?, last_attempt = ? WHERE id = ?",
		string(item.Status), item.RetryCount, item.LastError, unixMillis(item.LastAttempt), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an item. Deleting a missing item is not an error.
func (r *QueueRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return nil
}

// ListSizesByAge returns every item's size, oldest timestamp first.
func (r *QueueRepo) ListSizesByAge(ctx context.Context) ([]QueueItemSize, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, timestamp, size_bytes FROM queue_items ORDER BY timestamp, chunk_index",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue sizes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var sizes []QueueItemSize
	for rows.Next() {
		var s QueueItemSize
		if err := rows.Scan(&s.ID, &s.Timestamp, &s.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan queue size: %w", err)
		}
		sizes = append(sizes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return sizes, nil
}

// TotalBytes sums the serialized size of all items.
func (r *QueueRepo) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size_bytes), 0) FROM queue_items").Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum queue sizes: %w", err)
	}
	return total, nil
}

// Counts aggregates status counts and sizes.
func (r *QueueRepo) Counts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := r.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(MIN(timestamp), 0)
		FROM queue_items`,
	).Scan(&c.Pending, &c.Failed, &c.TotalBytes, &c.OldestTimestamp)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	return c, nil
}

// ResetFailed moves failed items back to pending with a zero retry count.
func (r *QueueRepo) ResetFailed(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE queue_items SET status = ?, retry_count = 0, last_attempt = 0 WHERE status = ?",
		string(QueueStatusPending), string(QueueStatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed queue items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset count: %w", err)
	}
	return int(n), nil
}

// Clear removes every item.
func (r *QueueRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM queue_items"); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var status string
	var lastAttempt int64
	err := row.Scan(&item.ID, &item.ScopeID, &item.PartitionID, &item.Timestamp, &item.ChunkIndex,
		&item.TotalChunks, &item.Data, &item.Hash, &status, &item.RetryCount, &item.LastError,
		&lastAttempt, &item.SizeBytes)
	if err != nil {
		return nil, err
	}
	item.Status = QueueStatus(status)
	item.LastAttempt = fromUnixMillis(lastAttempt)
	return &item, nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
