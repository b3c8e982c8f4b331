// Package queue buffers chunk uploads that failed on the network and redelivers them with
// exponential backoff under a hard size budget.
package queue

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_uploader.go -package=mocks walletsync/internal/queue Uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"walletsync/internal/contextutil"
	"walletsync/internal/metrics"
	"walletsync/internal/storage"
)

const (
	DefaultMaxBytes    int64 = 200 * 1000 * 1000
	DefaultMaxRetries        = 3
	DefaultBaseBackoff       = time.Second
)

// Uploader delivers a queued chunk. It must not enqueue on failure.
type Uploader interface {
	Redeliver(ctx context.Context, item *storage.QueueItem) error
}

// Config holds queue settings. Zero values take the defaults.
type Config struct {
	MaxBytes    int64
	MaxRetries  int
	BaseBackoff time.Duration
	Now         func() time.Time
	Metrics     *metrics.Metrics
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending         int   `json:"pending"`
	Failed          int   `json:"failed"`
	TotalBytes      int64 `json:"totalBytes"`
	OldestTimestamp int64 `json:"oldestTimestamp,omitempty"`
}

// ProcessResult summarizes one drain pass.
type ProcessResult struct {
	Attempted int
	Delivered int
	Retrying  int
	Failed    int // items that became terminal in this pass
	NotDue    int
	Busy      bool // another pass was already running
}

// Queue is the offline upload queue.
type Queue struct {
	store       storage.QueueStore
	uploader    Uploader
	maxBytes    int64
	maxRetries  int
	baseBackoff time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics

	processing sync.Mutex
}

// New creates a new Queue.
func New(store storage.QueueStore, uploader Uploader, cfg Config) *Queue {
	q := &Queue{
		store:       store,
		uploader:    uploader,
		maxBytes:    cfg.MaxBytes,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
	}
	if q.maxBytes <= 0 {
		q.maxBytes = DefaultMaxBytes
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = DefaultBaseBackoff
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// ItemID builds the composite queue key of a chunk.
func ItemID(scopeID, partitionID string, timestamp int64, chunkIndex int) string {
	return fmt.Sprintf("%s:%s:%d:%d", scopeID, partitionID, timestamp, chunkIndex)
}

// Enqueue persists item as pending with a zero retry count, then evicts the oldest items
// while the queue is over its size budget. An item with the same ID is replaced.
func (q *Queue) Enqueue(ctx context.Context, item *storage.QueueItem) error {
	stored := *item
	stored.ID = ItemID(item.ScopeID, item.PartitionID, item.Timestamp, item.ChunkIndex)
	stored.Status = storage.QueueStatusPending
	stored.RetryCount = 0
	stored.LastError = ""
	stored.LastAttempt = time.Time{}

	size, err := serializedSize(&stored)
	if err != nil {
		return err
	}
	stored.SizeBytes = size

	if err := q.store.Put(ctx, &stored); err != nil {
		return fmt.Errorf("failed to enqueue chunk %s: %w", stored.ID, err)
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "chunk queued for redelivery",
		"item_id", stored.ID,
		"size_bytes", size,
	)

	if _, err := q.enforceLimit(ctx); err != nil {
		return err
	}
	return nil
}

func serializedSize(item *storage.QueueItem) (int64, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue item: %w", err)
	}
	return int64(len(b)), nil
}

// enforceLimit deletes items oldest-timestamp first until the total size is within budget.
func (q *Queue) enforceLimit(ctx context.Context) (int, error) {
	sizes, err := q.store.ListSizesByAge(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue sizes: %w", err)
	}

	var total int64
	for _, s := range sizes {
		total += s.SizeBytes
	}

	evicted := 0
	for _, s := range sizes {
		if total <= q.maxBytes {
			break
		}
		if err := q.store.Delete(ctx, s.ID); err != nil {
			return evicted, fmt.Errorf("failed to evict queue item %s: %w", s.ID, err)
		}
		total -= s.SizeBytes
		evicted++
	}

	if evicted > 0 {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "queue over budget, evicted oldest items",
			"evicted", evicted,
			"total_bytes", total,
			"max_bytes", q.maxBytes,
		)
		q.metrics.QueueEvicted(evicted)
	}
	return evicted, nil
}

// due reports whether item has waited base*2^retryCount since its last attempt.
func (q *Queue) due(item *storage.QueueItem, now time.Time) bool {
	if item.LastAttempt.IsZero() {
		return true
	}
	return now.Sub(item.LastAttempt) >= q.baseBackoff<<item.RetryCount
}

// Process makes one pass over the pending items. A failing item never stops the pass;
// the only error returned is a failure to list the queue.
func (q *Queue) Process(ctx context.Context) (ProcessResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if !q.processing.TryLock() {
		return ProcessResult{Busy: true}, nil
	}
	defer q.processing.Unlock()

	items, err := q.store.ListPending(ctx)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("failed to list pending queue items: %w", err)
	}

	var res ProcessResult
	for _, item := range items {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "queue pass interrupted", "remaining", len(items)-res.Attempted-res.NotDue)
			break
		}

		now := q.now()
		if !q.due(item, now) {
			res.NotDue++
			continue
		}
		res.Attempted++

		deliverErr := q.deliver(ctx, item)
		if deliverErr == nil {
			if err := q.store.Delete(ctx, item.ID); err != nil {
				logger.ErrorContext(ctx, "failed to delete delivered queue item", "item_id", item.ID, "error", err)
			}
			res.Delivered++
			q.metrics.QueueDelivery("delivered")
			continue
		}

		item.RetryCount++
		item.LastAttempt = now
		item.LastError = deliverErr.Error()
		if item.RetryCount >= q.maxRetries {
			item.Status = storage.QueueStatusFailed
			res.Failed++
			q.metrics.QueueDelivery("failed")
			logger.WarnContext(ctx, "queue item failed permanently",
				"item_id", item.ID,
				"retries", item.RetryCount,
				"error", deliverErr,
			)
		} else {
			res.Retrying++
			q.metrics.QueueDelivery("retry")
			logger.DebugContext(ctx, "queue item delivery failed, will retry",
				"item_id", item.ID,
				"retries", item.RetryCount,
				"error", deliverErr,
			)
		}
		if err := q.store.UpdateAttempt(ctx, item); err != nil {
			logger.ErrorContext(ctx, "failed to record queue attempt", "item_id", item.ID, "error", err)
		}
	}

	q.refreshGauges(ctx)
	return res, nil
}

// deliver isolates one delivery so a panicking uploader only fails its own item.
func (q *Queue) deliver(ctx context.Context, item *storage.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("redelivery panicked: %v", r)
		}
	}()
	return q.uploader.Redeliver(ctx, item)
}

// Stats reports pending and failed counts, total bytes and the oldest timestamp.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	c, err := q.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	q.metrics.SetQueue(c.Pending, c.Failed, c.TotalBytes)
	return Stats{
		Pending:         c.Pending,
		Failed:          c.Failed,
		TotalBytes:      c.TotalBytes,
		OldestTimestamp: c.OldestTimestamp,
	}, nil
}

// Clear removes every queued item.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx); err != nil {
		return err
	}
	q.metrics.SetQueue(0, 0, 0)
	return nil
}

// RetryFailed moves terminal items back to pending.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	n, err := q.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		contextutil.LoggerFromContext(ctx).InfoContext(ctx, "failed queue items reset", "count", n)
	}
	return n, nil
}

func (q *Queue) refreshGauges(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if _, err := q.Stats(ctx); err != nil {
		contextutil.LoggerFromContext(ctx).DebugContext(ctx, "failed to refresh queue gauges", "error", err)
	}
}
