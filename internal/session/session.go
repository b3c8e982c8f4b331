// Package session wires the sync components around one wallet store. A Session is the
// explicit context object an orchestration layer holds: it owns the stores, the lock set
// and every service built on them.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"walletsync/internal/backup"
	"walletsync/internal/codec"
	"walletsync/internal/config"
	"walletsync/internal/contextutil"
	"walletsync/internal/exporter"
	"walletsync/internal/hydration"
	"walletsync/internal/kvstore"
	"walletsync/internal/metrics"
	"walletsync/internal/queue"
	"walletsync/internal/storage"
	"walletsync/internal/transport"
)

// streamedTotalChunks is the position denominator of a streamed chunk. Chunks are uploaded
// before the exporter knows how many there will be; the backend orders them by index/total.
const streamedTotalChunks = 1

// Config holds the settings of one session.
type Config struct {
	ScopeID      string
	BaseURL      string
	APIKey       string
	WalletDBPath string
	SyncDBPath   string

	ChunkTargetBytes     int
	SplitTargetBytes     int
	QueueMaxBytes        int64
	QueueMaxRetries      int
	QueueBaseBackoff     time.Duration
	HydrationConcurrency int
	HydrationBatchDelay  time.Duration
	// DownloadRetryInterval is the first wait between download retries.
	DownloadRetryInterval time.Duration
	RootKey               []byte
	// MaxBodyBytes is the backend's request ceiling. Backups larger than it are refused.
	MaxBodyBytes int64
}

// ConfigFrom maps the environment configuration onto session settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		ScopeID:              c.WalletID,
		BaseURL:              c.SyncBaseURL,
		APIKey:               c.SyncAPIKey,
		WalletDBPath:         c.WalletDBPath,
		SyncDBPath:           c.SyncDBPath,
		ChunkTargetBytes:     c.ChunkTargetBytes,
		SplitTargetBytes:     c.SplitTargetBytes,
		QueueMaxBytes:        c.QueueMaxBytes,
		QueueMaxRetries:      c.QueueMaxRetries,
		QueueBaseBackoff:     c.QueueBaseBackoff,
		HydrationConcurrency: c.HydrationConcurrency,
		HydrationBatchDelay:  c.HydrationBatchDelay,
		MaxBodyBytes:         c.MaxBodyBytes,
	}
}

// Deps are optional collaborators. Zero values take the defaults.
type Deps struct {
	HTTPClient *http.Client
	// Registerer receives the session's metrics. No metrics are kept when nil.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Session owns the wallet store, the bookkeeping database and the services built on them.
type Session struct {
	scopeID string

	store     *kvstore.LevelDBStore
	db        *sql.DB
	client    *transport.Client
	queue     *queue.Queue
	exporter  *exporter.Exporter
	hydration *hydration.Manager
	backups   *backup.Service

	mu sync.Mutex
	// manifests of exports whose chunks are still in the offline queue, by scope key
	pending map[string]*codec.Manifest
}

// New opens the stores and wires the services. Close releases them.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ScopeID == "" {
		return nil, errors.New("session requires a scope id")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("session requires a sync base url")
	}

	store, err := kvstore.Open(cfg.WalletDBPath)
	if err != nil {
		return nil, err
	}

	db, err := storage.New(cfg.SyncDBPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open sync database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		_ = db.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var m *metrics.Metrics
	if deps.Registerer != nil {
		if m, err = metrics.New(deps.Registerer); err != nil {
			_ = db.Close()
			_ = store.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	client := transport.NewClient(cfg.BaseURL, cfg.APIKey, transport.Config{
		SplitTargetBytes: cfg.SplitTargetBytes,
		RetryInterval:    cfg.DownloadRetryInterval,
		HTTPClient:       deps.HTTPClient,
		Metrics:          m,
	})
	q := queue.New(storage.NewQueueRepo(db), client, queue.Config{
		MaxBytes:    cfg.QueueMaxBytes,
		MaxRetries:  cfg.QueueMaxRetries,
		BaseBackoff: cfg.QueueBaseBackoff,
		Now:         deps.Now,
		Metrics:     m,
	})
	client.SetEnqueuer(q)

	cursors := storage.NewCursorRepo(db)
	states := storage.NewHydrationRepo(db)
	locks := hydration.NewLocks()
	exp := exporter.New(store, cursors, exporter.Config{
		TargetChunkBytes: cfg.ChunkTargetBytes,
		Now:              deps.Now,
	})

	return &Session{
		scopeID:  cfg.ScopeID,
		store:    store,
		db:       db,
		client:   client,
		queue:    q,
		exporter: exp,
		hydration: hydration.New(store, client, states, locks, hydration.Config{
			Concurrency: cfg.HydrationConcurrency,
			BatchDelay:  cfg.HydrationBatchDelay,
			Metrics:     m,
			Now:         deps.Now,
		}),
		backups: backup.New(store, exp, client, cursors, states, locks, backup.Config{
			RootKey:      cfg.RootKey,
			MaxBodyBytes: cfg.MaxBodyBytes,
		}),
		pending: make(map[string]*codec.Manifest),
	}, nil
}

// Close releases the stores.
func (s *Session) Close() error {
	return errors.Join(s.db.Close(), s.store.Close())
}

// ScopeID returns the wallet the session syncs.
func (s *Session) ScopeID() string {
	return s.scopeID
}

// Store returns the wallet store.
func (s *Session) Store() kvstore.Store {
	return s.store
}

// ExportResult describes one export and upload.
type ExportResult struct {
	// Manifest is nil when the store (or partition) had nothing to export.
	Manifest *codec.Manifest
	Chunks   int // chunks sealed by this run
	Pieces   int // upload requests the sent chunks took after splitting
	Queued   int // chunks handed to the offline queue
	// Finalized reports whether the manifest was published. It is false while chunks are queued.
	Finalized bool
	Resumed   bool
}

// ExportAndUpload exports the store (or one partition) and streams every sealed chunk to the
// backend. Chunks that fail on the network are queued and the manifest is published by
// DrainQueue once they are delivered.
func (s *Session) ExportAndUpload(ctx context.Context, partitionID string) (*ExportResult, error) {
	ctx, logger := contextutil.WithAttrs(ctx, "scope_id", s.scopeID, "partition_id", partitionID)

	result := &ExportResult{}
	exp, err := s.exporter.Export(ctx, s.scopeID, partitionID, func(ctx context.Context, chunk exporter.Chunk, ts int64) error {
		res, err := s.client.UploadChunk(ctx, &transport.ChunkUpload{
			ScopeID:     s.scopeID,
			PartitionID: partitionID,
			Timestamp:   ts,
			ChunkIndex:  chunk.Index,
			TotalChunks: streamedTotalChunks,
			Data:        chunk.Data,
			Hash:        chunk.Hash,
		})
		if err != nil {
			return fmt.Errorf("failed to upload chunk %d: %w", chunk.Index, err)
		}
		if res.Queued {
			result.Queued++
		} else {
			result.Pieces += res.Pieces
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return result, nil
	}
	result.Manifest = exp.Manifest
	result.Chunks = len(exp.Chunks)
	result.Resumed = exp.Resumed

	key := hydration.ScopeKey(s.scopeID, partitionID)
	if result.Queued > 0 {
		s.setPending(key, exp.Manifest)
		logger.WarnContext(ctx, "chunks queued, manifest held until the queue drains", "queued", result.Queued)
		return result, nil
	}

	if err := s.client.FinalizeSync(ctx, s.scopeID, partitionID, exp.Manifest); err != nil {
		if transport.IsTransient(err) {
			s.setPending(key, exp.Manifest)
			logger.WarnContext(ctx, "finalize failed, manifest held until the queue drains", "error", err)
			return result, nil
		}
		return nil, fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	s.clearPending(key, exp.Manifest.Timestamp)
	result.Finalized = true
	return result, nil
}

// DrainResult summarizes one DrainQueue pass.
type DrainResult struct {
	queue.ProcessResult
	Finalized int // held manifests published in this pass
}

// DrainQueue redelivers queued chunks and publishes held manifests once nothing is pending.
func (s *Session) DrainQueue(ctx context.Context) (*DrainResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	res, err := s.queue.Process(ctx)
	if err != nil {
		return nil, err
	}
	result := &DrainResult{ProcessResult: res}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if stats.Pending > 0 {
		return result, nil
	}

	for key, m := range s.pendingManifests() {
		err := s.client.FinalizeSync(ctx, s.scopeID, m.PartitionID, m)
		switch {
		case err == nil:
			result.Finalized++
			s.clearPending(key, m.Timestamp)
			logger.InfoContext(ctx, "held manifest published", "scope_key", key, "ts", m.Timestamp)
		case transport.IsTransient(err):
			logger.WarnContext(ctx, "held manifest not published yet", "scope_key", key, "error", err)
		default:
			// chunks were lost to eviction or terminal failure; the next export republishes
			s.clearPending(key, m.Timestamp)
			logger.ErrorContext(ctx, "held manifest rejected", "scope_key", key, "error", err)
		}
	}
	return result, nil
}

// Run drains the queue every interval until ctx is done.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	logger := contextutil.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.DrainQueue(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "queue pass failed", "error", err)
				continue
			}
			if res.Attempted > 0 || res.Finalized > 0 {
				logger.InfoContext(ctx, "queue pass completed",
					"delivered", res.Delivered,
					"retrying", res.Retrying,
					"failed", res.Failed,
					"finalized", res.Finalized,
				)
			}
		}
	}
}

// QueueStats returns the offline queue's current shape.
func (s *Session) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// RetryFailed puts terminally failed queue items back in line.
func (s *Session) RetryFailed(ctx context.Context) (int, error) {
	return s.queue.RetryFailed(ctx)
}

// Hydrate pulls the latest remote snapshot of the session's wallet into the store.
func (s *Session) Hydrate(ctx context.Context, opts hydration.Options) (*hydration.State, error) {
	return s.hydration.Start(ctx, s.scopeID, opts)
}

// LoadPartitionBootstrap appends one partition's remote snapshot to the store.
func (s *Session) LoadPartitionBootstrap(ctx context.Context, partitionID string) (bool, error) {
	return s.hydration.LoadPartitionBootstrap(ctx, s.scopeID, partitionID)
}

// HydrationState returns the persisted hydration state of the wallet or one partition.
func (s *Session) HydrationState(ctx context.Context, partitionID string) (*storage.HydrationState, error) {
	return s.hydration.State(ctx, s.scopeID, partitionID)
}

// ResetHydration forgets the persisted hydration state of the wallet or one partition.
func (s *Session) ResetHydration(ctx context.Context, partitionID string) error {
	return s.hydration.Reset(ctx, s.scopeID, partitionID)
}

// CreateBackup uploads a full backup of the store.
func (s *Session) CreateBackup(ctx context.Context) (bool, error) {
	return s.backups.CreateBackup(ctx, s.scopeID)
}

// RestoreFromBackup replaces the store with the wallet's backup.
func (s *Session) RestoreFromBackup(ctx context.Context) (*backup.RestoreResult, error) {
	return s.backups.RestoreFromBackup(ctx, s.scopeID)
}

// IsDataLossError reports whether err means the wallet store lost its root record.
func (s *Session) IsDataLossError(err error) bool {
	return s.backups.IsDataLossError(err)
}

func (s *Session) setPending(key string, m *codec.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = m
}

// clearPending drops the held manifest of key unless a newer one replaced it.
func (s *Session) clearPending(key string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.pending[key]; ok && m.Timestamp <= ts {
		delete(s.pending, key)
	}
}

func (s *Session) pendingManifests() map[string]*codec.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*codec.Manifest, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}
