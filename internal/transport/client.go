// Package transport talks to the action-addressed sync endpoint.
package transport

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_sync_api.go -package=mocks walletsync/internal/transport SyncAPI

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"walletsync/internal/codec"
	"walletsync/internal/contextutil"
	"walletsync/internal/metrics"
	"walletsync/internal/storage"
)

const (
	// DefaultSplitTargetBytes is the piece size used after a 413 answer.
	DefaultSplitTargetBytes = 2400 * 1000
	DefaultDownloadRetries  = 3
)

// ChunkUpload is one chunk on its way to the backend.
type ChunkUpload struct {
	ScopeID     string
	PartitionID string
	Timestamp   int64
	ChunkIndex  int
	TotalChunks int
	Data        []byte // NDJSON
	Hash        string
}

// UploadResult reports how a chunk upload ended.
type UploadResult struct {
	Pieces int  // pieces the chunk was sent as, 1 when it was not split
	Queued bool // handed to the offline queue after a network failure
}

// Snapshot is a whole snapshot payload.
type Snapshot struct {
	Timestamp int64
	Data      []byte // NDJSON
}

// Backup is a full-store backup.
type Backup struct {
	ScopeID     string
	BackupID    string
	Data        []byte // NDJSON
	Hash        string
	RecordCount int
	CreatedAt   time.Time
}

// SyncAPI is the remote side of synchronization.
type SyncAPI interface {
	UploadChunk(ctx context.Context, chunk *ChunkUpload) (*UploadResult, error)
	FinalizeSync(ctx context.Context, scopeID, partitionID string, manifest *codec.Manifest) error
	GetManifest(ctx context.Context, scopeID, partitionID string) (*codec.Manifest, error)
	DownloadChunk(ctx context.Context, scopeID, partitionID string, ts int64, index int) ([]byte, error)
	DownloadSnapshot(ctx context.Context, scopeID, partitionID string) (*Snapshot, error)
	UploadBackup(ctx context.Context, backup *Backup) error
	DownloadBackup(ctx context.Context, scopeID string) (*Backup, error)
}

// Enqueuer accepts uploads that failed on the network.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *storage.QueueItem) error
}

// Config holds client settings. Zero values take the defaults.
type Config struct {
	SplitTargetBytes int
	DownloadRetries  uint64
	// RetryInterval is the first wait of the download backoff.
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics
}

var _ SyncAPI = (*Client)(nil)

// Client is the HTTP implementation of SyncAPI.
type Client struct {
	BaseURL string
	APIKey  string

	client          *http.Client
	splitTarget     int
	downloadRetries uint64
	retryInterval   time.Duration
	metrics         *metrics.Metrics

	mu       sync.RWMutex
	enqueuer Enqueuer
}

// NewClient creates a new sync API client.
func NewClient(baseURL, apiKey string, cfg Config) *Client {
	c := &Client{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		client:          cfg.HTTPClient,
		splitTarget:     cfg.SplitTargetBytes,
		downloadRetries: cfg.DownloadRetries,
		retryInterval:   cfg.RetryInterval,
		metrics:         cfg.Metrics,
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.splitTarget <= 0 {
		c.splitTarget = DefaultSplitTargetBytes
	}
	if c.downloadRetries == 0 {
		c.downloadRetries = DefaultDownloadRetries
	}
	return c
}

// SetEnqueuer installs the offline fallback for uploads.
func (c *Client) SetEnqueuer(e Enqueuer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueuer = e
}

func (c *Client) getEnqueuer() Enqueuer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enqueuer
}

func (c *Client) endpoint(action string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("action", action)
	return fmt.Sprintf("%s/api/sync?%s", c.BaseURL, query.Encode())
}

// do sends one request and decodes a 2xx JSON answer into out.
func (c *Client) do(ctx context.Context, method, action string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(action, query), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", action, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %v", action, ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(raw)
		var errResp ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return classifyStatus(action, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", action, ctx.Err())
		}
		return fmt.Errorf("%s: failed to decode response: %w", action, err)
	}
	return nil
}

// UploadChunk sends a chunk, splitting it on 413. A network failure hands the chunk to the
// offline queue and reports it as queued instead of failing.
func (c *Client) UploadChunk(ctx context.Context, chunk *ChunkUpload) (*UploadResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	pieces, err := c.SendChunk(ctx, chunk)
	if err == nil {
		return &UploadResult{Pieces: pieces}, nil
	}

	enqueuer := c.getEnqueuer()
	if !IsTransient(err) || enqueuer == nil || chunk.ScopeID == "" || chunk.Timestamp <= 0 {
		c.metrics.ChunkUpload("error")
		return nil, err
	}

	item := &storage.QueueItem{
		ScopeID:     chunk.ScopeID,
		PartitionID: chunk.PartitionID,
		Timestamp:   chunk.Timestamp,
		ChunkIndex:  chunk.ChunkIndex,
		TotalChunks: chunk.TotalChunks,
		Data:        chunk.Data,
		Hash:        chunk.Hash,
	}
	if qerr := enqueuer.Enqueue(ctx, item); qerr != nil {
		c.metrics.ChunkUpload("error")
		return nil, fmt.Errorf("upload failed (%v) and could not be queued: %w", err, qerr)
	}

	logger.WarnContext(ctx, "chunk upload failed, queued for redelivery",
		"scope_id", chunk.ScopeID,
		"partition_id", chunk.PartitionID,
		"chunk_index", chunk.ChunkIndex,
		"error", err,
	)
	c.metrics.ChunkUpload("queued")
	return &UploadResult{Queued: true}, nil
}

// SendChunk uploads a chunk with 413 splitting but no offline fallback.
// It returns the number of pieces sent.
func (c *Client) SendChunk(ctx context.Context, chunk *ChunkUpload) (int, error) {
	return c.send(ctx, chunk, c.splitTarget)
}

// Redeliver implements the queue's uploader.
func (c *Client) Redeliver(ctx context.Context, item *storage.QueueItem) error {
	_, err := c.SendChunk(ctx, &ChunkUpload{
		ScopeID:     item.ScopeID,
		PartitionID: item.PartitionID,
		Timestamp:   item.Timestamp,
		ChunkIndex:  item.ChunkIndex,
		TotalChunks: item.TotalChunks,
		Data:        item.Data,
		Hash:        item.Hash,
	})
	return err
}

func (c *Client) send(ctx context.Context, chunk *ChunkUpload, target int) (int, error) {
	hash := chunk.Hash
	if hash == "" {
		hash = codec.SHA256Hex(chunk.Data)
	}
	req := UploadChunkRequest{
		ScopeID:     chunk.ScopeID,
		PartitionID: chunk.PartitionID,
		Timestamp:   chunk.Timestamp,
		ChunkIndex:  chunk.ChunkIndex,
		TotalChunks: chunk.TotalChunks,
		Data:        codec.EncodeBase64(chunk.Data),
		Hash:        hash,
	}

	var resp SuccessResponse
	err := c.do(ctx, http.MethodPost, ActionUploadChunk, nil, req, &resp)
	if err == nil {
		c.metrics.ChunkUpload("ok")
		return 1, nil
	}
	if !errors.Is(err, ErrPayloadTooLarge) {
		return 0, err
	}

	if len(chunk.Data) <= target {
		target = len(chunk.Data) / 2
	}
	pieces := codec.SplitLines(chunk.Data, target)
	if len(pieces) < 2 {
		return 0, fmt.Errorf("chunk %d cannot be split further: %w", chunk.ChunkIndex, err)
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "chunk too large, splitting",
		"chunk_index", chunk.ChunkIndex,
		"bytes", len(chunk.Data),
		"pieces", len(pieces),
	)
	c.metrics.ChunkUpload("split")

	p := len(pieces)
	sent := 0
	for i, piece := range pieces {
		n, err := c.send(ctx, &ChunkUpload{
			ScopeID:     chunk.ScopeID,
			PartitionID: chunk.PartitionID,
			Timestamp:   chunk.Timestamp,
			ChunkIndex:  chunk.ChunkIndex*p + i,
			TotalChunks: chunk.TotalChunks * p,
			Data:        piece,
			Hash:        codec.SHA256Hex(piece),
		}, target)
		if err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// FinalizeSync publishes the manifest of a fully uploaded snapshot.
func (c *Client) FinalizeSync(ctx context.Context, scopeID, partitionID string, manifest *codec.Manifest) error {
	req := FinalizeRequest{
		ScopeID:     scopeID,
		PartitionID: partitionID,
		Timestamp:   manifest.Timestamp,
		Manifest:    manifest,
	}
	var resp SuccessResponse
	return c.do(ctx, http.MethodPost, ActionFinalize, nil, req, &resp)
}

// GetManifest fetches the latest manifest for a scope. It returns ErrNotAvailable when none exists.
func (c *Client) GetManifest(ctx context.Context, scopeID, partitionID string) (*codec.Manifest, error) {
	var raw json.RawMessage
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, ActionGetManifest, scopeQuery(scopeID, partitionID), nil, &raw)
	})
	if err != nil {
		return nil, err
	}
	return DecodeManifest(raw)
}

// DownloadChunk fetches one chunk of the snapshot identified by ts and returns its NDJSON.
func (c *Client) DownloadChunk(ctx context.Context, scopeID, partitionID string, ts int64, index int) ([]byte, error) {
	q := scopeQuery(scopeID, partitionID)
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("chunkIndex", strconv.Itoa(index))

	var resp PayloadResponse
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, ActionGetChunk, q, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	data, err := decodePayload(&resp)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", index, err)
	}
	return data, nil
}

// DownloadSnapshot fetches the latest finalized snapshot as one payload.
// It returns ErrNotAvailable when the backend cannot serve it whole.
func (c *Client) DownloadSnapshot(ctx context.Context, scopeID, partitionID string) (*Snapshot, error) {
	var resp PayloadResponse
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, ActionGetSnapshot, scopeQuery(scopeID, partitionID), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	data, err := decodePayload(&resp)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Snapshot{Timestamp: resp.Timestamp, Data: data}, nil
}

// UploadBackup stores a full backup.
func (c *Client) UploadBackup(ctx context.Context, b *Backup) error {
	req := BackupRequest{
		ScopeID:     b.ScopeID,
		BackupID:    b.BackupID,
		Data:        codec.EncodeBase64(b.Data),
		Hash:        b.Hash,
		RecordCount: b.RecordCount,
	}
	var resp SuccessResponse
	return c.do(ctx, http.MethodPost, ActionPutBackup, nil, req, &resp)
}

// DownloadBackup fetches the backup of a scope. It returns ErrNotAvailable when none exists.
func (c *Client) DownloadBackup(ctx context.Context, scopeID string) (*Backup, error) {
	var resp BackupRequest
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, ActionGetBackup, scopeQuery(scopeID, ""), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	data, err := codec.DecodeBase64(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	b := &Backup{
		ScopeID:     resp.ScopeID,
		BackupID:    resp.BackupID,
		Data:        data,
		Hash:        resp.Hash,
		RecordCount: resp.RecordCount,
	}
	if resp.CreatedAt > 0 {
		b.CreatedAt = time.UnixMilli(resp.CreatedAt)
	}
	return b, nil
}

// retry runs a download with exponential backoff. Only transient errors are retried.
func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if c.retryInterval > 0 {
		bo.InitialInterval = c.retryInterval
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.downloadRetries), ctx))
}

func scopeQuery(scopeID, partitionID string) url.Values {
	q := url.Values{}
	q.Set("scopeId", scopeID)
	if partitionID != "" {
		q.Set("partitionId", partitionID)
	}
	return q
}
