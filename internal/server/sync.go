package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"walletsync/internal/codec"
	"walletsync/internal/contextutil"
	"walletsync/internal/metrics"
	"walletsync/internal/storage"
	"walletsync/internal/transport"
)

const (
	// DefaultMaxBodyBytes matches the request ceiling of the hosted proxy the client is sized for.
	DefaultMaxBodyBytes = 4_500_000
	// DefaultMaxSnapshotBytes is the largest snapshot getSnapshot serves in one answer.
	DefaultMaxSnapshotBytes = 64 << 20
)

// SyncConfig holds settings of the sync endpoint.
type SyncConfig struct {
	MaxBodyBytes     int64
	MaxSnapshotBytes int
	// Compression is the format chunks and snapshots are served in.
	Compression codec.Format
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// SyncHandler serves the action-addressed sync endpoint.
type SyncHandler struct {
	repo        storage.RemoteStore
	maxBody     int64
	maxSnapshot int
	format      codec.Format
	metrics     *metrics.Metrics
	now         func() time.Time
	actions     map[string]action
}

type action struct {
	method string
	fn     func(w http.ResponseWriter, r *http.Request) (any, error)
}

// apiError is a handler failure with the status it answers with.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.status, e.msg)
}

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

var errNotAvailable = &apiError{status: http.StatusNotFound, msg: transport.NotAvailableCode}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(repo storage.RemoteStore, cfg SyncConfig) *SyncHandler {
	h := &SyncHandler{
		repo:        repo,
		maxBody:     cfg.MaxBodyBytes,
		maxSnapshot: cfg.MaxSnapshotBytes,
		format:      cfg.Compression,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.maxSnapshot <= 0 {
		h.maxSnapshot = DefaultMaxSnapshotBytes
	}
	if h.format == "" {
		h.format = codec.FormatNDJSON
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.actions = map[string]action{
		transport.ActionUploadChunk: {http.MethodPost, h.uploadChunk},
		transport.ActionFinalize:    {http.MethodPost, h.finalize},
		transport.ActionGetManifest: {http.MethodGet, h.getManifest},
		transport.ActionGetChunk:    {http.MethodGet, h.getChunk},
		transport.ActionGetSnapshot: {http.MethodGet, h.getSnapshot},
		transport.ActionPutBackup:   {http.MethodPost, h.putBackup},
		transport.ActionGetBackup:   {http.MethodGet, h.getBackup},
	}
	return h
}

// ServeHTTP dispatches on the action query parameter.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.URL.Query().Get("action")
	logger := contextutil.LoggerFromContext(ctx).With("action", name)
	ctx = contextutil.WithLogger(ctx, logger)
	r = r.WithContext(ctx)

	act, ok := h.actions[name]
	if !ok {
		// unknown names share one label
		h.fail(ctx, w, "unknown", badRequest("unknown action %q", name))
		return
	}
	if r.Method != act.method {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		h.fail(ctx, w, name, &apiError{status: http.StatusMethodNotAllowed, msg: "method not allowed"})
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	resp, err := act.fn(w, r)
	if err != nil {
		h.fail(ctx, w, name, err)
		return
	}

	h.metrics.ServerRequest(name, strconv.Itoa(http.StatusOK))
	writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *SyncHandler) fail(ctx context.Context, w http.ResponseWriter, name string, err error) {
	logger := contextutil.LoggerFromContext(ctx)

	var apiErr *apiError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &maxErr):
		apiErr = &apiError{status: http.StatusRequestEntityTooLarge, msg: "payload too large"}
	default:
		logger.ErrorContext(ctx, "sync action failed", "error", err)
		apiErr = &apiError{status: http.StatusInternalServerError, msg: "internal error"}
	}
	if apiErr.status < 500 && apiErr != errNotAvailable {
		logger.WarnContext(ctx, "sync request rejected", "status", apiErr.status, "error", apiErr.msg)
	}

	h.metrics.ServerRequest(name, strconv.Itoa(apiErr.status))
	writeError(w, apiErr.status, apiErr.msg)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return badRequest("missing request body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return maxErr
		}
		return badRequest("invalid request body")
	}
	return nil
}

func (h *SyncHandler) uploadChunk(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req transport.UploadChunkRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.ScopeID == "" || req.Timestamp <= 0 {
		return nil, badRequest("scopeId and timestamp are required")
	}
	if req.ChunkIndex < 0 || req.TotalChunks <= 0 {
		return nil, badRequest("invalid chunk position %d/%d", req.ChunkIndex, req.TotalChunks)
	}
	data, err := codec.DecodeBase64(req.Data)
	if err != nil {
		return nil, badRequest("invalid chunk data")
	}
	if err := codec.VerifyHash(req.Hash, data); err != nil {
		return nil, badRequest("chunk %d: %v", req.ChunkIndex, err)
	}
	hash := req.Hash
	if hash == "" {
		hash = codec.SHA256Hex(data)
	}

	err = h.repo.PutChunk(r.Context(), &storage.RemoteChunk{
		ScopeID:     req.ScopeID,
		PartitionID: req.PartitionID,
		Timestamp:   req.Timestamp,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Data:        data,
		Hash:        hash,
	})
	if err != nil {
		return nil, err
	}
	return transport.SuccessResponse{Success: true}, nil
}

// finalize publishes a snapshot. The chunk layout is rebuilt from the stored pieces, so a
// chunk the client split on upload is listed as its pieces.
func (h *SyncHandler) finalize(_ http.ResponseWriter, r *http.Request) (any, error) {
	ctx := r.Context()

	var req transport.FinalizeRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.ScopeID == "" || req.Manifest == nil {
		return nil, badRequest("scopeId and manifest are required")
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = req.Manifest.Timestamp
	}
	if ts <= 0 {
		return nil, badRequest("timestamp is required")
	}

	current, err := h.latestManifest(ctx, req.ScopeID, req.PartitionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if current != nil && current.Timestamp > ts {
		return nil, &apiError{status: http.StatusConflict, msg: "a newer snapshot is already published"}
	}

	chunks, err := h.repo.ListChunks(ctx, req.ScopeID, req.PartitionID, ts)
	if err != nil {
		return nil, err
	}
	if req.Manifest.ChunkCount > 0 && len(chunks) == 0 {
		return nil, &apiError{status: http.StatusConflict, msg: "no chunks uploaded for snapshot"}
	}

	hashes := make([]string, len(chunks))
	overall := sha256.New()
	for i, c := range chunks {
		hashes[i] = c.Hash
		overall.Write(c.Data)
	}
	overallHash := hex.EncodeToString(overall.Sum(nil))
	if req.Manifest.OverallHash != "" && req.Manifest.OverallHash != overallHash {
		return nil, &apiError{status: http.StatusConflict, msg: "uploaded chunks do not match the manifest hash"}
	}

	m := *req.Manifest
	m.Version = codec.ManifestVersion
	m.Timestamp = ts
	m.ChunkCount = len(chunks)
	m.ChunkHashes = hashes
	m.OverallHash = overallHash
	m.PartitionID = req.PartitionID

	raw, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := h.repo.PutManifest(ctx, req.ScopeID, req.PartitionID, ts, string(raw)); err != nil {
		return nil, err
	}
	if err := h.repo.DeleteChunksBefore(ctx, req.ScopeID, req.PartitionID, ts); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to prune old chunks", "error", err)
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "snapshot finalized",
		"scope_id", req.ScopeID,
		"partition_id", req.PartitionID,
		"ts", ts,
		"chunks", len(chunks),
		"records", m.RecordCount,
	)
	return transport.SuccessResponse{Success: true}, nil
}

func (h *SyncHandler) latestManifest(ctx context.Context, scopeID, partitionID string) (*codec.Manifest, error) {
	raw, err := h.repo.GetManifest(ctx, scopeID, partitionID)
	if err != nil {
		return nil, err
	}
	return transport.DecodeManifest([]byte(raw))
}

func (h *SyncHandler) getManifest(_ http.ResponseWriter, r *http.Request) (any, error) {
	q := r.URL.Query()
	scopeID := q.Get("scopeId")
	if scopeID == "" {
		return nil, badRequest("scopeId is required")
	}
	raw, err := h.repo.GetManifest(r.Context(), scopeID, q.Get("partitionId"))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errNotAvailable
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (h *SyncHandler) getChunk(_ http.ResponseWriter, r *http.Request) (any, error) {
	q := r.URL.Query()
	scopeID := q.Get("scopeId")
	if scopeID == "" {
		return nil, badRequest("scopeId is required")
	}
	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if err != nil || ts <= 0 {
		return nil, badRequest("invalid ts")
	}
	index, err := strconv.Atoi(q.Get("chunkIndex"))
	if err != nil || index < 0 {
		return nil, badRequest("invalid chunkIndex")
	}

	chunk, err := h.repo.GetChunk(r.Context(), scopeID, q.Get("partitionId"), ts, index)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errNotAvailable
	}
	if err != nil {
		return nil, err
	}
	return h.payload(ts, chunk.Data)
}

// getSnapshot concatenates the latest finalized snapshot. It answers not_available when the
// snapshot is incomplete or too large to serve whole.
func (h *SyncHandler) getSnapshot(_ http.ResponseWriter, r *http.Request) (any, error) {
	ctx := r.Context()
	q := r.URL.Query()
	scopeID, partitionID := q.Get("scopeId"), q.Get("partitionId")
	if scopeID == "" {
		return nil, badRequest("scopeId is required")
	}

	m, err := h.latestManifest(ctx, scopeID, partitionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errNotAvailable
	}
	if err != nil {
		return nil, err
	}

	chunks, err := h.repo.ListChunks(ctx, scopeID, partitionID, m.Timestamp)
	if err != nil {
		return nil, err
	}
	if len(chunks) != m.ChunkCount {
		return nil, errNotAvailable
	}
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	if size > h.maxSnapshot {
		return nil, errNotAvailable
	}

	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c.Data...)
	}
	return h.payload(m.Timestamp, data)
}

func (h *SyncHandler) payload(ts int64, data []byte) (*transport.PayloadResponse, error) {
	encoded, err := codec.Compress(h.format, data)
	if err != nil {
		return nil, err
	}
	return &transport.PayloadResponse{
		Timestamp: ts,
		Format:    string(h.format),
		Data:      codec.EncodeBase64(encoded),
	}, nil
}

func (h *SyncHandler) putBackup(_ http.ResponseWriter, r *http.Request) (any, error) {
	var req transport.BackupRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.ScopeID == "" || req.BackupID == "" {
		return nil, badRequest("scopeId and backupId are required")
	}
	data, err := codec.DecodeBase64(req.Data)
	if err != nil {
		return nil, badRequest("invalid backup data")
	}
	if err := codec.VerifyHash(req.Hash, data); err != nil {
		return nil, badRequest("backup: %v", err)
	}

	createdAt := h.now()
	if req.CreatedAt > 0 {
		createdAt = time.UnixMilli(req.CreatedAt)
	}
	err = h.repo.PutBackup(r.Context(), &storage.RemoteBackup{
		ScopeID:     req.ScopeID,
		BackupID:    req.BackupID,
		Data:        data,
		Hash:        req.Hash,
		RecordCount: req.RecordCount,
		CreatedAt:   createdAt,
	})
	if err != nil {
		return nil, err
	}
	return transport.SuccessResponse{Success: true}, nil
}

func (h *SyncHandler) getBackup(_ http.ResponseWriter, r *http.Request) (any, error) {
	scopeID := r.URL.Query().Get("scopeId")
	if scopeID == "" {
		return nil, badRequest("scopeId is required")
	}
	b, err := h.repo.GetBackup(r.Context(), scopeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errNotAvailable
	}
	if err != nil {
		return nil, err
	}
	return transport.BackupRequest{
		ScopeID:     b.ScopeID,
		BackupID:    b.BackupID,
		Data:        codec.EncodeBase64(b.Data),
		Hash:        b.Hash,
		RecordCount: b.RecordCount,
		CreatedAt:   b.CreatedAt.UnixMilli(),
	}, nil
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(transport.ErrorResponse{Error: msg})
}
