package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"walletsync/internal/codec"
	"walletsync/internal/storage"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	items []*storage.QueueItem
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, item *storage.QueueItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.items = append(e.items, item)
	return nil
}

// chunkServer accepts uploadChunk bodies up to limit decoded bytes and answers 413 above it.
type chunkServer struct {
	mu       sync.Mutex
	limit    int
	accepted []UploadChunkRequest
	calls    int
}

func (s *chunkServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	var req UploadChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data, _ := codec.DecodeBase64(req.Data)
	if len(data) > s.limit {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "payload_too_large"})
		return
	}
	if codec.SHA256Hex(data) != req.Hash {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.accepted = append(s.accepted, req)
	_ = json.NewEncoder(w).Encode(SuccessResponse{Success: true})
}

// reassemble orders accepted pieces by index/total and concatenates them.
func (s *chunkServer) reassemble(t *testing.T) []byte {
	t.Helper()
	pieces := append([]UploadChunkRequest(nil), s.accepted...)
	sort.Slice(pieces, func(i, j int) bool {
		return float64(pieces[i].ChunkIndex)/float64(pieces[i].TotalChunks) <
			float64(pieces[j].ChunkIndex)/float64(pieces[j].TotalChunks)
	})
	var out []byte
	for _, p := range pieces {
		data, err := codec.DecodeBase64(p.Data)
		if err != nil {
			t.Fatalf("DecodeBase64() error = %v", err)
		}
		out = append(out, data...)
	}
	return out
}

func ndjson(lines, valueLen int) []byte {
	var buf bytes.Buffer
	for i := 0; i < lines; i++ {
		buf.Write(codec.EncodeRecordLine(codec.Record{
			Key:   []byte(fmt.Sprintf("chain-1/notes/%04d", i)),
			Value: bytes.Repeat([]byte{'v'}, valueLen),
		}))
	}
	return buf.Bytes()
}

func newTestClient(url string, cfg Config) *Client {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	return NewClient(url, "test-key", cfg)
}

func TestClient_UploadChunk(t *testing.T) {
	var gotAuth, gotAction string
	var gotReq UploadChunkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAction = r.URL.Query().Get("action")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(SuccessResponse{Success: true})
	}))
	defer srv.Close()

	data := ndjson(3, 10)
	c := newTestClient(srv.URL, Config{})
	res, err := c.UploadChunk(context.Background(), &ChunkUpload{
		ScopeID:     "wallet-1",
		Timestamp:   1700000000000,
		ChunkIndex:  2,
		TotalChunks: 5,
		Data:        data,
	})
	if err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}
	if res.Pieces != 1 || res.Queued {
		t.Errorf("UploadChunk() = %+v, want 1 piece not queued", res)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAction != ActionUploadChunk {
		t.Errorf("action = %q, want %q", gotAction, ActionUploadChunk)
	}
	if gotReq.Hash != codec.SHA256Hex(data) {
		t.Errorf("hash = %q, want digest of data", gotReq.Hash)
	}
	if gotReq.ChunkIndex != 2 || gotReq.TotalChunks != 5 || gotReq.PartitionID != "" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestClient_UploadChunkSplitsOnTooLarge(t *testing.T) {
	tests := []struct {
		name       string
		lines      int
		limit      int
		split      int
		wantPieces int
		checkIndex bool
	}{
		// 10 lines of 60 bytes, 3 lines per 200-byte piece
		{name: "single split", lines: 10, limit: 250, split: 200, wantPieces: 4, checkIndex: true},
		// pieces of 180 still rejected and split to single lines
		{name: "recursive split", lines: 10, limit: 100, split: 200, wantPieces: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := ndjson(tt.lines, 9)
			lineLen := len(data) / tt.lines
			if lineLen != 60 {
				t.Fatalf("test lines are %d bytes, want 60", lineLen)
			}

			cs := &chunkServer{limit: tt.limit}
			srv := httptest.NewServer(cs)
			defer srv.Close()

			c := newTestClient(srv.URL, Config{SplitTargetBytes: tt.split})
			res, err := c.UploadChunk(context.Background(), &ChunkUpload{
				ScopeID:     "wallet-1",
				Timestamp:   1700000000000,
				ChunkIndex:  1,
				TotalChunks: 3,
				Data:        data,
				Hash:        codec.SHA256Hex(data),
			})
			if err != nil {
				t.Fatalf("UploadChunk() error = %v", err)
			}
			if res.Pieces != tt.wantPieces {
				t.Errorf("Pieces = %d, want %d", res.Pieces, tt.wantPieces)
			}
			if len(cs.accepted) != tt.wantPieces {
				t.Fatalf("server accepted %d pieces, want %d", len(cs.accepted), tt.wantPieces)
			}
			if got := cs.reassemble(t); !bytes.Equal(got, data) {
				t.Error("reassembled pieces differ from the original chunk")
			}
			if tt.checkIndex {
				for i, p := range cs.accepted {
					if p.ChunkIndex != 1*4+i || p.TotalChunks != 3*4 {
						t.Errorf("piece %d = %d/%d, want %d/12", i, p.ChunkIndex, p.TotalChunks, 4+i)
					}
				}
			}
		})
	}
}

func TestClient_UploadChunkUnsplittable(t *testing.T) {
	cs := &chunkServer{limit: 100}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	data := ndjson(1, 400)
	c := newTestClient(srv.URL, Config{SplitTargetBytes: 200})
	_, err := c.UploadChunk(context.Background(), &ChunkUpload{ScopeID: "w", Timestamp: 1, Data: data, TotalChunks: 1})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("UploadChunk() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestClient_UploadChunkFallback(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		enqueuer   *recordingEnqueuer
		chunk      ChunkUpload
		wantQueued bool
		wantErr    func(error) bool
	}{
		{
			name:       "server error is queued",
			status:     http.StatusServiceUnavailable,
			enqueuer:   &recordingEnqueuer{},
			chunk:      ChunkUpload{ScopeID: "wallet-1", PartitionID: "chain-1", Timestamp: 42, ChunkIndex: 3, TotalChunks: 4},
			wantQueued: true,
		},
		{
			name:       "rate limit is queued",
			status:     http.StatusTooManyRequests,
			enqueuer:   &recordingEnqueuer{},
			chunk:      ChunkUpload{ScopeID: "wallet-1", Timestamp: 42, TotalChunks: 1},
			wantQueued: true,
		},
		{
			name:    "no enqueuer surfaces network error",
			status:  http.StatusBadGateway,
			chunk:   ChunkUpload{ScopeID: "wallet-1", Timestamp: 42, TotalChunks: 1},
			wantErr: IsTransient,
		},
		{
			name:     "missing sync fields are not queued",
			status:   http.StatusServiceUnavailable,
			enqueuer: &recordingEnqueuer{},
			chunk:    ChunkUpload{TotalChunks: 1},
			wantErr:  IsTransient,
		},
		{
			name:     "client error is not queued",
			status:   http.StatusBadRequest,
			enqueuer: &recordingEnqueuer{},
			chunk:    ChunkUpload{ScopeID: "wallet-1", Timestamp: 42, TotalChunks: 1},
			wantErr: func(err error) bool {
				var se *StatusError
				return errors.As(err, &se) && se.StatusCode == http.StatusBadRequest
			},
		},
		{
			name:     "enqueue failure is reported",
			status:   http.StatusServiceUnavailable,
			enqueuer: &recordingEnqueuer{err: errors.New("disk full")},
			chunk:    ChunkUpload{ScopeID: "wallet-1", Timestamp: 42, TotalChunks: 1},
			wantErr:  func(err error) bool { return err != nil && strings.Contains(err.Error(), "disk full") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unavailable"})
			}))
			defer srv.Close()

			c := newTestClient(srv.URL, Config{})
			if tt.enqueuer != nil {
				c.SetEnqueuer(tt.enqueuer)
			}

			chunk := tt.chunk
			chunk.Data = ndjson(2, 8)
			res, err := c.UploadChunk(context.Background(), &chunk)

			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("UploadChunk() error = %v", err)
				}
				if tt.enqueuer != nil && len(tt.enqueuer.items) != 0 {
					t.Errorf("enqueued %d items, want none", len(tt.enqueuer.items))
				}
				return
			}
			if err != nil {
				t.Fatalf("UploadChunk() error = %v", err)
			}
			if res.Queued != tt.wantQueued {
				t.Errorf("Queued = %v, want %v", res.Queued, tt.wantQueued)
			}
			if len(tt.enqueuer.items) != 1 {
				t.Fatalf("enqueued %d items, want 1", len(tt.enqueuer.items))
			}
			item := tt.enqueuer.items[0]
			if item.ScopeID != chunk.ScopeID || item.PartitionID != chunk.PartitionID ||
				item.Timestamp != chunk.Timestamp || item.ChunkIndex != chunk.ChunkIndex ||
				!bytes.Equal(item.Data, chunk.Data) {
				t.Errorf("queued item = %+v does not match the chunk", item)
			}
		})
	}
}

func TestClient_UploadChunkConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	enq := &recordingEnqueuer{}
	c := newTestClient(url, Config{})
	c.SetEnqueuer(enq)

	res, err := c.UploadChunk(context.Background(), &ChunkUpload{ScopeID: "w", Timestamp: 7, TotalChunks: 1, Data: ndjson(1, 1)})
	if err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}
	if !res.Queued || len(enq.items) != 1 {
		t.Errorf("UploadChunk() = %+v with %d queued, want queued", res, len(enq.items))
	}
}

func TestClient_Redeliver(t *testing.T) {
	cs := &chunkServer{limit: 1 << 20}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	enq := &recordingEnqueuer{}
	c := newTestClient(srv.URL, Config{})
	c.SetEnqueuer(enq)

	data := ndjson(4, 4)
	err := c.Redeliver(context.Background(), &storage.QueueItem{
		ScopeID: "w", Timestamp: 9, ChunkIndex: 0, TotalChunks: 1, Data: data, Hash: codec.SHA256Hex(data),
	})
	if err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	if len(cs.accepted) != 1 {
		t.Errorf("server accepted %d chunks, want 1", len(cs.accepted))
	}

	// a redelivery failure is returned, never re-queued
	srv.Close()
	if err := c.Redeliver(context.Background(), &storage.QueueItem{ScopeID: "w", Timestamp: 9, TotalChunks: 1, Data: data}); !IsTransient(err) {
		t.Errorf("Redeliver() on closed server error = %v, want transient", err)
	}
	if len(enq.items) != 0 {
		t.Errorf("Redeliver() enqueued %d items", len(enq.items))
	}
}

func TestClient_GetManifest(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    *codec.Manifest
		wantErr error
	}{
		{
			name: "current version",
			body: `{"version":2,"ts":1700,"recordCount":3,"totalBytes":90,"chunkCount":2,"chunkHashes":["a","b"],"overallHash":"c"}`,
			want: &codec.Manifest{Version: 2, Timestamp: 1700, RecordCount: 3, TotalBytes: 90, ChunkCount: 2, ChunkHashes: []string{"a", "b"}, OverallHash: "c"},
		},
		{
			name: "legacy field names",
			body: `{"timestamp":1600,"recordCount":1,"totalBytes":10,"chunkCount":1,"hashes":["x"]}`,
			want: &codec.Manifest{Version: 2, Timestamp: 1600, RecordCount: 1, TotalBytes: 10, ChunkCount: 1, ChunkHashes: []string{"x"}},
		},
		{
			name: "legacy without chunk count",
			body: `{"version":1,"timestamp":1600,"hashes":["x","y"]}`,
			want: &codec.Manifest{Version: 2, Timestamp: 1600, ChunkCount: 2, ChunkHashes: []string{"x", "y"}},
		},
		{
			name:    "not available",
			status:  http.StatusNotFound,
			body:    `{"error":"not_available"}`,
			wantErr: ErrNotAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("scopeId") != "wallet-1" || r.URL.Query().Get("partitionId") != "chain-1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL, Config{}).GetManifest(context.Background(), "wallet-1", "chain-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("GetManifest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetManifest() error = %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if !bytes.Equal(gotJSON, wantJSON) {
				t.Errorf("GetManifest() = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestDecodeManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "future version", body: `{"version":9,"ts":1}`},
		{name: "missing timestamp", body: `{"version":2,"chunkCount":0}`},
		{name: "hash count mismatch", body: `{"version":2,"ts":1,"chunkCount":3,"chunkHashes":["a"]}`},
		{name: "not json", body: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeManifest([]byte(tt.body)); err == nil {
				t.Error("DecodeManifest() error = nil")
			}
		})
	}
}

func TestClient_DownloadChunkFormats(t *testing.T) {
	data := ndjson(5, 20)

	for _, format := range []codec.Format{codec.FormatNDJSON, codec.FormatGzip, codec.FormatSnappy} {
		t.Run(string(format), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("action") != ActionGetChunk || q.Get("ts") != "1700" || q.Get("chunkIndex") != "4" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				encoded, _ := codec.Compress(format, data)
				_ = json.NewEncoder(w).Encode(PayloadResponse{Format: string(format), Data: codec.EncodeBase64(encoded)})
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL, Config{}).DownloadChunk(context.Background(), "wallet-1", "", 1700, 4)
			if err != nil {
				t.Fatalf("DownloadChunk() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("DownloadChunk() payload differs")
			}
		})
	}
}

func TestClient_DownloadRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		retries   uint64
		wantCalls int32
		wantErr   bool
	}{
		{name: "transient then success", failures: 2, status: http.StatusServiceUnavailable, retries: 3, wantCalls: 3},
		{name: "transient exhausted", failures: 10, status: http.StatusInternalServerError, retries: 2, wantCalls: 3, wantErr: true},
		{name: "permanent not retried", failures: 10, status: http.StatusForbidden, retries: 3, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				_ = json.NewEncoder(w).Encode(PayloadResponse{Data: codec.EncodeBase64([]byte("{}\n"))})
			}))
			defer srv.Close()

			c := newTestClient(srv.URL, Config{DownloadRetries: tt.retries})
			_, err := c.DownloadChunk(context.Background(), "w", "", 1, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DownloadChunk() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestClient_DownloadSnapshot(t *testing.T) {
	data := ndjson(3, 3)
	var unavailable atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unavailable.Load() {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: NotAvailableCode})
			return
		}
		encoded, _ := codec.Compress(codec.FormatGzip, data)
		_ = json.NewEncoder(w).Encode(PayloadResponse{Timestamp: 55, Format: "gzip", Data: codec.EncodeBase64(encoded)})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, Config{})
	snap, err := c.DownloadSnapshot(context.Background(), "w", "")
	if err != nil {
		t.Fatalf("DownloadSnapshot() error = %v", err)
	}
	if snap.Timestamp != 55 || !bytes.Equal(snap.Data, data) {
		t.Errorf("DownloadSnapshot() = ts %d, %d bytes", snap.Timestamp, len(snap.Data))
	}

	unavailable.Store(true)
	if _, err := c.DownloadSnapshot(context.Background(), "w", ""); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("DownloadSnapshot() error = %v, want ErrNotAvailable", err)
	}
}

func TestClient_Backup(t *testing.T) {
	var stored BackupRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case ActionPutBackup:
			_ = json.NewDecoder(r.Body).Decode(&stored)
			stored.CreatedAt = 1700000000000
			_ = json.NewEncoder(w).Encode(SuccessResponse{Success: true})
		case ActionGetBackup:
			if stored.ScopeID != r.URL.Query().Get("scopeId") {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: NotAvailableCode})
				return
			}
			_ = json.NewEncoder(w).Encode(stored)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newTestClient(srv.URL, Config{})
	data := ndjson(2, 2)

	if _, err := c.DownloadBackup(ctx, "wallet-1"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("DownloadBackup() before upload error = %v, want ErrNotAvailable", err)
	}

	err := c.UploadBackup(ctx, &Backup{ScopeID: "wallet-1", BackupID: "b1", Data: data, Hash: codec.SHA256Hex(data), RecordCount: 2})
	if err != nil {
		t.Fatalf("UploadBackup() error = %v", err)
	}

	got, err := c.DownloadBackup(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("DownloadBackup() error = %v", err)
	}
	if got.BackupID != "b1" || got.RecordCount != 2 || !bytes.Equal(got.Data, data) {
		t.Errorf("DownloadBackup() = %+v", got)
	}
	if got.CreatedAt.UnixMilli() != 1700000000000 {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
}

func TestClient_FinalizeSync(t *testing.T) {
	var got FinalizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(SuccessResponse{Success: true})
	}))
	defer srv.Close()

	m := &codec.Manifest{Version: 2, Timestamp: 77, ChunkCount: 1, ChunkHashes: []string{"h"}}
	if err := newTestClient(srv.URL, Config{}).FinalizeSync(context.Background(), "w", "p", m); err != nil {
		t.Fatalf("FinalizeSync() error = %v", err)
	}
	if got.ScopeID != "w" || got.PartitionID != "p" || got.Timestamp != 77 || got.Manifest == nil || got.Manifest.ChunkCount != 1 {
		t.Errorf("finalize request = %+v", got)
	}
}
