package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"walletsync/internal/queue/mocks"
	"walletsync/internal/storage"
	storage_mocks "walletsync/internal/storage/mocks"

	"go.uber.org/mock/gomock"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.UnixMilli(1700000000000)} }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func chunkItem(ts int64, idx int) *storage.QueueItem {
	data := []byte(strings.Repeat("x", 64) + "\n")
	return &storage.QueueItem{
		ScopeID:     "wallet-1",
		PartitionID: "chain-1",
		Timestamp:   ts,
		ChunkIndex:  idx,
		TotalChunks: 10,
		Data:        data,
		Hash:        "abc",
	}
}

func newTestRepo(t *testing.T) *storage.QueueRepo {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("storage.Migrate() error = %v", err)
	}
	return storage.NewQueueRepo(db)
}

func TestItemID(t *testing.T) {
	if got := ItemID("w", "p", 42, 3); got != "w:p:42:3" {
		t.Errorf("ItemID() = %q, want %q", got, "w:p:42:3")
	}
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	q := New(repo, nil, Config{})

	item := chunkItem(100, 2)
	item.RetryCount = 5
	item.Status = storage.QueueStatusFailed
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := repo.Get(ctx, "wallet-1:chain-1:100:2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != storage.QueueStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if got.SizeBytes <= int64(len(item.Data)) {
		t.Errorf("SizeBytes = %d, want more than the raw payload %d", got.SizeBytes, len(item.Data))
	}
	if !got.LastAttempt.IsZero() {
		t.Errorf("LastAttempt = %v, want zero", got.LastAttempt)
	}
}

func TestQueue_EnqueueEvictsOldest(t *testing.T) {
	size, err := serializedSize(&storage.QueueItem{
		ID:          ItemID("wallet-1", "chain-1", 101, 0),
		ScopeID:     "wallet-1",
		PartitionID: "chain-1",
		Timestamp:   101,
		TotalChunks: 10,
		Data:        chunkItem(101, 0).Data,
		Hash:        "abc",
		Status:      storage.QueueStatusPending,
	})
	if err != nil {
		t.Fatalf("serializedSize() error = %v", err)
	}

	tests := []struct {
		name     string
		maxBytes int64
		wantLeft []int64
	}{
		{name: "exact fit keeps three", maxBytes: 3 * size, wantLeft: []int64{103, 104, 105}},
		{name: "slack does not evict more", maxBytes: 3*size + size/2, wantLeft: []int64{103, 104, 105}},
		{name: "room for all", maxBytes: 10 * size, wantLeft: []int64{101, 102, 103, 104, 105}},
		{name: "cap below one item empties queue", maxBytes: size - 1, wantLeft: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := newTestRepo(t)
			q := New(repo, nil, Config{MaxBytes: tt.maxBytes})

			// enqueue newest first so eviction has to follow timestamps, not insertion order
			for ts := int64(105); ts >= 101; ts-- {
				if err := q.Enqueue(ctx, chunkItem(ts, 0)); err != nil {
					t.Fatalf("Enqueue(%d) error = %v", ts, err)
				}
			}

			sizes, err := repo.ListSizesByAge(ctx)
			if err != nil {
				t.Fatalf("ListSizesByAge() error = %v", err)
			}
			var got []int64
			var total int64
			for _, s := range sizes {
				got = append(got, s.Timestamp)
				total += s.SizeBytes
			}
			if len(got) != len(tt.wantLeft) {
				t.Fatalf("remaining timestamps = %v, want %v", got, tt.wantLeft)
			}
			for i := range got {
				if got[i] != tt.wantLeft[i] {
					t.Fatalf("remaining timestamps = %v, want %v", got, tt.wantLeft)
				}
			}
			if total > tt.maxBytes {
				t.Errorf("total bytes %d over cap %d", total, tt.maxBytes)
			}
		})
	}
}

func TestQueue_ProcessBackoffAndTerminalFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newFakeClock()
	uploader := mocks.NewMockUploader(ctrl)
	q := New(repo, uploader, Config{MaxRetries: 3, BaseBackoff: time.Second, Now: clock.Now})

	good := chunkItem(100, 0)
	bad := chunkItem(100, 1)
	for _, it := range []*storage.QueueItem{good, bad} {
		if err := q.Enqueue(ctx, it); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	isBad := gomock.Cond(func(x any) bool { return x.(*storage.QueueItem).ChunkIndex == 1 })
	isGood := gomock.Cond(func(x any) bool { return x.(*storage.QueueItem).ChunkIndex == 0 })
	uploader.EXPECT().Redeliver(gomock.Any(), isGood).Return(nil).Times(1)
	uploader.EXPECT().Redeliver(gomock.Any(), isBad).Return(errors.New("connection refused")).Times(3)

	// first pass: good delivered, bad fails once
	res, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Delivered != 1 || res.Retrying != 1 {
		t.Fatalf("first pass = %+v, want 1 delivered and 1 retrying", res)
	}
	if _, err := repo.Get(ctx, ItemID("wallet-1", "chain-1", 100, 0)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("delivered item still queued, err = %v", err)
	}

	// retryCount=1 needs 2s
	clock.Advance(1500 * time.Millisecond)
	res, err = q.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.NotDue != 1 || res.Attempted != 0 {
		t.Fatalf("early pass = %+v, want item not due", res)
	}

	clock.Advance(500 * time.Millisecond)
	if res, _ = q.Process(ctx); res.Retrying != 1 {
		t.Fatalf("second attempt = %+v, want retrying", res)
	}

	// retryCount=2 needs 4s
	clock.Advance(4 * time.Second)
	if res, _ = q.Process(ctx); res.Failed != 1 {
		t.Fatalf("third attempt = %+v, want terminal failure", res)
	}

	got, err := repo.Get(ctx, ItemID("wallet-1", "chain-1", 100, 1))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != storage.QueueStatusFailed || got.RetryCount != 3 {
		t.Errorf("item = %s/%d, want failed/3", got.Status, got.RetryCount)
	}
	if got.LastError != "connection refused" {
		t.Errorf("LastError = %q", got.LastError)
	}

	// terminal items are not retried
	clock.Advance(time.Hour)
	if res, _ = q.Process(ctx); res.Attempted != 0 {
		t.Errorf("pass after terminal failure attempted %d items", res.Attempted)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Pending != 0 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v, want 0 pending 1 failed", stats)
	}
}

func TestQueue_ProcessIsolatesPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	repo := newTestRepo(t)
	uploader := mocks.NewMockUploader(ctrl)
	q := New(repo, uploader, Config{})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, chunkItem(100, i)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	gomock.InOrder(
		uploader.EXPECT().Redeliver(gomock.Any(), gomock.Any()).Return(nil),
		uploader.EXPECT().Redeliver(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, *storage.QueueItem) error { panic("poison") },
		),
		uploader.EXPECT().Redeliver(gomock.Any(), gomock.Any()).Return(nil),
	)

	res, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Delivered != 2 || res.Retrying != 1 {
		t.Errorf("Process() = %+v, want 2 delivered 1 retrying", res)
	}

	got, err := repo.Get(ctx, ItemID("wallet-1", "chain-1", 100, 1))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !strings.Contains(got.LastError, "poison") {
		t.Errorf("LastError = %q, want panic message", got.LastError)
	}
}

func TestQueue_ProcessListError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := storage_mocks.NewMockQueueStore(ctrl)
	store.EXPECT().ListPending(gomock.Any()).Return(nil, errors.New("disk I/O error"))

	q := New(store, mocks.NewMockUploader(ctrl), Config{})
	if _, err := q.Process(context.Background()); err == nil {
		t.Fatal("Process() error = nil, want list failure")
	}
}

func TestQueue_ProcessUpdateErrorDoesNotStopPass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := storage_mocks.NewMockQueueStore(ctrl)
	uploader := mocks.NewMockUploader(ctrl)

	first := chunkItem(100, 0)
	first.ID = "a"
	second := chunkItem(100, 1)
	second.ID = "b"

	store.EXPECT().ListPending(gomock.Any()).Return([]*storage.QueueItem{first, second}, nil)
	uploader.EXPECT().Redeliver(gomock.Any(), first).Return(errors.New("timeout"))
	store.EXPECT().UpdateAttempt(gomock.Any(), first).Return(errors.New("database is locked"))
	uploader.EXPECT().Redeliver(gomock.Any(), second).Return(nil)
	store.EXPECT().Delete(gomock.Any(), "b").Return(nil)

	q := New(store, uploader, Config{})
	res, err := q.Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Attempted != 2 || res.Delivered != 1 {
		t.Errorf("Process() = %+v, want both items attempted", res)
	}
}

func TestQueue_ProcessBusy(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	repo := newTestRepo(t)
	uploader := mocks.NewMockUploader(ctrl)
	q := New(repo, uploader, Config{})

	if err := q.Enqueue(ctx, chunkItem(100, 0)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	uploader.EXPECT().Redeliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *storage.QueueItem) error {
			close(entered)
			<-release
			return nil
		},
	)

	done := make(chan ProcessResult)
	go func() {
		res, _ := q.Process(ctx)
		done <- res
	}()

	<-entered
	res, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Busy {
		t.Errorf("concurrent Process() = %+v, want busy", res)
	}

	close(release)
	if first := <-done; first.Delivered != 1 {
		t.Errorf("first Process() = %+v, want 1 delivered", first)
	}
}

func TestQueue_RetryFailedAndClear(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	q := New(repo, nil, Config{})

	if err := q.Enqueue(ctx, chunkItem(100, 0)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	item, err := repo.Get(ctx, ItemID("wallet-1", "chain-1", 100, 0))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	item.Status = storage.QueueStatusFailed
	item.RetryCount = 3
	item.LastAttempt = time.Now()
	if err := repo.UpdateAttempt(ctx, item); err != nil {
		t.Fatalf("UpdateAttempt() error = %v", err)
	}

	n, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RetryFailed() = %d, want 1", n)
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 || stats.Failed != 0 {
		t.Errorf("Stats() after reset = %+v", stats)
	}
	if stats.OldestTimestamp != 100 {
		t.Errorf("OldestTimestamp = %d, want 100", stats.OldestTimestamp)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	stats, _ = q.Stats(ctx)
	if stats != (Stats{}) {
		t.Errorf("Stats() after clear = %+v, want zero", stats)
	}
}
