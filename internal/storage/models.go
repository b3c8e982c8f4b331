package storage

import "time"

// QueueStatus is the lifecycle status of a queued upload.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusFailed  QueueStatus = "failed"
)

// QueueItem is a chunk upload that failed and waits for redelivery.
type QueueItem struct {
	ID          string // scope:partition:timestamp:chunkIndex
	ScopeID     string
	PartitionID string
	Timestamp   int64 // snapshot timestamp, also the eviction age
	ChunkIndex  int
	TotalChunks int
	Data        []byte // NDJSON chunk payload
	Hash        string // SHA-256 hex of Data
	Status      QueueStatus
	RetryCount  int
	LastError   string
	LastAttempt time.Time // zero if never attempted
	SizeBytes   int64
}

// QueueItemSize is the eviction view of a queue row.
type QueueItemSize struct {
	ID        string
	Timestamp int64
	SizeBytes int64
}

// QueueCounts aggregates the queue table.
type QueueCounts struct {
	Pending         int
	Failed          int
	TotalBytes      int64
	OldestTimestamp int64
}

// HydrationStatus is the lifecycle status of a hydration run.
type HydrationStatus string

const (
	HydrationIdle      HydrationStatus = "idle"
	HydrationRunning   HydrationStatus = "running"
	HydrationCompleted HydrationStatus = "completed"
	HydrationError     HydrationStatus = "error"
	HydrationCancelled HydrationStatus = "cancelled"
)

// HydrationState is the persisted progress of a hydration for one scope key.
type HydrationState struct {
	ScopeKey    string // walletID or walletID:partitionID
	Status      HydrationStatus
	Progress    int // 0..100
	LastChunk   int // index of the last chunk written, -1 if none
	TotalChunks int
	LatestTS    int64 // manifest timestamp the state refers to
	Errors      []string
	UpdatedAt   time.Time
}

// RemoteChunk is a chunk held by the reference backend.
type RemoteChunk struct {
	ScopeID     string
	PartitionID string
	Timestamp   int64
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	Hash        string
}

// RemoteBackup is a full backup held by the reference backend.
type RemoteBackup struct {
	ScopeID     string
	BackupID    string
	Data        []byte
	Hash        string
	RecordCount int
	CreatedAt   time.Time
}
