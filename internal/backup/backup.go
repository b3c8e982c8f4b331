// Package backup takes full-store backups and restores a wiped wallet store from them.
package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"walletsync/internal/codec"
	"walletsync/internal/contextutil"
	"walletsync/internal/exporter"
	"walletsync/internal/hydration"
	"walletsync/internal/kvstore"
	"walletsync/internal/storage"
	"walletsync/internal/transport"
)

var (
	// ErrNoBackup is returned when the backend holds no backup for the scope.
	ErrNoBackup = errors.New("no backup available")
	// ErrInvalidBackup is returned when a backup fails verification.
	ErrInvalidBackup = errors.New("invalid backup")
	// ErrMissingRoot is returned when the store has no root record to back up.
	ErrMissingRoot = errors.New("wallet root record missing")
)

const (
	// DefaultMaxBodyBytes is the backend's request ceiling. A backup goes up as one request.
	DefaultMaxBodyBytes = 4_500_000
	// envelopeBytes covers the JSON fields around the base64 data.
	envelopeBytes = 256
)

// TooLargeError reports a backup whose upload request does not fit under the body limit.
type TooLargeError struct {
	DumpBytes int
	BodyBytes int64
	Limit     int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("backup request of %d bytes (%d byte dump) exceeds the %d byte body limit",
		e.BodyBytes, e.DumpBytes, e.Limit)
}

func (e *TooLargeError) Unwrap() error {
	return transport.ErrPayloadTooLarge
}

// Dumper serializes the whole store.
type Dumper interface {
	Dump(ctx context.Context) (*exporter.Dump, error)
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	BackupID        string
	RecordsRestored int
	// RescanPartitions lists partitions whose scan checkpoints were dropped and must be re-derived.
	RescanPartitions   []string
	CheckpointsCleared int
}

// Config holds backup settings.
type Config struct {
	// RootKey is the record whose absence marks a wiped store. Defaults to kvstore.DefaultRootKey.
	RootKey []byte
	// MaxBodyBytes is the largest upload request the backend accepts. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Service creates and restores backups.
type Service struct {
	store   kvstore.Store
	dumper  Dumper
	api     transport.SyncAPI
	cursors storage.CursorStore
	states  storage.HydrationStateStore
	locks   *hydration.Locks
	rootKey []byte
	maxBody int64
}

// New creates a new Service. locks is the session's hydration lock set.
func New(store kvstore.Store, dumper Dumper, api transport.SyncAPI, cursors storage.CursorStore,
	states storage.HydrationStateStore, locks *hydration.Locks, cfg Config) *Service {
	s := &Service{
		store:   store,
		dumper:  dumper,
		api:     api,
		cursors: cursors,
		states:  states,
		locks:   locks,
		rootKey: cfg.RootKey,
		maxBody: cfg.MaxBodyBytes,
	}
	if len(s.rootKey) == 0 {
		s.rootKey = kvstore.DefaultRootKey
	}
	if s.locks == nil {
		s.locks = hydration.NewLocks()
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	return s
}

// CreateBackup uploads a full copy of the store. It reports false when the store is empty.
// A backup that does not fit in one request, or that the backend answers with 413, fails with
// a *TooLargeError.
func (s *Service) CreateBackup(ctx context.Context, scopeID string) (bool, error) {
	logger := contextutil.LoggerFromContext(ctx).With("scope_id", scopeID)

	dump, err := s.dumper.Dump(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to dump store: %w", err)
	}
	if dump.RecordCount == 0 {
		logger.InfoContext(ctx, "store is empty, no backup taken")
		return false, nil
	}
	if err := validateRoot(dump.Data, s.rootKey); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMissingRoot, err)
	}

	tooLarge := &TooLargeError{
		DumpBytes: len(dump.Data),
		BodyBytes: int64(base64.StdEncoding.EncodedLen(len(dump.Data)) + envelopeBytes + len(scopeID)),
		Limit:     s.maxBody,
	}
	if tooLarge.BodyBytes > tooLarge.Limit {
		logger.WarnContext(ctx, "backup too large to upload", "dump_bytes", tooLarge.DumpBytes, "limit", tooLarge.Limit)
		return false, tooLarge
	}

	b := &transport.Backup{
		ScopeID:     scopeID,
		BackupID:    uuid.NewString(),
		Data:        dump.Data,
		Hash:        dump.Hash,
		RecordCount: dump.RecordCount,
	}
	if err := s.api.UploadBackup(ctx, b); err != nil {
		if errors.Is(err, transport.ErrPayloadTooLarge) {
			return false, tooLarge
		}
		return false, fmt.Errorf("failed to upload backup: %w", err)
	}

	logger.InfoContext(ctx, "backup created",
		"backup_id", b.BackupID,
		"records", b.RecordCount,
		"bytes", len(b.Data),
	)
	return true, nil
}

// RestoreFromBackup replaces the store's content with the scope's backup and drops every
// piece of sync bookkeeping that described the old store.
func (s *Service) RestoreFromBackup(ctx context.Context, scopeID string) (*RestoreResult, error) {
	logger := contextutil.LoggerFromContext(ctx).With("scope_id", scopeID)

	key, ok := s.locks.TryAcquireScope(scopeID, "")
	if !ok {
		return nil, fmt.Errorf("restore %s: %w", scopeID, hydration.ErrLocked)
	}
	defer s.locks.Release(key)

	b, err := s.api.DownloadBackup(ctx, scopeID)
	if errors.Is(err, transport.ErrNotAvailable) {
		return nil, fmt.Errorf("restore %s: %w", scopeID, ErrNoBackup)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download backup: %w", err)
	}

	if err := codec.VerifyHash(b.Hash, b.Data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBackup, err)
	}
	parsed, err := codec.ParseRecords(b.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBackup, err)
	}
	if err := validateRootRecords(parsed, s.rootKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	if err := s.store.Clear(); err != nil {
		return nil, fmt.Errorf("failed to clear store: %w", err)
	}

	records := make([]kvstore.Record, len(parsed))
	partitions := make(map[string]struct{})
	rootPartition, _ := kvstore.PartitionOf(s.rootKey)
	for i, rec := range parsed {
		records[i] = kvstore.Record{Key: rec.Key, Value: rec.Value}
		if p, ok := kvstore.PartitionOf(rec.Key); ok && p != rootPartition {
			partitions[p] = struct{}{}
		}
	}
	written, err := s.store.Apply(records, kvstore.Overwrite)
	if err != nil {
		return nil, fmt.Errorf("failed to replay backup: %w", err)
	}

	result := &RestoreResult{BackupID: b.BackupID, RecordsRestored: written}
	for p := range partitions {
		n, err := s.store.DeletePrefix(kvstore.CheckpointPrefix(p))
		if err != nil {
			return nil, fmt.Errorf("failed to reset checkpoints of %s: %w", p, err)
		}
		result.CheckpointsCleared += n
		result.RescanPartitions = append(result.RescanPartitions, p)
	}
	sort.Strings(result.RescanPartitions)

	if err := s.cursors.DeleteScope(ctx, scopeID); err != nil {
		return nil, fmt.Errorf("failed to reset export cursors: %w", err)
	}
	if err := s.states.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to reset hydration state: %w", err)
	}
	if err := s.states.DeleteByPrefix(ctx, key+":"); err != nil {
		return nil, fmt.Errorf("failed to reset hydration states: %w", err)
	}

	logger.InfoContext(ctx, "store restored from backup",
		"backup_id", b.BackupID,
		"records", written,
		"rescan_partitions", result.RescanPartitions,
		"checkpoints_cleared", result.CheckpointsCleared,
	)
	return result, nil
}

// IsDataLossError reports whether err means the store lost its root record.
func (s *Service) IsDataLossError(err error) bool {
	return IsDataLoss(err, s.rootKey)
}

// IsDataLoss reports whether err is a missing-key error for rootKey. Errors from other
// store layers are recognised by their "key not found" text naming the root key.
func IsDataLoss(err error, rootKey []byte) bool {
	if err == nil {
		return false
	}
	var nf *kvstore.KeyNotFoundError
	if errors.As(err, &nf) {
		return bytes.Equal(nf.Key, rootKey)
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "key not found") && strings.Contains(msg, strings.ToLower(string(rootKey)))
}

func validateRoot(ndjson, rootKey []byte) error {
	records, err := codec.ParseRecords(ndjson)
	if err != nil {
		return err
	}
	return validateRootRecords(records, rootKey)
}

func validateRootRecords(records []codec.Record, rootKey []byte) error {
	for _, rec := range records {
		if bytes.Equal(rec.Key, rootKey) {
			if len(rec.Value) == 0 {
				return fmt.Errorf("root record %s is empty", rootKey)
			}
			return nil
		}
	}
	return fmt.Errorf("root record %s not found", rootKey)
}
