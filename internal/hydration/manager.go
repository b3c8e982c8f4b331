// Package hydration replays a remote snapshot into the local wallet store.
//
// A run moves through idle, running and one of completed, error or cancelled. Progress is
// persisted after every applied unit so an interrupted run resumes at the next chunk, and a
// run against an unchanged remote snapshot completes without touching the store.
package hydration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"walletsync/internal/codec"
	"walletsync/internal/contextutil"
	"walletsync/internal/kvstore"
	"walletsync/internal/metrics"
	"walletsync/internal/storage"
	"walletsync/internal/transport"
)

const (
	DefaultConcurrency = 8
	MaxConcurrency     = 16
	DefaultBatchDelay  = 100 * time.Millisecond

	// maxErrorLog bounds the persisted error history of a scope.
	maxErrorLog = 20
)

// Strategy names reported in State.
const (
	StrategySnapshot  = "snapshot"
	StrategyChunked   = "chunked"
	StrategyUnchanged = "unchanged"
	StrategyNone      = "none"
)

var (
	// ErrIntegrity is returned when downloaded data does not match the manifest.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrLocked is returned when a hydration for the same scope key is already running.
	ErrLocked = errors.New("hydration already running")
	// ErrNoStrategy is returned when every strategy declined the run.
	ErrNoStrategy = errors.New("no hydration strategy could complete")
)

// Mode selects how records are written.
type Mode int

const (
	// ModeAuto picks ModeFull for a whole-scope run and ModeAppend for a partition run.
	ModeAuto Mode = iota
	// ModeFull writes every record unconditionally.
	ModeFull
	// ModeAppend writes a record only when its key is absent.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeAppend:
		return "append"
	default:
		return "auto"
	}
}

// Progress is passed to Options.OnProgress after every applied unit.
type Progress struct {
	ScopeKey    string
	Percent     int
	LastChunk   int
	TotalChunks int
}

// Options configure one run.
type Options struct {
	PartitionID string
	Force       bool
	Mode        Mode
	OnProgress  func(Progress)
	OnComplete  func(*State)
	OnError     func(error)
}

// State is the result of a run: the persisted state plus counters of this run.
type State struct {
	storage.HydrationState
	RunID          string
	Strategy       string
	RecordsWritten int
	BytesApplied   int64
}

// Config holds manager settings. Zero values take the defaults.
type Config struct {
	Concurrency int
	BatchDelay  time.Duration
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Manager runs hydrations.
type Manager struct {
	store       kvstore.Store
	api         transport.SyncAPI
	states      storage.HydrationStateStore
	locks       *Locks
	concurrency int
	batchDelay  time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time
	strategies  []strategy
}

// New creates a new Manager. locks is shared with every other component replaying into store.
func New(store kvstore.Store, api transport.SyncAPI, states storage.HydrationStateStore, locks *Locks, cfg Config) *Manager {
	m := &Manager{
		store:       store,
		api:         api,
		states:      states,
		locks:       locks,
		concurrency: ClampConcurrency(cfg.Concurrency),
		batchDelay:  cfg.BatchDelay,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		strategies:  []strategy{snapshotStrategy{}, chunkedStrategy{}},
	}
	if m.locks == nil {
		m.locks = NewLocks()
	}
	if m.batchDelay < 0 {
		m.batchDelay = 0
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// ClampConcurrency maps n into 1..MaxConcurrency, with 0 meaning the default.
func ClampConcurrency(n int) int {
	switch {
	case n == 0:
		return DefaultConcurrency
	case n < 1:
		return 1
	case n > MaxConcurrency:
		return MaxConcurrency
	default:
		return n
	}
}

// ScopeKey builds the persisted and lock key of a run.
func ScopeKey(scopeID, partitionID string) string {
	if partitionID == "" {
		return scopeID
	}
	return scopeID + ":" + partitionID
}

// Locks returns the manager's lock set.
func (m *Manager) Locks() *Locks {
	return m.locks
}

// Start hydrates scopeID (or one partition of it) and returns the final state.
// If a run for the same scope key is already in flight the current state is returned
// with a nil error and nothing else happens.
func (m *Manager) Start(ctx context.Context, scopeID string, opts Options) (*State, error) {
	state, err := m.hydrate(ctx, scopeID, opts)
	if errors.Is(err, ErrLocked) {
		return state, nil
	}
	return state, err
}

// LoadPartitionBootstrap adds a partition's remote snapshot to an already populated store
// without overwriting existing keys. It reports whether the partition's data is now present;
// a concurrent run for the same partition is rejected with applied=false.
func (m *Manager) LoadPartitionBootstrap(ctx context.Context, walletID, partitionID string) (bool, error) {
	state, err := m.hydrate(ctx, walletID, Options{PartitionID: partitionID, Mode: ModeAppend})
	if errors.Is(err, ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Status == storage.HydrationCompleted && state.Strategy != StrategyNone, nil
}

// State returns the persisted state of a scope key, or an idle state if none was saved.
func (m *Manager) State(ctx context.Context, scopeID, partitionID string) (*storage.HydrationState, error) {
	key := ScopeKey(scopeID, partitionID)
	state, err := m.states.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.HydrationState{ScopeKey: key, Status: storage.HydrationIdle, LastChunk: -1}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Reset forgets the persisted state of a scope key so the next run starts from zero.
func (m *Manager) Reset(ctx context.Context, scopeID, partitionID string) error {
	key := ScopeKey(scopeID, partitionID)
	if m.locks.Held(key) {
		return fmt.Errorf("reset %s: %w", key, ErrLocked)
	}
	return m.states.Delete(ctx, key)
}

// run is the mutable state of one hydration.
type run struct {
	m           *Manager
	scopeID     string
	partitionID string
	mode        kvstore.WriteMode
	manifest    *codec.Manifest
	resumeFrom  int
	state       *State
	opts        Options
}

func (m *Manager) hydrate(ctx context.Context, scopeID string, opts Options) (*State, error) {
	logger := contextutil.LoggerFromContext(ctx).With("scope_id", scopeID, "partition_id", opts.PartitionID)

	key, ok := m.locks.TryAcquireScope(scopeID, opts.PartitionID)
	if !ok {
		logger.WarnContext(ctx, "hydration already running, request rejected")
		current, err := m.State(ctx, scopeID, opts.PartitionID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, ErrLocked)
		}
		return &State{HydrationState: *current}, fmt.Errorf("%s: %w", key, ErrLocked)
	}
	defer m.locks.Release(key)

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	ctx = contextutil.WithLogger(ctx, logger)

	prev, err := m.states.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load hydration state: %w", err)
	}

	r := &run{
		m:           m,
		scopeID:     scopeID,
		partitionID: opts.PartitionID,
		mode:        writeMode(opts),
		opts:        opts,
		state: &State{
			HydrationState: storage.HydrationState{
				ScopeKey:  key,
				Status:    storage.HydrationRunning,
				LastChunk: -1,
			},
			RunID: runID,
		},
	}
	if prev != nil {
		r.state.Errors = prev.Errors
	}

	manifest, err := m.api.GetManifest(ctx, scopeID, opts.PartitionID)
	if errors.Is(err, transport.ErrNotAvailable) {
		logger.InfoContext(ctx, "no remote snapshot to hydrate from")
		r.state.Strategy = StrategyNone
		return r.complete(ctx)
	}
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to fetch manifest: %w", err))
	}
	r.manifest = manifest
	r.state.LatestTS = manifest.Timestamp
	r.state.TotalChunks = manifest.ChunkCount

	if !opts.Force && prev != nil && prev.LatestTS == manifest.Timestamp {
		if prev.Status == storage.HydrationCompleted {
			logger.InfoContext(ctx, "remote snapshot unchanged, nothing to hydrate", "ts", manifest.Timestamp)
			r.state.HydrationState = *prev
			r.state.Strategy = StrategyUnchanged
			if opts.OnComplete != nil {
				opts.OnComplete(r.state)
			}
			m.metrics.HydrationFinished(string(storage.HydrationCompleted))
			return r.state, nil
		}
		if prev.LastChunk >= 0 && prev.LastChunk < manifest.ChunkCount {
			r.resumeFrom = prev.LastChunk + 1
			r.state.LastChunk = prev.LastChunk
			r.state.Progress = prev.Progress
			logger.InfoContext(ctx, "resuming hydration", "next_chunk", r.resumeFrom, "total_chunks", manifest.ChunkCount)
		}
	}

	if err := r.save(ctx); err != nil {
		return r.fail(ctx, err)
	}

	logger.InfoContext(ctx, "hydration started",
		"ts", manifest.Timestamp,
		"chunks", manifest.ChunkCount,
		"mode", modeName(r.mode),
	)

	for _, s := range m.strategies {
		out, err := s.run(ctx, r)
		switch out {
		case outcomeSuccess:
			r.state.Strategy = s.name()
			return r.complete(ctx)
		case outcomeFatal:
			return r.fail(ctx, err)
		case outcomeContinue:
			logger.DebugContext(ctx, "hydration strategy declined", "strategy", s.name())
		}
	}
	return r.fail(ctx, ErrNoStrategy)
}

func writeMode(opts Options) kvstore.WriteMode {
	switch opts.Mode {
	case ModeFull:
		return kvstore.Overwrite
	case ModeAppend:
		return kvstore.InsertMissing
	default:
		if opts.PartitionID != "" {
			return kvstore.InsertMissing
		}
		return kvstore.Overwrite
	}
}

func modeName(w kvstore.WriteMode) string {
	if w == kvstore.InsertMissing {
		return ModeAppend.String()
	}
	return ModeFull.String()
}

// replay parses an NDJSON payload and writes it to the store in one batch.
func (r *run) replay(ctx context.Context, data []byte) error {
	parsed, err := codec.ParseRecords(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	records := make([]kvstore.Record, len(parsed))
	for i, rec := range parsed {
		records[i] = kvstore.Record{Key: rec.Key, Value: rec.Value}
	}

	written, err := r.m.store.Apply(records, r.mode)
	if err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	r.state.RecordsWritten += written
	r.state.BytesApplied += int64(len(data))
	r.m.metrics.HydrationApplied(0, written)

	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "records replayed", "records", len(records), "written", written)
	return nil
}

// setProgress persists progress and reports it. lastChunk < 0 keeps the previous value.
func (r *run) setProgress(ctx context.Context, percent, lastChunk int) {
	r.state.Progress = percent
	if lastChunk >= 0 {
		r.state.LastChunk = lastChunk
		r.m.metrics.HydrationApplied(1, 0)
	}
	if err := r.save(ctx); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist hydration progress", "error", err)
	}
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(Progress{
			ScopeKey:    r.state.ScopeKey,
			Percent:     percent,
			LastChunk:   r.state.LastChunk,
			TotalChunks: r.state.TotalChunks,
		})
	}
}

// save persists the state even after the run's context is done, so a cancelled run keeps its progress.
func (r *run) save(ctx context.Context) error {
	r.state.UpdatedAt = r.m.now()
	if err := r.m.states.Save(context.WithoutCancel(ctx), &r.state.HydrationState); err != nil {
		return fmt.Errorf("failed to save hydration state: %w", err)
	}
	return nil
}

func (r *run) complete(ctx context.Context) (*State, error) {
	logger := contextutil.LoggerFromContext(ctx)

	r.state.Status = storage.HydrationCompleted
	r.state.Progress = 100
	if err := r.save(ctx); err != nil {
		return r.fail(ctx, err)
	}

	logger.InfoContext(ctx, "hydration completed",
		"strategy", r.state.Strategy,
		"records_written", r.state.RecordsWritten,
		"bytes", r.state.BytesApplied,
	)
	r.m.metrics.HydrationFinished(string(storage.HydrationCompleted))
	if r.opts.OnComplete != nil {
		r.opts.OnComplete(r.state)
	}
	return r.state, nil
}

// fail records err on the persisted state. Cancellation ends as cancelled, everything else as error.
func (r *run) fail(ctx context.Context, err error) (*State, error) {
	logger := contextutil.LoggerFromContext(ctx)

	status := storage.HydrationError
	level := slog.LevelError
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		status = storage.HydrationCancelled
		level = slog.LevelInfo
	}

	r.state.Status = status
	r.state.Errors = appendError(r.state.Errors, fmt.Sprintf("%s: %v", r.m.now().UTC().Format(time.RFC3339), err))

	if serr := r.save(ctx); serr != nil {
		logger.ErrorContext(ctx, "failed to persist hydration failure", "error", serr)
	}

	logger.Log(ctx, level, "hydration ended without completing",
		"status", string(status),
		"last_chunk", r.state.LastChunk,
		"error", err,
	)
	r.m.metrics.HydrationFinished(string(status))
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
	return r.state, err
}

func appendError(log []string, entry string) []string {
	log = append(log, entry)
	if len(log) > maxErrorLog {
		log = log[len(log)-maxErrorLog:]
	}
	return log
}
