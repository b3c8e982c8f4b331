package hydration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"walletsync/internal/codec"
	"walletsync/internal/contextutil"
	"walletsync/internal/transport"
)

// outcome tells the manager what to do after a strategy ran.
type outcome int

const (
	// outcomeSuccess ends the run as completed.
	outcomeSuccess outcome = iota
	// outcomeContinue hands the run to the next strategy.
	outcomeContinue
	// outcomeFatal ends the run with the returned error.
	outcomeFatal
)

// strategy is one way of moving a snapshot into the store.
type strategy interface {
	name() string
	run(ctx context.Context, r *run) (outcome, error)
}

// snapshotStrategy downloads the whole snapshot in one request.
type snapshotStrategy struct{}

func (snapshotStrategy) name() string { return StrategySnapshot }

func (snapshotStrategy) run(ctx context.Context, r *run) (outcome, error) {
	logger := contextutil.LoggerFromContext(ctx)

	// a whole snapshot would redo chunks an interrupted run already wrote
	if r.resumeFrom > 0 {
		return outcomeContinue, nil
	}

	snap, err := r.m.api.DownloadSnapshot(ctx, r.scopeID, r.partitionID)
	if errors.Is(err, transport.ErrNotAvailable) {
		logger.DebugContext(ctx, "snapshot not available, falling back to chunks")
		return outcomeContinue, nil
	}
	if err != nil {
		return outcomeFatal, fmt.Errorf("failed to download snapshot: %w", err)
	}
	if snap.Timestamp != 0 && snap.Timestamp != r.manifest.Timestamp {
		logger.InfoContext(ctx, "snapshot does not match manifest, falling back to chunks",
			"snapshot_ts", snap.Timestamp,
			"manifest_ts", r.manifest.Timestamp,
		)
		return outcomeContinue, nil
	}

	r.setProgress(ctx, 50, -1)

	if err := codec.VerifyHash(r.manifest.OverallHash, snap.Data); err != nil {
		return outcomeFatal, fmt.Errorf("snapshot: %w: %w", ErrIntegrity, err)
	}

	if err := r.replay(ctx, snap.Data); err != nil {
		return outcomeFatal, err
	}

	r.setProgress(ctx, 100, r.manifest.ChunkCount-1)
	return outcomeSuccess, nil
}

// chunkedStrategy downloads chunks in bounded batches and applies each batch in index order.
type chunkedStrategy struct{}

func (chunkedStrategy) name() string { return StrategyChunked }

func (chunkedStrategy) run(ctx context.Context, r *run) (outcome, error) {
	logger := contextutil.LoggerFromContext(ctx)
	total := r.manifest.ChunkCount
	batchSize := r.m.concurrency

	for start := r.resumeFrom; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			return outcomeFatal, err
		}

		end := min(start+batchSize, total)
		batch, err := r.downloadBatch(ctx, start, end)
		if err != nil {
			return outcomeFatal, err
		}

		for i, data := range batch {
			index := start + i
			if err := r.replay(ctx, data); err != nil {
				return outcomeFatal, fmt.Errorf("chunk %d: %w", index, err)
			}
			r.setProgress(ctx, (index+1)*100/total, index)
		}

		logger.DebugContext(ctx, "chunk batch applied", "from", start, "to", end-1, "total", total)

		if end < total && r.m.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return outcomeFatal, ctx.Err()
			case <-time.After(r.m.batchDelay):
			}
		}
	}
	return outcomeSuccess, nil
}

// downloadBatch fetches chunks [start, end) concurrently and verifies each against the manifest.
// The result is indexed from start regardless of completion order.
func (r *run) downloadBatch(ctx context.Context, start, end int) ([][]byte, error) {
	out := make([][]byte, end-start)
	g, gctx := errgroup.WithContext(ctx)

	for i := start; i < end; i++ {
		g.Go(func() error {
			data, err := r.m.api.DownloadChunk(gctx, r.scopeID, r.partitionID, r.manifest.Timestamp, i)
			if err != nil {
				return fmt.Errorf("failed to download chunk %d: %w", i, err)
			}
			if err := codec.VerifyHash(r.manifest.ChunkHash(i), data); err != nil {
				return fmt.Errorf("chunk %d: %w: %w", i, ErrIntegrity, err)
			}
			out[i-start] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
