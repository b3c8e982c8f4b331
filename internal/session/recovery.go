package session

import (
	"context"
	"errors"
	"fmt"

	"walletsync/internal/backup"
	"walletsync/internal/contextutil"
	"walletsync/internal/hydration"
	"walletsync/internal/storage"
)

var (
	// ErrNotDataLoss is returned by Recover for errors that are not a lost wallet store.
	ErrNotDataLoss = errors.New("not a data loss error")
	// ErrUnrecoverable is returned when every recovery step failed.
	ErrUnrecoverable = errors.New("wallet store could not be recovered")
)

// Recovery outcomes.
const (
	OutcomeRestored   = "restored"
	OutcomeRehydrated = "rehydrated"
	OutcomeFatal      = "fatal"
)

// stepOutcome tells the recovery chain what to do after a step.
type stepOutcome int

const (
	stepSuccess stepOutcome = iota
	stepContinue
	stepFatal
)

// RecoveryResult describes how a lost store was brought back.
type RecoveryResult struct {
	Outcome string
	// Restore is set when the backup restore succeeded. Its RescanPartitions must be re-derived.
	Restore *backup.RestoreResult
	// Hydration is set when the store was rebuilt from the latest snapshot.
	Hydration *hydration.State
	// StepErrors holds the errors of the steps that did not succeed, in order.
	StepErrors []error
}

type recoveryStep struct {
	name string
	run  func(ctx context.Context, result *RecoveryResult) (stepOutcome, error)
}

// Recover brings back a wallet store that lost its data. cause is the error that revealed the
// loss; when it is set and is not a data loss error, ErrNotDataLoss is returned and nothing
// is touched. A nil cause forces recovery.
func (s *Session) Recover(ctx context.Context, cause error) (*RecoveryResult, error) {
	if cause != nil && !s.IsDataLossError(cause) {
		return nil, fmt.Errorf("%w: %w", ErrNotDataLoss, cause)
	}

	ctx, logger := contextutil.WithAttrs(ctx, "scope_id", s.scopeID)
	logger.WarnContext(ctx, "wallet store data loss, starting recovery", "cause", cause)

	result := &RecoveryResult{}
	for _, step := range s.recoverySteps() {
		outcome, err := step.run(ctx, result)
		switch outcome {
		case stepSuccess:
			logger.InfoContext(ctx, "wallet store recovered", "step", step.name, "outcome", result.Outcome)
			return result, nil
		case stepFatal:
			result.Outcome = OutcomeFatal
			result.StepErrors = append(result.StepErrors, err)
			return result, fmt.Errorf("recovery step %s: %w", step.name, err)
		default:
			logger.WarnContext(ctx, "recovery step did not succeed", "step", step.name, "error", err)
			result.StepErrors = append(result.StepErrors, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	result.Outcome = OutcomeFatal
	logger.ErrorContext(ctx, "wallet store could not be recovered", "steps", len(result.StepErrors))
	return result, errors.Join(append([]error{ErrUnrecoverable}, result.StepErrors...)...)
}

func (s *Session) recoverySteps() []recoveryStep {
	return []recoveryStep{
		{name: "backup", run: s.restoreStep},
		{name: "hydration", run: s.rehydrateStep},
	}
}

func (s *Session) restoreStep(ctx context.Context, result *RecoveryResult) (stepOutcome, error) {
	restored, err := s.backups.RestoreFromBackup(ctx, s.scopeID)
	switch {
	case err == nil:
		result.Outcome = OutcomeRestored
		result.Restore = restored
		return stepSuccess, nil
	case errors.Is(err, hydration.ErrLocked):
		return stepFatal, err
	default:
		return stepContinue, err
	}
}

func (s *Session) rehydrateStep(ctx context.Context, result *RecoveryResult) (stepOutcome, error) {
	if s.hydration.Locks().ScopeBusy(s.scopeID) {
		return stepFatal, fmt.Errorf("%s: %w", s.scopeID, hydration.ErrLocked)
	}

	state, err := s.Hydrate(ctx, hydration.Options{Force: true, Mode: hydration.ModeFull})
	if err != nil {
		if ctx.Err() != nil {
			return stepFatal, err
		}
		return stepContinue, err
	}
	if state.Status != storage.HydrationCompleted || state.Strategy == "" || state.Strategy == hydration.StrategyNone {
		return stepContinue, errors.New("no remote snapshot to hydrate from")
	}
	result.Outcome = OutcomeRehydrated
	result.Hydration = state
	return stepSuccess, nil
}
