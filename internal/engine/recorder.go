package engine

import (
	"context"
	"errors"
	"time"

	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

const defaultFinalizeTimeout = 5 * time.Second

// Recorder owns the two audit writes of a run and the usage counter.
type Recorder struct {
	runs            repository.RunStore
	usage           repository.UsageStore
	logger          *logging.Logger
	now             func() time.Time
	finalizeTimeout time.Duration
}

// NewRecorder creates a Recorder.
func NewRecorder(runs repository.RunStore, usage repository.UsageStore, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{
		runs:            runs,
		usage:           usage,
		logger:          logger.Component("recorder"),
		now:             func() time.Time { return time.Now().UTC() },
		finalizeTimeout: defaultFinalizeTimeout,
	}
}

// Begin creates the run in processing state. A key already claimed by a live
// run is reported as a duplicate Failure.
func (r *Recorder) Begin(ctx context.Context, teamID string, dryRun bool, dc models.DecisionContext) (string, error) {
	run := &models.Run{
		TeamID:         teamID,
		TriggerType:    models.TriggerSignalEvaluation,
		IdempotencyKey: dc.IdempotencyKey,
		DryRun:         dryRun,
		Context:        dc,
		StartedAt:      r.now(),
	}
	id, err := r.runs.CreateRun(ctx, run)
	if errors.Is(err, repository.ErrDuplicate) {
		return "", fail(KindDuplicate, err)
	}
	if err != nil {
		return "", fail(KindStorage, err)
	}
	return id, nil
}

// Finish moves the run to a terminal status. It writes on a context detached
// from ctx's cancellation so a run is closed even after the evaluation deadline.
func (r *Recorder) Finish(ctx context.Context, runID string, status models.RunStatus, dc models.DecisionContext) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalizeTimeout)
	defer cancel()

	err := r.runs.UpdateRun(ctx, runID, models.RunUpdate{
		Status:      status,
		Context:     dc,
		CompletedAt: r.now(),
	})
	if err != nil {
		r.logger.Error("failed to finalize run", "run_id", runID, "status", status, "error", err)
		return fail(KindStorage, err)
	}
	return nil
}

// CountUsage increments the team's automation counter. Failures are logged only.
func (r *Recorder) CountUsage(ctx context.Context, teamID string) {
	if r.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalizeTimeout)
	defer cancel()

	if err := r.usage.IncrementUsage(ctx, teamID); err != nil {
		r.logger.Warn("usage increment failed", "team_id", teamID, "error", err)
	}
}
