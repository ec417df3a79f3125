package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

const (
	defaultEvaluationTimeout = 25 * time.Second
	defaultMaxConcurrent     = 32
	maxRetryAttempts         = 20
)

var (
	// ErrRunnerBusy is returned when every evaluation slot is taken.
	ErrRunnerBusy = errors.New("runner at capacity")
	// ErrRunnerClosed is returned after Shutdown.
	ErrRunnerClosed = errors.New("runner shut down")
	// ErrAlreadyHandled is returned when a live replay targets a signal whose
	// live run did not fail.
	ErrAlreadyHandled = errors.New("signal already handled")
)

// Evaluator is the part of Engine the runner drives.
type Evaluator interface {
	Evaluate(ctx context.Context, teamID string, signal models.Signal, dryRun bool) Outcome
}

// RunnerOptions tune the background runner.
type RunnerOptions struct {
	EvaluationTimeout time.Duration
	MaxConcurrent     int
	Logger            *logging.Logger
}

// Runner executes evaluations off the request path, each bounded by the
// evaluation timeout.
type Runner struct {
	engine  Evaluator
	signals repository.SignalStore
	runs    repository.RunStore
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time

	base   context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewRunner creates a Runner.
func NewRunner(engine Evaluator, signals repository.SignalStore, runs repository.RunStore, opts RunnerOptions) *Runner {
	if opts.EvaluationTimeout <= 0 {
		opts.EvaluationTimeout = defaultEvaluationTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	base, cancel := context.WithCancel(context.Background())
	group := new(errgroup.Group)
	group.SetLimit(opts.MaxConcurrent)
	return &Runner{
		engine:  engine,
		signals: signals,
		runs:    runs,
		timeout: opts.EvaluationTimeout,
		logger:  opts.Logger.Component("runner"),
		now:     time.Now,
		base:    base,
		cancel:  cancel,
		group:   group,
	}
}

// EvaluateSignal hands the signal to a background evaluation and returns at
// once. A rejected submission is logged; the stored signal can be replayed.
func (r *Runner) EvaluateSignal(teamID string, signal models.Signal, dryRun bool) {
	if err := r.Submit(teamID, signal, dryRun); err != nil {
		r.logger.Warn("evaluation not scheduled, signal left for replay",
			"team_id", teamID, "signal_id", signal.ID, "error", err)
	}
}

// Submit schedules a background evaluation.
func (r *Runner) Submit(teamID string, signal models.Signal, dryRun bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRunnerClosed
	}
	ok := r.group.TryGo(func() error {
		r.run(r.base, teamID, signal, dryRun)
		return nil
	})
	if !ok {
		return ErrRunnerBusy
	}
	return nil
}

// Evaluate runs an evaluation synchronously under the evaluation timeout.
func (r *Runner) Evaluate(ctx context.Context, teamID string, signal models.Signal, dryRun bool) Outcome {
	return r.run(ctx, teamID, signal, dryRun)
}

// ReplaySignal re-evaluates a stored signal. Dry runs complete synchronously
// and return their outcome; live replays are scheduled and return nil. A
// non-empty teamID restricts the lookup to that team's signals.
//
// A live replay of a signal whose live runs all failed is evaluated as a new
// attempt with its own idempotency key. A run stuck in processing long past
// the evaluation timeout is closed as failed first. A signal with a live run
// in any other state is rejected with ErrAlreadyHandled.
func (r *Runner) ReplaySignal(ctx context.Context, teamID, signalID string, dryRun bool) (*Outcome, error) {
	signal, err := r.signals.GetSignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("load signal %s: %w", signalID, err)
	}
	if teamID != "" && signal.TeamID != teamID {
		return nil, fmt.Errorf("load signal %s: %w", signalID, repository.ErrNotFound)
	}
	if dryRun {
		out := r.run(ctx, signal.TeamID, *signal, true)
		return &out, nil
	}
	attempt, err := r.nextAttempt(ctx, *signal)
	if err != nil {
		return nil, err
	}
	if err := r.Submit(signal.TeamID, attempt, false); err != nil {
		return nil, err
	}
	return nil, nil
}

// nextAttempt returns the signal to evaluate for a live replay. Retry
// attempts are keyed by a suffixed external id so each gets its own run.
func (r *Runner) nextAttempt(ctx context.Context, signal models.Signal) (models.Signal, error) {
	if r.runs == nil {
		return signal, nil
	}
	base := signal.ExternalID
	if base == "" {
		base = signal.ID
	}
	attempt := signal
	for n := 0; n <= maxRetryAttempts; n++ {
		if n > 0 {
			attempt.ExternalID = fmt.Sprintf("%s#retry-%d", base, n)
		}
		run, err := r.runs.FindRunByIdempotencyKey(ctx, signal.TeamID, models.TriggerSignalEvaluation,
			IdempotencyKey(signal.TeamID, attempt))
		if errors.Is(err, repository.ErrNotFound) {
			return attempt, nil
		}
		if err != nil {
			return signal, fmt.Errorf("check prior runs: %w", err)
		}
		if run.Status == models.RunProcessing && r.abandoned(run) {
			if err := r.closeAbandoned(ctx, run); err != nil {
				return signal, err
			}
			continue
		}
		if run.Status != models.RunFailed {
			return signal, fmt.Errorf("%w: run %s is %s", ErrAlreadyHandled, run.ID, run.Status)
		}
	}
	return signal, fmt.Errorf("%w: retry limit reached", ErrAlreadyHandled)
}

// abandoned reports whether a processing run has outlived any evaluation that
// could still own it. Dispatch is shorter than the evaluation timeout, so
// twice the timeout plus the finalize window covers the slowest evaluation.
func (r *Runner) abandoned(run *models.Run) bool {
	if run.StartedAt.IsZero() {
		return false
	}
	return r.now().Sub(run.StartedAt) > 2*r.timeout+defaultFinalizeTimeout
}

// closeAbandoned finalizes a run left in processing by a crash or a failed
// final write, so its signal can be retried.
func (r *Runner) closeAbandoned(ctx context.Context, run *models.Run) error {
	dc := run.Context
	dc.Reason = models.ReasonTimeout
	err := r.runs.UpdateRun(ctx, run.ID, models.RunUpdate{
		Status:      models.RunFailed,
		Context:     dc,
		CompletedAt: r.now().UTC(),
	})
	if errors.Is(err, repository.ErrRunFinalized) {
		return fmt.Errorf("%w: run %s finished concurrently", ErrAlreadyHandled, run.ID)
	}
	if err != nil {
		return fmt.Errorf("close abandoned run %s: %w", run.ID, err)
	}
	r.logger.Warn("abandoned run closed as timed out",
		"team_id", run.TeamID, "run_id", run.ID, "started_at", run.StartedAt)
	return nil
}

func (r *Runner) run(ctx context.Context, teamID string, signal models.Signal, dryRun bool) (out Outcome) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("evaluation panic", "team_id", teamID, "signal_id", signal.ID, "panic", p)
			out = Outcome{TeamID: teamID, SignalID: signal.ID, DryRun: dryRun, Disposition: DispositionAborted,
				Err: fmt.Errorf("evaluation panic: %v", p)}
		}
	}()

	out = r.engine.Evaluate(ctx, teamID, signal, dryRun)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("evaluation timed out, signal left for replay",
			"team_id", teamID, "signal_id", signal.ID, "timeout", r.timeout, "disposition", out.Disposition)
	}
	return out
}

// Shutdown stops accepting work and waits for in-flight evaluations until ctx
// is done, after which they are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
