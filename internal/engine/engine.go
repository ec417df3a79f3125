package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/internal/services"
	"signal-autopilot/pkg/models"
)

const (
	defaultDispatchTimeout = 10 * time.Second
	reasonInternal         = "internal_error"
)

// Retriever returns supporting knowledge for a signal.
type Retriever interface {
	Retrieve(ctx context.Context, teamID, text string) ([]models.Snippet, error)
}

// Planner turns a matched node into an action and its parameters.
type Planner interface {
	Plan(node models.Node, signal models.Signal) (models.ActionType, map[string]any)
}

// Dispatcher performs the action and reports a structured result.
type Dispatcher interface {
	Execute(ctx context.Context, teamID string, action models.ActionType, params map[string]any) models.ActionResult
}

// Deps are the collaborators of the engine. Retriever and Policies are optional.
type Deps struct {
	Rules      repository.RuleStore
	Flags      repository.FlagStore
	Runs       repository.RunStore
	Usage      repository.UsageStore
	Policies   PolicySource
	Retriever  Retriever
	Classifier services.ClassificationClient
	Planner    Planner
	Dispatcher Dispatcher
}

// Options tune the engine.
type Options struct {
	Thresholds      Thresholds
	DispatchTimeout time.Duration
	Logger          *logging.Logger
	MeterProvider   metric.MeterProvider
	TracerProvider  trace.TracerProvider
}

// Disposition summarizes how far an evaluation went.
type Disposition string

const (
	// DispositionDuplicate means a live run already exists for the signal.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionNoRules means the team has no usable active rule graph.
	DispositionNoRules Disposition = "no_rules"
	// DispositionNoMatch means nothing matched above the noise floor.
	DispositionNoMatch Disposition = "no_match"
	// DispositionRecorded means a run was created and finalized.
	DispositionRecorded Disposition = "recorded"
	// DispositionAborted means a storage failure or deadline stopped the evaluation.
	DispositionAborted Disposition = "aborted"
)

// Outcome reports the result of one evaluation.
type Outcome struct {
	Disposition  Disposition          `json:"disposition"`
	TeamID       string               `json:"team_id"`
	SignalID     string               `json:"signal_id,omitempty"`
	RunID        string               `json:"run_id,omitempty"`
	Status       models.RunStatus     `json:"status,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Match        models.MatchResult   `json:"match"`
	Action       models.ActionType    `json:"action,omitempty"`
	ActionResult *models.ActionResult `json:"action_result,omitempty"`
	DryRun       bool                 `json:"dry_run"`
	Simulated    bool                 `json:"simulated,omitempty"`
	Err          error                `json:"-"`
}

// Engine evaluates signals against the team's active rule graph.
type Engine struct {
	deps            Deps
	guard           *Guard
	matcher         *Matcher
	gate            *Gate
	policy          *Policy
	recorder        *Recorder
	dispatchTimeout time.Duration
	logger          *logging.Logger
	tracer          trace.Tracer
	metrics         *metrics
	now             func() time.Time
}

// New wires an Engine.
func New(deps Deps, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	logger := opts.Logger.Component("engine")
	return &Engine{
		deps:            deps,
		guard:           NewGuard(deps.Runs),
		matcher:         NewMatcher(deps.Classifier, opts.Logger),
		gate:            NewGate(deps.Flags, opts.Logger),
		policy:          NewPolicy(opts.Thresholds, deps.Policies, opts.Logger),
		recorder:        NewRecorder(deps.Runs, deps.Usage, opts.Logger),
		dispatchTimeout: opts.DispatchTimeout,
		logger:          logger,
		tracer:          opts.TracerProvider.Tracer(instrumentationName),
		metrics:         newMetrics(opts.MeterProvider),
		now:             time.Now,
	}
}

// evaluation carries the state of one Evaluate call.
type evaluation struct {
	out    Outcome
	signal models.Signal
	dc     models.DecisionContext
	runID  string
	logger *logging.Logger
}

// Evaluate runs the decision pipeline for signal on behalf of teamID. It never
// panics and never returns an error; failures are reported in the Outcome.
func (e *Engine) Evaluate(ctx context.Context, teamID string, signal models.Signal, dryRun bool) (out Outcome) {
	start := e.now()
	signal.TeamID = teamID

	ctx, span := e.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(
		attribute.String("team_id", teamID),
		attribute.String("signal_id", signal.ID),
		attribute.String("source", signal.Source),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()

	ev := &evaluation{
		out:    Outcome{TeamID: teamID, SignalID: signal.ID, DryRun: dryRun},
		signal: signal,
		logger: e.logger.With("team_id", teamID, "signal_id", signal.ID, "dry_run", dryRun),
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("evaluation panic: %v", r)
			ev.logger.Error("evaluation panic", "panic", r)
			if ev.runID != "" && ev.out.Status == "" {
				ev.dc.Reason = reasonInternal
				e.finish(ctx, ev, models.RunFailed)
			}
			if ev.out.Disposition == "" {
				ev.out.Disposition = DispositionAborted
			}
			ev.out.Err = err
			out = ev.out
		}
		span.SetAttributes(attribute.String("disposition", string(out.Disposition)))
		if out.RunID != "" {
			span.SetAttributes(attribute.String("run_id", out.RunID), attribute.String("status", string(out.Status)))
		}
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		e.metrics.evaluated(ctx, out.Disposition, dryRun, e.now().Sub(start).Seconds())
	}()

	e.evaluate(ctx, ev, dryRun)
	return ev.out
}

func (e *Engine) evaluate(ctx context.Context, ev *evaluation, dryRun bool) {
	teamID := ev.out.TeamID
	key := IdempotencyKey(teamID, ev.signal)
	ev.dc = models.DecisionContext{
		SignalID:       ev.signal.ID,
		SignalText:     ev.signal.Text,
		Source:         ev.signal.Source,
		IdempotencyKey: key,
		DryRun:         dryRun,
		ContextSources: []string{},
	}

	if !dryRun {
		seen, err := e.guard.Seen(ctx, teamID, key)
		switch {
		case err != nil:
			ev.logger.Warn("idempotency check unavailable, proceeding", "error", err)
			ev.dc.IdempotencyCheck = "unavailable"
		case seen:
			ev.logger.Info("duplicate signal suppressed")
			ev.out.Disposition = DispositionDuplicate
			return
		default:
			ev.dc.IdempotencyCheck = "ok"
		}
	}

	graph, err := e.deps.Rules.GetActiveRuleGraph(ctx, teamID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		ev.logger.Debug("no active rule graph")
		ev.out.Disposition = DispositionNoRules
		return
	case errors.Is(err, repository.ErrMultipleActive):
		ev.logger.Warn("rule graph anomaly", "error", err)
		ev.out.Disposition = DispositionNoRules
		return
	case err != nil:
		ev.logger.Error("rule graph lookup failed", "error", err)
		ev.out.Disposition = DispositionNoRules
		ev.out.Err = fail(KindNoRules, err)
		return
	}

	candidates := graph.Candidates()
	var snippets []models.Snippet
	if len(candidates) > 0 {
		snippets = e.retrieve(ctx, ev)
	}

	match := e.matcher.Match(ctx, ev.signal.Text, candidates, snippets)
	ev.out.Match = match
	thresholds := e.policy.For(ctx, teamID)
	decision := thresholds.Decide(match.Confidence)
	if !match.Matched() || decision == DecisionIgnore {
		ev.logger.Debug("below noise floor", "confidence", match.Confidence, "rationale", match.Rationale)
		ev.out.Disposition = DispositionNoMatch
		return
	}

	node, _ := graph.Node(match.NodeID)
	ev.dc.MatchedNodeID = node.ID
	ev.dc.MatchedLabel = node.Label
	ev.dc.Confidence = match.Confidence
	ev.dc.Rationale = match.Rationale
	ev.dc.Threshold = thresholds.ExecutionThreshold
	ev.dc.ConfidenceFloor = thresholds.ConfidenceFloor

	runID, err := e.recorder.Begin(ctx, teamID, dryRun, ev.dc)
	if err != nil {
		if IsKind(err, KindDuplicate) {
			ev.logger.Info("duplicate signal suppressed by store")
			ev.out.Disposition = DispositionDuplicate
			return
		}
		ev.logger.Error("failed to create run", "error", err)
		ev.out.Disposition = DispositionAborted
		ev.out.Err = err
		return
	}
	ev.runID = runID
	ev.out.RunID = runID
	ev.out.Disposition = DispositionRecorded
	ev.logger = ev.logger.With("run_id", runID)

	if decision == DecisionSkip {
		ev.dc.Reason = models.ReasonLowConfidence
		e.finish(ctx, ev, models.RunSkipped)
		return
	}

	reason := e.gate.Check(ctx, teamID, node.ID)
	if ctx.Err() != nil {
		e.timedOut(ctx, ev)
		return
	}
	if reason != "" {
		ev.dc.Reason = reason
		e.finish(ctx, ev, models.RunSkipped)
		return
	}

	action, params := e.deps.Planner.Plan(node, ev.signal)
	ev.dc.Action = action
	ev.dc.ActionParams = params
	ev.out.Action = action

	if dryRun {
		ev.dc.Simulated = true
		ev.out.Simulated = true
		e.finish(ctx, ev, models.RunCompleted)
		return
	}

	// Once started, dispatch is bounded by its own timeout, not the evaluation deadline.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.dispatchTimeout)
	result := e.deps.Dispatcher.Execute(dctx, teamID, action, params)
	dispatchExpired := dctx.Err() != nil
	cancel()
	ev.dc.ActionResult = &result
	ev.out.ActionResult = &result
	e.metrics.dispatched(ctx, string(action), result.Success)

	if !result.Success {
		ev.dc.Reason = models.ReasonDispatchFailed
		if dispatchExpired {
			ev.dc.Reason = models.ReasonTimeout
		}
		ev.out.Err = fail(KindDispatch, errors.New(result.Error))
		e.finish(ctx, ev, models.RunFailed)
		return
	}
	if e.finish(ctx, ev, models.RunCompleted) {
		e.recorder.CountUsage(ctx, teamID)
	}
}

// retrieve fetches context snippets and records the retrieval state.
func (e *Engine) retrieve(ctx context.Context, ev *evaluation) []models.Snippet {
	if e.deps.Retriever == nil {
		ev.dc.ContextStatus = models.ContextDisabled
		return nil
	}
	snippets, err := e.deps.Retriever.Retrieve(ctx, ev.out.TeamID, ev.signal.Text)
	if err != nil {
		ev.logger.Warn("context retrieval failed", "error", err)
		ev.dc.ContextStatus = models.ContextUnavailable
		return nil
	}
	if len(snippets) == 0 {
		ev.dc.ContextStatus = models.ContextEmpty
		return nil
	}
	ev.dc.ContextStatus = models.ContextOK
	for _, s := range snippets {
		ev.dc.ContextSources = append(ev.dc.ContextSources, s.Source+":"+s.Ref)
	}
	return snippets
}

func (e *Engine) timedOut(ctx context.Context, ev *evaluation) {
	ev.dc.Reason = models.ReasonTimeout
	ev.out.Err = fail(KindTimeout, ctx.Err())
	e.finish(ctx, ev, models.RunFailed)
}

// finish finalizes the open run and reports whether the write succeeded.
func (e *Engine) finish(ctx context.Context, ev *evaluation, status models.RunStatus) bool {
	ev.out.Status = status
	ev.out.Reason = ev.dc.Reason
	err := e.recorder.Finish(ctx, ev.runID, status, ev.dc)
	e.metrics.finalized(ctx, string(status), ev.dc.Reason)
	if err != nil {
		if ev.out.Err == nil {
			ev.out.Err = err
		}
		return false
	}

	args := []any{"status", status, "confidence", ev.dc.Confidence, "node_id", ev.dc.MatchedNodeID}
	if ev.dc.Reason != "" {
		args = append(args, "reason", ev.dc.Reason)
	}
	if status == models.RunFailed {
		ev.logger.Error("run finalized", args...)
	} else {
		ev.logger.Info("run finalized", args...)
	}
	return true
}
