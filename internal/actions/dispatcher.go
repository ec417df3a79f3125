package actions

import (
	"context"
	"fmt"
	"time"

	"signal-autopilot/internal/logging"
	"signal-autopilot/pkg/models"
)

// Executor performs one kind of side effect. The returned payload is stored
// with the run.
type Executor interface {
	Execute(ctx context.Context, teamID string, params map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, teamID string, params map[string]any) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, teamID string, params map[string]any) (map[string]any, error) {
	return f(ctx, teamID, params)
}

// Dispatcher is the only component that causes external side effects. Every
// failure of an executor is turned into an ActionResult.
type Dispatcher struct {
	executors map[models.ActionType]Executor
	timeout   time.Duration
	logger    *logging.Logger
}

// NewDispatcher creates a dispatcher whose executor calls are bounded by timeout.
func NewDispatcher(timeout time.Duration, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		executors: make(map[models.ActionType]Executor),
		timeout:   timeout,
		logger:    logger.Component("dispatcher"),
	}
}

// Register installs the executor for action.
func (d *Dispatcher) Register(action models.ActionType, executor Executor) {
	d.executors[action] = executor
}

// Execute runs action for the team and reports the structured outcome.
func (d *Dispatcher) Execute(ctx context.Context, teamID string, action models.ActionType, params map[string]any) (result models.ActionResult) {
	executor, ok := d.executors[action]
	if !ok {
		return d.failure(teamID, action, &IntegrationError{Kind: KindUnsupported, Message: fmt.Sprintf("no executor for action %q", action)})
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = d.failure(teamID, action, &IntegrationError{Kind: KindInternal, Message: fmt.Sprintf("executor panic: %v", r)})
		}
	}()

	payload, err := executor.Execute(ctx, teamID, params)
	if err != nil {
		return d.failure(teamID, action, err)
	}

	d.logger.Info("action executed", "team_id", teamID, "action", action)
	return models.ActionResult{
		Success: true,
		Message: fmt.Sprintf("%s executed", action),
		Payload: payload,
	}
}

func (d *Dispatcher) failure(teamID string, action models.ActionType, err error) models.ActionResult {
	kind := kindOf(err)
	d.logger.Error("action failed", "team_id", teamID, "action", action, "kind", kind, "error", err)
	return models.ActionResult{
		Success: false,
		Message: fmt.Sprintf("%s failed", action),
		Error:   err.Error(),
		Kind:    string(kind),
	}
}
