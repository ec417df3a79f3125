package models

import (
	"time"
)

// TriggerType tags what started a run.
type TriggerType string

const (
	TriggerSignalEvaluation TriggerType = "signal_evaluation"
)

// RunStatus is the audit state of a run. Runs start in processing and move
// once to a terminal state.
type RunStatus string

const (
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunSkipped    RunStatus = "skipped"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunSkipped:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	return s == RunProcessing && next.Terminal()
}

// Skip and failure reasons recorded in the decision context.
const (
	ReasonLowConfidence   = "low_confidence"
	ReasonGlobalDisabled  = "global_disabled"
	ReasonNodeDisabled    = "node_disabled"
	ReasonFlagUnavailable = "flag_unavailable"
	ReasonDispatchFailed  = "dispatch_failed"
	ReasonTimeout         = "timeout"
)

// Context retrieval states recorded so an empty context is auditable.
const (
	ContextOK          = "ok"
	ContextEmpty       = "empty"
	ContextUnavailable = "unavailable"
	ContextDisabled    = "disabled"
)

// DecisionContext is the decision blob stored with every run.
type DecisionContext struct {
	SignalID         string         `json:"signal_id"`
	SignalText       string         `json:"signal_text"`
	Source           string         `json:"source"`
	IdempotencyKey   string         `json:"idempotency_key"`
	IdempotencyCheck string         `json:"idempotency_check,omitempty"`
	MatchedNodeID    string         `json:"matched_node_id,omitempty"`
	MatchedLabel     string         `json:"matched_label,omitempty"`
	Confidence       float64        `json:"confidence"`
	Rationale        string         `json:"rationale"`
	Threshold        float64        `json:"threshold"`
	ConfidenceFloor  float64        `json:"confidence_floor"`
	ContextStatus    string         `json:"context_status"`
	ContextSources   []string       `json:"context_sources"`
	DryRun           bool           `json:"dry_run"`
	Simulated        bool           `json:"simulated,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Action           ActionType     `json:"action,omitempty"`
	ActionParams     map[string]any `json:"action_params,omitempty"`
	ActionResult     *ActionResult  `json:"action_result,omitempty"`
}

// Run is the durable audit record of one evaluation attempt.
type Run struct {
	ID             string          `json:"id"`
	TeamID         string          `json:"team_id"`
	TriggerType    TriggerType     `json:"trigger_type"`
	Status         RunStatus       `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DryRun         bool            `json:"dry_run"`
	Context        DecisionContext `json:"model_config"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// RunUpdate finalizes a run.
type RunUpdate struct {
	Status      RunStatus
	Context     DecisionContext
	CompletedAt time.Time
}
