package engine

import (
	"context"

	"signal-autopilot/internal/logging"
	"signal-autopilot/pkg/models"
)

// Default decision thresholds.
const (
	DefaultConfidenceFloor    = 0.10
	DefaultExecutionThreshold = 0.90
)

// Decision is what the policy does with a confidence value.
type Decision int

const (
	// DecisionIgnore records nothing.
	DecisionIgnore Decision = iota
	// DecisionSkip records a skipped run with reason low_confidence.
	DecisionSkip
	// DecisionExecute proceeds to the safety gate.
	DecisionExecute
)

// Thresholds bounds the three decision bands.
type Thresholds struct {
	ConfidenceFloor    float64 `json:"confidence_floor"`
	ExecutionThreshold float64 `json:"execution_threshold"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{ConfidenceFloor: DefaultConfidenceFloor, ExecutionThreshold: DefaultExecutionThreshold}
}

// Valid reports whether 0 <= floor < threshold <= 1.
func (t Thresholds) Valid() bool {
	return t.ConfidenceFloor >= 0 && t.ConfidenceFloor < t.ExecutionThreshold && t.ExecutionThreshold <= 1
}

// Apply returns t with the fields set in o replaced.
func (t Thresholds) Apply(o *models.PolicyOverride) Thresholds {
	if o == nil {
		return t
	}
	if o.ConfidenceFloor != nil {
		t.ConfidenceFloor = *o.ConfidenceFloor
	}
	if o.ExecutionThreshold != nil {
		t.ExecutionThreshold = *o.ExecutionThreshold
	}
	return t
}

// Decide places c in a band: below the floor is ignored, below the threshold
// is skipped, anything else executes.
func (t Thresholds) Decide(c float64) Decision {
	switch {
	case c < t.ConfidenceFloor:
		return DecisionIgnore
	case c < t.ExecutionThreshold:
		return DecisionSkip
	default:
		return DecisionExecute
	}
}

// PolicySource supplies per-team threshold overrides.
type PolicySource interface {
	GetPolicyOverride(ctx context.Context, teamID string) (*models.PolicyOverride, error)
}

// Policy resolves the thresholds that apply to a team.
type Policy struct {
	defaults Thresholds
	source   PolicySource
	logger   *logging.Logger
}

// NewPolicy creates a Policy. Invalid defaults are replaced by the built-in ones.
func NewPolicy(defaults Thresholds, source PolicySource, logger *logging.Logger) *Policy {
	if !defaults.Valid() {
		defaults = DefaultThresholds()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Policy{defaults: defaults, source: source, logger: logger.Component("policy")}
}

// For returns the team's thresholds. Lookup failures and inconsistent
// overrides fall back to the defaults.
func (p *Policy) For(ctx context.Context, teamID string) Thresholds {
	if p.source == nil {
		return p.defaults
	}
	override, err := p.source.GetPolicyOverride(ctx, teamID)
	if err != nil || override == nil {
		if err != nil {
			p.logger.Debug("policy override unavailable", "team_id", teamID, "error", err)
		}
		return p.defaults
	}
	t := p.defaults.Apply(override)
	if !t.Valid() {
		p.logger.Warn("ignoring invalid policy override", "team_id", teamID,
			"confidence_floor", t.ConfidenceFloor, "execution_threshold", t.ExecutionThreshold)
		return p.defaults
	}
	return t
}
