package models

import (
	"time"
)

// Team is the tenant that owns signals, rule graphs and runs.
type Team struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	SlackTeamID string    `json:"slack_team_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PolicyOverride holds per-team decision thresholds. Nil fields fall back to
// the configured defaults.
type PolicyOverride struct {
	ConfidenceFloor    *float64 `json:"confidence_floor,omitempty"`
	ExecutionThreshold *float64 `json:"execution_threshold,omitempty"`
}

// TeamUsage tracks autonomous executions against the team's plan.
type TeamUsage struct {
	TeamID          string    `json:"team_id"`
	AutomationCount int64     `json:"automation_count"`
	AutomationLimit int64     `json:"automation_limit"`
	PlanTier        string    `json:"plan_tier"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const (
	DefaultAutomationLimit = 100
	DefaultPlanTier        = "free"
)
