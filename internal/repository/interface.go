package repository

import (
	"context"
	"errors"

	"signal-autopilot/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrMultipleActive is returned when a team has more than one active rule graph.
	ErrMultipleActive = errors.New("multiple active rule graphs")
	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
	// ErrRunFinalized is returned when updating a run that already left processing.
	ErrRunFinalized = errors.New("run already finalized")
)

// TeamStore resolves and provisions teams.
type TeamStore interface {
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	GetTeamByDomain(ctx context.Context, domain string) (*models.Team, error)
	GetTeamBySlackID(ctx context.Context, slackTeamID string) (*models.Team, error)
	CreateTeam(ctx context.Context, team *models.Team) error
	GetPolicyOverride(ctx context.Context, teamID string) (*models.PolicyOverride, error)
	SetPolicyOverride(ctx context.Context, teamID string, policy models.PolicyOverride) error
}

// RuleStore reads and saves rule graphs.
type RuleStore interface {
	// GetActiveRuleGraph returns ErrNotFound when the team has no active graph
	// and ErrMultipleActive when more than one is flagged active.
	GetActiveRuleGraph(ctx context.Context, teamID string) (*models.RuleGraph, error)
	// SaveRuleGraph stores graph as the team's single active graph.
	SaveRuleGraph(ctx context.Context, graph *models.RuleGraph) error
}

// RuleHistory reads every stored version of a team's rule graphs.
type RuleHistory interface {
	// ListRuleGraphs returns the newest graphs first, without nodes and edges.
	ListRuleGraphs(ctx context.Context, teamID string, limit int) ([]*models.RuleGraph, error)
	// GetRuleGraph returns ErrNotFound when id is not one of the team's graphs.
	GetRuleGraph(ctx context.Context, teamID, id string) (*models.RuleGraph, error)
}

// FlagStore holds the auto-pilot safety switches. Unset flags read as false.
type FlagStore interface {
	GetGlobalFlag(ctx context.Context, teamID string) (bool, error)
	SetGlobalFlag(ctx context.Context, teamID string, enabled bool) error
	GetNodeFlag(ctx context.Context, nodeID string) (bool, error)
	SetNodeFlag(ctx context.Context, nodeID string, enabled bool) error
}

// RunStore is the audit log.
type RunStore interface {
	// CreateRun inserts run in processing state and fills run.ID. It returns
	// ErrDuplicate when the idempotency key was already recorded.
	CreateRun(ctx context.Context, run *models.Run) (string, error)
	// UpdateRun moves a processing run to a terminal state. It returns
	// ErrRunFinalized when the run is no longer processing.
	UpdateRun(ctx context.Context, runID string, update models.RunUpdate) error
	// FindRunByIdempotencyKey returns ErrNotFound when no run carries key.
	FindRunByIdempotencyKey(ctx context.Context, teamID string, trigger models.TriggerType, key string) (*models.Run, error)
	ListRuns(ctx context.Context, teamID string, limit int) ([]*models.Run, error)
}

// UsageStore tracks autonomous executions per team.
type UsageStore interface {
	IncrementUsage(ctx context.Context, teamID string) error
	GetUsage(ctx context.Context, teamID string) (*models.TeamUsage, error)
}

// SignalStore persists ingested signals.
type SignalStore interface {
	// SaveSignal upserts on (team, source, external id). inserted is false when
	// the signal was already stored; signal.ID is filled either way.
	SaveSignal(ctx context.Context, signal *models.Signal) (inserted bool, err error)
	// GetSignal looks up by id, falling back to external id.
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
}

// KnowledgeStore holds the team knowledge base used for context retrieval.
type KnowledgeStore interface {
	AddKnowledge(ctx context.Context, teamID, content string, embedding []float32, metadata map[string]any) (string, error)
	SearchKnowledge(ctx context.Context, teamID string, embedding []float32, limit int) ([]models.Snippet, error)
}

// KnowledgeCatalog lists and removes knowledge items.
type KnowledgeCatalog interface {
	// ListKnowledge returns the newest items first.
	ListKnowledge(ctx context.Context, teamID string, limit int) ([]*models.KnowledgeItem, error)
	// DeleteKnowledge returns ErrNotFound when id is not one of the team's items.
	DeleteKnowledge(ctx context.Context, teamID, id string) error
}

// Repository is the full persistence surface of the service.
type Repository interface {
	TeamStore
	RuleStore
	RuleHistory
	FlagStore
	RunStore
	UsageStore
	SignalStore
	KnowledgeStore
	KnowledgeCatalog
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}
