package engine

import (
	"context"

	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

// Gate applies the team kill switch and the per-node switch. Flags are read
// fresh on every call.
type Gate struct {
	flags  repository.FlagStore
	logger *logging.Logger
}

// NewGate creates a Gate.
func NewGate(flags repository.FlagStore, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{flags: flags, logger: logger.Component("safety")}
}

// Check returns the block reason, or "" when dispatch may proceed. A flag that
// cannot be read blocks.
func (g *Gate) Check(ctx context.Context, teamID, nodeID string) string {
	enabled, err := g.flags.GetGlobalFlag(ctx, teamID)
	if err != nil {
		g.logger.Warn("global flag unavailable", "team_id", teamID, "error", err)
		return models.ReasonFlagUnavailable
	}
	if !enabled {
		return models.ReasonGlobalDisabled
	}

	enabled, err = g.flags.GetNodeFlag(ctx, nodeID)
	if err != nil {
		g.logger.Warn("node flag unavailable", "team_id", teamID, "node_id", nodeID, "error", err)
		return models.ReasonFlagUnavailable
	}
	if !enabled {
		return models.ReasonNodeDisabled + ":" + nodeID
	}
	return ""
}
