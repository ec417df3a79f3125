package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"signal-autopilot/internal/engine"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

// FlagRequest toggles a safety switch.
type FlagRequest struct {
	Enabled *bool `json:"enabled"`
}

// NodeStatus is the auto-run state of one candidate node.
type NodeStatus struct {
	NodeID  string `json:"node_id"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// AutopilotStatus summarizes the team's safety switches and thresholds.
type AutopilotStatus struct {
	GlobalEnabled      bool         `json:"global_enabled"`
	WorkflowID         string       `json:"workflow_id,omitempty"`
	Nodes              []NodeStatus `json:"nodes"`
	ConfidenceFloor    float64      `json:"confidence_floor"`
	ExecutionThreshold float64      `json:"execution_threshold"`
}

func bindFlag(c echo.Context) (bool, error) {
	var req FlagRequest
	if err := c.Bind(&req); err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Enabled == nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "enabled is required")
	}
	return *req.Enabled, nil
}

// SetGlobalFlag flips the team-wide auto-pilot switch
// (PUT /api/v1/autopilot/global)
func (s *Server) SetGlobalFlag(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	enabled, err := bindFlag(c)
	if err != nil {
		return err
	}
	if err := s.Repo.SetGlobalFlag(c.Request().Context(), team, enabled); err != nil {
		return storeError(err, "global flag")
	}
	s.logger.Info("global auto-pilot switch changed", "team_id", team, "enabled", enabled)
	return c.JSON(http.StatusOK, map[string]bool{"enabled": enabled})
}

// SetNodeFlag flips the auto-run switch of a node in the active graph
// (PUT /api/v1/autopilot/nodes/{id})
func (s *Server) SetNodeFlag(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	var nodeID string
	if err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &nodeID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}
	enabled, err := bindFlag(c)
	if err != nil {
		return err
	}

	node, err := s.activeNode(c, team, nodeID)
	if err != nil {
		return err
	}
	if err := s.Repo.SetNodeFlag(c.Request().Context(), node.ID, enabled); err != nil {
		return storeError(err, "node flag")
	}
	s.logger.Info("node auto-run switch changed", "team_id", team, "node_id", node.ID, "enabled", enabled)
	return c.JSON(http.StatusOK, NodeStatus{NodeID: node.ID, Label: node.Label, Enabled: enabled})
}

// AutopilotStatus reports the global switch, the per-candidate switches and
// the effective thresholds
// (GET /api/v1/autopilot/status)
func (s *Server) AutopilotStatus(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	global, err := s.Repo.GetGlobalFlag(ctx, team)
	if err != nil {
		return storeError(err, "global flag")
	}
	status := AutopilotStatus{GlobalEnabled: global, Nodes: []NodeStatus{}}

	thresholds, err := s.effectiveThresholds(c, team)
	if err != nil {
		return err
	}
	status.ConfidenceFloor = thresholds.ConfidenceFloor
	status.ExecutionThreshold = thresholds.ExecutionThreshold

	graph, err := s.Repo.GetActiveRuleGraph(ctx, team)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusOK, status)
	}
	if err != nil {
		return storeError(err, "active rule graph")
	}
	status.WorkflowID = graph.ID
	for _, n := range graph.Candidates() {
		enabled, err := s.Repo.GetNodeFlag(ctx, n.ID)
		if err != nil {
			return storeError(err, "node flag")
		}
		status.Nodes = append(status.Nodes, NodeStatus{NodeID: n.ID, Label: n.Label, Enabled: enabled})
	}
	return c.JSON(http.StatusOK, status)
}

// SetPolicy stores per-team confidence thresholds. Omitted fields fall back
// to the service defaults
// (PUT /api/v1/autopilot/policy)
func (s *Server) SetPolicy(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	var override models.PolicyOverride
	if err := c.Bind(&override); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	merged := s.opts.Thresholds.Apply(&override)
	if !merged.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest,
			"thresholds must lie within [0,1] with confidence_floor below execution_threshold")
	}
	if err := s.Repo.SetPolicyOverride(c.Request().Context(), team, override); err != nil {
		return storeError(err, "team")
	}
	s.logger.Info("decision policy changed", "team_id", team,
		"confidence_floor", merged.ConfidenceFloor, "execution_threshold", merged.ExecutionThreshold)
	return c.JSON(http.StatusOK, merged)
}

func (s *Server) effectiveThresholds(c echo.Context, team string) (engine.Thresholds, error) {
	override, err := s.Repo.GetPolicyOverride(c.Request().Context(), team)
	if errors.Is(err, repository.ErrNotFound) {
		return s.opts.Thresholds, nil
	}
	if err != nil {
		return engine.Thresholds{}, storeError(err, "team")
	}
	merged := s.opts.Thresholds.Apply(override)
	if !merged.Valid() {
		return s.opts.Thresholds, nil
	}
	return merged, nil
}
