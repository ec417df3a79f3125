package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

// GetActiveWorkflow returns the team's active rule graph
// (GET /api/v1/workflows/active)
func (s *Server) GetActiveWorkflow(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	graph, err := s.Repo.GetActiveRuleGraph(c.Request().Context(), team)
	if err != nil {
		return storeError(err, "active rule graph")
	}
	return c.JSON(http.StatusOK, graph)
}

// ListWorkflows returns the team's rule graph versions, newest first, without
// nodes and edges
// (GET /api/v1/workflows?limit=)
func (s *Server) ListWorkflows(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	limit := defaultRunLimit
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter limit: "+err.Error())
	}
	if limit <= 0 || limit > maxRunLimit {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200")
	}

	graphs, err := s.Repo.ListRuleGraphs(c.Request().Context(), team, limit)
	if err != nil {
		return storeError(err, "rule graphs")
	}
	if graphs == nil {
		graphs = []*models.RuleGraph{}
	}
	return c.JSON(http.StatusOK, graphs)
}

// GetWorkflow returns one of the team's rule graphs, active or not
// (GET /api/v1/workflows/{id})
func (s *Server) GetWorkflow(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	var id string
	if err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}

	graph, err := s.Repo.GetRuleGraph(c.Request().Context(), team, id)
	if err != nil {
		return storeError(err, "rule graph")
	}
	return c.JSON(http.StatusOK, graph)
}

// PutWorkflow saves a rule graph and makes it the team's only active one
// (PUT /api/v1/workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	var graph models.RuleGraph
	if err := c.Bind(&graph); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := prepareGraph(&graph); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	graph.TeamID = team

	if err := s.Repo.SaveRuleGraph(c.Request().Context(), &graph); err != nil {
		return storeError(err, "rule graph")
	}
	s.logger.Info("rule graph activated", "team_id", team, "workflow_id", graph.ID,
		"nodes", len(graph.Nodes), "candidates", len(graph.Candidates()))
	return c.JSON(http.StatusOK, graph)
}

// prepareGraph fills missing step ids and checks that edges reference known steps.
func prepareGraph(g *models.RuleGraph) error {
	g.Title = strings.TrimSpace(g.Title)
	if g.Title == "" {
		return errors.New("title is required")
	}
	if len(g.Nodes) == 0 {
		return errors.New("at least one node is required")
	}

	steps := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if strings.TrimSpace(n.Label) == "" {
			return errors.New("every node needs a label")
		}
		if n.StepID == "" {
			n.StepID = uuid.NewString()
		}
		if steps[n.StepID] {
			return errors.New("duplicate step id " + n.StepID)
		}
		steps[n.StepID] = true
	}
	for _, e := range g.Edges {
		if !steps[e.Source] || !steps[e.Target] {
			return errors.New("edge " + e.Source + "->" + e.Target + " references an unknown step")
		}
	}
	return nil
}

// activeNode returns a node of the team's active graph.
func (s *Server) activeNode(c echo.Context, team, nodeID string) (*models.Node, error) {
	graph, err := s.Repo.GetActiveRuleGraph(c.Request().Context(), team)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "node not found")
	}
	if err != nil {
		return nil, storeError(err, "active rule graph")
	}
	node, ok := graph.Node(nodeID)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "node not found")
	}
	return &node, nil
}
