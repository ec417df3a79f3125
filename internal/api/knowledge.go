package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"signal-autopilot/pkg/models"
)

const (
	defaultKnowledgeLimit = 100
	maxKnowledgeLimit     = 500
)

// KnowledgeUpload is the body of POST /api/v1/knowledge.
type KnowledgeUpload struct {
	Content  string `json:"content"`
	Source   string `json:"source,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// KnowledgeCreated acknowledges an upload.
type KnowledgeCreated struct {
	ID string `json:"id"`
}

// AddKnowledge embeds text and adds it to the team knowledge base
// (POST /api/v1/knowledge)
func (s *Server) AddKnowledge(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	if s.knowledge == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "knowledge base is not configured")
	}

	var req KnowledgeUpload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual"
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "Manual Text"
	}

	id, err := s.knowledge.Remember(c.Request().Context(), team, content,
		map[string]any{"source": source, "filename": filename})
	if err != nil {
		s.logger.Error("knowledge upload failed", "team_id", team, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to index knowledge").SetInternal(err)
	}
	s.logger.Info("knowledge added", "team_id", team, "id", id, "source", source)
	return c.JSON(http.StatusCreated, KnowledgeCreated{ID: id})
}

// ListKnowledge returns the team's knowledge items, newest first
// (GET /api/v1/knowledge?limit=)
func (s *Server) ListKnowledge(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	limit := defaultKnowledgeLimit
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter limit: "+err.Error())
	}
	if limit <= 0 || limit > maxKnowledgeLimit {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
	}

	items, err := s.Repo.ListKnowledge(c.Request().Context(), team, limit)
	if err != nil {
		return storeError(err, "knowledge")
	}
	if items == nil {
		items = []*models.KnowledgeItem{}
	}
	return c.JSON(http.StatusOK, items)
}

// DeleteKnowledge removes a knowledge item
// (DELETE /api/v1/knowledge/{id})
func (s *Server) DeleteKnowledge(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}
	var id string
	if err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}

	if err := s.Repo.DeleteKnowledge(c.Request().Context(), team, id); err != nil {
		return storeError(err, "knowledge item")
	}
	s.logger.Info("knowledge deleted", "team_id", team, "id", id)
	return c.NoContent(http.StatusNoContent)
}
