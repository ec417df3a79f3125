package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"signal-autopilot/pkg/models"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 200
)

// ListRuns returns the team's latest runs, newest first
// (GET /api/v1/runs?limit=)
func (s *Server) ListRuns(c echo.Context) error {
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

	runs, err := s.Repo.ListRuns(c.Request().Context(), team, limit)
	if err != nil {
		return storeError(err, "runs")
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetUsage returns the team's automation usage against its plan
// (GET /api/v1/usage)
func (s *Server) GetUsage(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	usage, err := s.Repo.GetUsage(c.Request().Context(), team)
	if err != nil {
		return storeError(err, "usage")
	}
	return c.JSON(http.StatusOK, usage)
}
