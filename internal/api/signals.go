package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"signal-autopilot/internal/engine"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

const (
	apiSource   = "api"
	adhocSource = "manual"
)

// SignalRequest is the body of a manual ingestion or ad-hoc evaluation.
type SignalRequest struct {
	Source     string         `json:"source"`
	ExternalID string         `json:"external_id"`
	Actor      string         `json:"actor"`
	Text       string         `json:"text"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SignalAccepted acknowledges an ingested signal.
type SignalAccepted struct {
	SignalID  string `json:"signal_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// IngestSignal stores a signal and schedules its evaluation
// (POST /api/v1/signals)
func (s *Server) IngestSignal(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	signal := req.signal(team, apiSource)
	if signal.ExternalID == "" {
		signal.ExternalID = apiSource + "_" + uuid.NewString()
	}
	inserted, err := s.Repo.SaveSignal(c.Request().Context(), &signal)
	if err != nil {
		return storeError(err, "signal")
	}
	if !inserted {
		return c.JSON(http.StatusOK, SignalAccepted{SignalID: signal.ID, Status: "duplicate", Duplicate: true})
	}

	status := "accepted"
	if !s.submit(team, signal) {
		status = "stored"
	}
	return c.JSON(http.StatusAccepted, SignalAccepted{SignalID: signal.ID, Status: status})
}

// ReplaySignal re-evaluates a stored signal. Dry runs return the simulated
// outcome; live replays are scheduled
// (POST /api/v1/signals/{id}/replay?dry_run=)
func (s *Server) ReplaySignal(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	var id string
	if err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}
	var dryRun bool
	if err := runtime.BindQueryParameter("form", true, false, "dry_run", c.QueryParams(), &dryRun); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter dry_run: "+err.Error())
	}

	out, err := s.runner.ReplaySignal(c.Request().Context(), team, id, dryRun)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "signal not found")
	case errors.Is(err, engine.ErrAlreadyHandled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrRunnerBusy), errors.Is(err, engine.ErrRunnerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "replay failed").SetInternal(err)
	}

	if out == nil {
		return c.JSON(http.StatusAccepted, SignalAccepted{SignalID: id, Status: "accepted"})
	}
	return c.JSON(http.StatusOK, out)
}

// EvaluateText dry-runs a transient signal against the active rule graph
// (POST /api/v1/evaluate)
func (s *Server) EvaluateText(c echo.Context) error {
	team, err := teamID(c)
	if err != nil {
		return err
	}

	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	signal := req.signal(team, adhocSource)
	signal.ID = "adhoc-" + uuid.NewString()
	if signal.ExternalID == "" {
		signal.ExternalID = signal.ID
	}

	out := s.runner.Evaluate(c.Request().Context(), team, signal, true)
	if out.Disposition == engine.DispositionAborted {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "evaluation aborted").SetInternal(out.Err)
	}
	return c.JSON(http.StatusOK, out)
}

func (r SignalRequest) signal(teamID, defaultSource string) models.Signal {
	source := strings.TrimSpace(r.Source)
	if source == "" {
		source = defaultSource
	}
	sig := models.Signal{
		TeamID:     teamID,
		Source:     source,
		ExternalID: strings.TrimSpace(r.ExternalID),
		Actor:      r.Actor,
		Text:       r.Text,
		Metadata:   r.Metadata,
	}
	if r.OccurredAt != nil {
		sig.OccurredAt = r.OccurredAt.UTC()
	}
	return sig
}
