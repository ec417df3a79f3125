// Package api contains the HTTP handlers of the auto-pilot service.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"signal-autopilot/internal/auth"
	"signal-autopilot/internal/engine"
	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/internal/services"
	"signal-autopilot/pkg/models"
)

const serviceName = "signal-autopilot"

// Evaluator is the part of the background runner the handlers drive.
type Evaluator interface {
	Submit(teamID string, signal models.Signal, dryRun bool) error
	Evaluate(ctx context.Context, teamID string, signal models.Signal, dryRun bool) engine.Outcome
	ReplaySignal(ctx context.Context, teamID, signalID string, dryRun bool) (*engine.Outcome, error)
}

// KnowledgeRecorder adds captured messages to a team's knowledge base.
type KnowledgeRecorder interface {
	Remember(ctx context.Context, teamID, content string, metadata map[string]any) (string, error)
}

// Options configure the API server.
type Options struct {
	// SlackSigningSecret verifies webhook deliveries.
	SlackSigningSecret string
	// AllowUnsigned accepts webhooks without verification when no secret is set.
	AllowUnsigned bool
	TeamCacheTTL  time.Duration
	// Thresholds are the defaults a per-team policy override is merged with.
	Thresholds engine.Thresholds
	Version    string
	Logger     *logging.Logger
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Repo      repository.Repository
	runner    Evaluator
	knowledge KnowledgeRecorder
	opts      Options
	logger    *logging.Logger
	slackTeam *services.Cache[string, string]
	now       func() time.Time

	background sync.WaitGroup
}

// NewServer creates a Server. knowledge may be nil to disable capture.
func NewServer(repo repository.Repository, runner Evaluator, knowledge KnowledgeRecorder, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if !opts.Thresholds.Valid() {
		opts.Thresholds = engine.DefaultThresholds()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		Repo:      repo,
		runner:    runner,
		knowledge: knowledge,
		opts:      opts,
		logger:    opts.Logger.Component("api"),
		slackTeam: services.NewCache[string, string](opts.TeamCacheTTL),
		now:       time.Now,
	}
}

// Register mounts the routes on e. requireAuth guards the /api/v1 group.
func (s *Server) Register(e *echo.Echo, requireAuth echo.MiddlewareFunc) {
	e.HTTPErrorHandler = ProblemHandler
	e.GET("/healthz", s.HandleHealth)
	e.GET("/readyz", s.HandleReady)
	e.POST("/webhooks/slack", s.SlackWebhook)

	v1 := e.Group("/api/v1")
	if requireAuth != nil {
		v1.Use(requireAuth)
	}
	v1.GET("/workflows", s.ListWorkflows)
	v1.GET("/workflows/active", s.GetActiveWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.PUT("/workflows", s.PutWorkflow)
	v1.POST("/signals", s.IngestSignal)
	v1.POST("/signals/:id/replay", s.ReplaySignal)
	v1.POST("/evaluate", s.EvaluateText)
	v1.PUT("/autopilot/global", s.SetGlobalFlag)
	v1.PUT("/autopilot/nodes/:id", s.SetNodeFlag)
	v1.GET("/autopilot/status", s.AutopilotStatus)
	v1.PUT("/autopilot/policy", s.SetPolicy)
	v1.GET("/runs", s.ListRuns)
	v1.GET("/usage", s.GetUsage)
	v1.POST("/knowledge", s.AddKnowledge)
	v1.GET("/knowledge", s.ListKnowledge)
	v1.DELETE("/knowledge/:id", s.DeleteKnowledge)
}

// Drain waits for background work started by handlers, such as knowledge
// capture, until ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleHealth returns basic liveness (always 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   s.opts.Version,
		Timestamp: s.now(),
	})
}

// HandleReady reports whether the store is reachable.
func (s *Server) HandleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   s.opts.Version,
		Timestamp: s.now(),
		Checks:    map[string]string{"database": "ok"},
	}
	code := http.StatusOK
	if err := s.Repo.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		status.Status = "unavailable"
		status.Checks["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ProblemHandler renders errors as RFC 7807 Problem Details.
func ProblemHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		} else {
			detail = http.StatusText(status)
		}
	}

	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, problem)
}

// teamID returns the authenticated caller's team.
func teamID(c echo.Context) (string, error) {
	id, ok := auth.TeamIDFromContext(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "team not found in context")
	}
	return id, nil
}

// storeError maps repository errors to HTTP errors.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, what+" already exists")
	case errors.Is(err, repository.ErrMultipleActive):
		return echo.NewHTTPError(http.StatusConflict, "more than one active rule graph")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to access "+what).SetInternal(err)
	}
}
