package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"signal-autopilot/internal/auth"
	"signal-autopilot/internal/engine"
	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// Runner is the part of the background runner the tools drive.
type Runner interface {
	Evaluate(ctx context.Context, teamID string, signal models.Signal, dryRun bool) engine.Outcome
	ReplaySignal(ctx context.Context, teamID, signalID string, dryRun bool) (*engine.Outcome, error)
}

// RunLister reads the audit log.
type RunLister interface {
	ListRuns(ctx context.Context, teamID string, limit int) ([]*models.Run, error)
}

type Server struct {
	mcpServer *server.MCPServer
	runner    Runner
	runs      RunLister
}

func NewServer(runner Runner, runs RunLister, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Signal Auto-Pilot",
			version,
			server.WithToolCapabilities(true),
		),
		runner: runner,
		runs:   runs,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"evaluate_signal",
			mcp.WithDescription("Dry-run a piece of text against the team's active rule graph"),
			mcp.WithString("text", mcp.Required(), mcp.Description("The signal text to evaluate")),
			mcp.WithString("source", mcp.Description("Label for where the text came from")),
		),
		s.handleEvaluateSignal,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"replay_signal",
			mcp.WithDescription("Re-evaluate a stored signal; dry runs return the simulated outcome"),
			mcp.WithString("signal_id", mcp.Required(), mcp.Description("Internal or external id of the signal")),
			mcp.WithBoolean("dry_run", mcp.Description("Simulate without side effects (default true)")),
		),
		s.handleReplaySignal,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_runs",
			mcp.WithDescription("List the team's latest auto-pilot runs"),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		s.handleListRuns,
	)
}

func (s *Server) handleEvaluateSignal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, args, res := prepare(ctx, request)
	if res != nil {
		return res, nil
	}

	text, ok := args["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("Missing required parameter: text"), nil
	}
	source, _ := args["source"].(string)
	if source == "" {
		source = "mcp"
	}

	id := "adhoc-" + uuid.NewString()
	out := s.runner.Evaluate(ctx, team, models.Signal{
		ID:         id,
		TeamID:     team,
		Source:     source,
		ExternalID: id,
		Text:       text,
	}, true)
	if out.Disposition == engine.DispositionAborted {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation aborted: %v", out.Err)), nil
	}
	return jsonResult(out)
}

func (s *Server) handleReplaySignal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, args, res := prepare(ctx, request)
	if res != nil {
		return res, nil
	}

	id, ok := args["signal_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: signal_id"), nil
	}
	dryRun := true
	if v, ok := args["dry_run"].(bool); ok {
		dryRun = v
	}

	out, err := s.runner.ReplaySignal(ctx, team, id, dryRun)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return mcp.NewToolResultError("Signal not found: " + id), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to replay: %v", err)), nil
	case out == nil:
		return mcp.NewToolResultText("Replay scheduled for signal " + id), nil
	}
	return jsonResult(out)
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	team, args, res := prepare(ctx, request)
	if res != nil {
		return res, nil
	}

	limit := defaultRunLimit
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	if limit <= 0 || limit > maxRunLimit {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be between 1 and %d", maxRunLimit)), nil
	}

	runs, err := s.runs.ListRuns(ctx, team, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return jsonResult(runs)
}

// prepare resolves the caller's team and the tool arguments. A non-nil result
// is returned to the client as is.
func prepare(ctx context.Context, request mcp.CallToolRequest) (string, map[string]interface{}, *mcp.CallToolResult) {
	team, ok := auth.TeamIDFromContext(ctx)
	if !ok {
		return "", nil, mcp.NewToolResultError("No team associated with this session")
	}
	if request.Params.Arguments == nil {
		return team, map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", nil, mcp.NewToolResultError("Invalid arguments type")
	}
	return team, args, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp. The caller's team is
// carried from the authenticated request into tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if team, ok := auth.TeamIDFromContext(r.Context()); ok {
				return auth.WithTeamID(ctx, team)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
