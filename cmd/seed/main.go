package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"signal-autopilot/internal/config"
	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/internal/services"
	"signal-autopilot/pkg/models"
)

var (
	configPath  string
	domain      string
	slackTeamID string
	enable      bool
)

var rootCmd = &cobra.Command{
	Use:          "seed",
	Short:        "Seed a demo team with a rule graph, safety flags and knowledge",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.Flags().StringVar(&domain, "domain", "localhost", "email domain of the demo team")
	rootCmd.Flags().StringVar(&slackTeamID, "slack-team", "", "Slack workspace id linked to the demo team")
	rootCmd.Flags().BoolVar(&enable, "enable", false, "turn the global and per-node auto-pilot switches on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var demoGraph = models.RuleGraph{
	Title: "Incident and bug triage",
	Nodes: []models.Node{
		{StepID: "report", Type: "start", Label: "Problem reported in chat", Actor: "anyone"},
		{StepID: "ticket", Type: "process", Label: "File a bug ticket",
			Description: "A user reports broken behaviour, an error or a regression that engineering must fix.",
			Actor:       "on-call engineer", AutoPilotEnabled: true},
		{StepID: "notify", Type: "process", Label: "Notify the on-call channel",
			Description: "An outage, incident or urgent production issue needs immediate human attention.",
			Actor:       "on-call engineer", AutoPilotEnabled: true},
		{StepID: "resolve", Type: "end", Label: "Resolved", Actor: "engineering"},
	},
	Edges: []models.Edge{
		{Source: "report", Target: "ticket", Label: "bug"},
		{Source: "report", Target: "notify", Label: "incident"},
		{Source: "ticket", Target: "resolve"},
		{Source: "notify", Target: "resolve"},
	},
}

var demoKnowledge = []struct {
	content  string
	metadata map[string]any
}{
	{"Runbook: checkout 5xx errors are usually caused by the payments gateway timing out; page the payments on-call.",
		map[string]any{"source": "runbook", "filename": "checkout-runbook.md"}},
	{"Bugs are tracked in the PLAT Jira project; include reproduction steps and the affected service.",
		map[string]any{"source": "wiki", "filename": "bug-policy.md"}},
	{"Incidents are announced in #oncall with severity, impact and the incident commander.",
		map[string]any{"source": "wiki", "filename": "incident-process.md"}},
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format).Component("seed")

	store, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// 1. Ensure the team exists
	team, err := store.GetTeamByDomain(ctx, domain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		team = &models.Team{Name: "Demo Team", Domain: domain, SlackTeamID: slackTeamID}
		if err := store.CreateTeam(ctx, team); err != nil {
			return fmt.Errorf("failed to create team: %w", err)
		}
		logger.Info("Created team", "team_id", team.ID, "domain", domain)
	case err != nil:
		return fmt.Errorf("failed to look up team: %w", err)
	default:
		logger.Info("Found existing team", "team_id", team.ID)
	}

	// 2. Activate the demo graph unless the team already has one
	graph, err := store.GetActiveRuleGraph(ctx, team.ID)
	if errors.Is(err, repository.ErrNotFound) {
		g := demoGraph
		g.TeamID = team.ID
		g.Nodes = append([]models.Node(nil), demoGraph.Nodes...)
		if err := store.SaveRuleGraph(ctx, &g); err != nil {
			return fmt.Errorf("failed to save rule graph: %w", err)
		}
		graph = &g
		logger.Info("Activated rule graph", "workflow_id", g.ID, "title", g.Title)
	} else if err != nil {
		return fmt.Errorf("failed to read rule graph: %w", err)
	} else {
		logger.Info("Skipping existing rule graph", "workflow_id", graph.ID)
	}

	// 3. Safety switches
	if err := store.SetGlobalFlag(ctx, team.ID, enable); err != nil {
		return fmt.Errorf("failed to set global flag: %w", err)
	}
	for _, n := range graph.Candidates() {
		if err := store.SetNodeFlag(ctx, n.ID, enable); err != nil {
			return fmt.Errorf("failed to set node flag %s: %w", n.ID, err)
		}
	}
	logger.Info("Safety switches set", "enabled", enable, "candidates", len(graph.Candidates()))

	// 4. Knowledge snippets need the embedding service
	if cfg.Embedding.URL == "" {
		logger.Info("Skipping knowledge, embedding.url not set")
	} else {
		retriever := services.NewContextRetriever(store,
			services.NewHTTPEmbeddingClient(cfg.Embedding.URL, cfg.Embedding.Timeout), cfg.Engine.ContextLimit)
		for _, k := range demoKnowledge {
			id, err := retriever.Remember(ctx, team.ID, k.content, k.metadata)
			if err != nil {
				logger.Warn("Failed to add knowledge", "filename", k.metadata["filename"], "error", err)
				continue
			}
			logger.Info("Added knowledge", "id", id, "filename", k.metadata["filename"])
		}
	}

	logger.Info("Seeding complete!")
	return nil
}

func open(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	if cfg.DB.Driver == "sqlite" {
		return repository.OpenSQLite(cfg.DB.SQLitePath)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return repository.NewPostgresStore(pool), nil
}
