package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"signal-autopilot/internal/actions"
	"signal-autopilot/internal/config"
	"signal-autopilot/internal/engine"
	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/repository"
	"signal-autopilot/internal/services"
	"signal-autopilot/pkg/models"
)

// app holds the wired core shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     repository.Repository
	engine    *engine.Engine
	runner    *engine.Runner
	retriever *services.ContextRetriever
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	switch cfg.DB.Driver {
	case "sqlite":
		logger.Debug("Opening SQLite database", "path", cfg.DB.SQLitePath)
		return repository.OpenSQLite(cfg.DB.SQLitePath)
	default:
		logger.Debug("Initializing database connection")
		pool, err := initDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pool), nil
	}
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// newApp opens the store and wires the engine and its background runner.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	deps := engine.Deps{
		Rules:      store,
		Flags:      store,
		Runs:       store,
		Usage:      store,
		Policies:   store,
		Planner:    actions.DefaultTable(),
		Dispatcher: newDispatcher(ctx, cfg, logger),
	}

	if cfg.Classifier.URL != "" {
		deps.Classifier = services.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout)
	} else {
		logger.Warn("classifier.url not set, every signal will be treated as unmatched")
	}

	var retriever *services.ContextRetriever
	if cfg.Embedding.URL != "" {
		embedder := services.NewHTTPEmbeddingClient(cfg.Embedding.URL, cfg.Embedding.Timeout)
		retriever = services.NewContextRetriever(store, embedder, cfg.Engine.ContextLimit)
		deps.Retriever = retriever
	} else {
		logger.Info("embedding.url not set, context retrieval and knowledge capture disabled")
	}

	eng := engine.New(deps, engine.Options{
		Thresholds: engine.Thresholds{
			ConfidenceFloor:    cfg.Engine.ConfidenceFloor,
			ExecutionThreshold: cfg.Engine.ExecutionThreshold,
		},
		DispatchTimeout: cfg.Engine.DispatchTimeout,
		Logger:          logger,
	})
	runner := engine.NewRunner(eng, store, store, engine.RunnerOptions{
		EvaluationTimeout: cfg.Engine.EvaluationTimeout,
		MaxConcurrent:     cfg.Engine.MaxConcurrent,
		Logger:            logger,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    eng,
		runner:    runner,
		retriever: retriever,
	}, nil
}

// newDispatcher registers an executor for every configured integration.
// Actions without one report an unsupported failure.
func newDispatcher(ctx context.Context, cfg *config.Config, logger *logging.Logger) *actions.Dispatcher {
	d := actions.NewDispatcher(cfg.Engine.DispatchTimeout, logger)

	if cfg.Slack.BotToken != "" {
		d.Register(models.ActionSendNotification,
			actions.NewSlackNotifier(ctx, cfg.Slack.APIURL, cfg.Slack.BotToken, cfg.Slack.DefaultChannel))
	} else {
		logger.Warn("slack.bot_token not set, notifications are unsupported")
	}

	if cfg.Jira.BaseURL != "" {
		d.Register(models.ActionCreateIssue, actions.NewJiraIssueCreator(actions.JiraConfig{
			BaseURL:    cfg.Jira.BaseURL,
			Email:      cfg.Jira.Email,
			APIToken:   cfg.Jira.APIToken,
			ProjectKey: cfg.Jira.ProjectKey,
			IssueType:  cfg.Jira.IssueType,
		}, &http.Client{Timeout: cfg.Engine.DispatchTimeout}))
	} else {
		logger.Warn("jira.base_url not set, issue creation is unsupported")
	}
	return d
}

func (a *app) Close() {
	a.store.Close()
}
