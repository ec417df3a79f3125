package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"signal-autopilot/internal/api"
	"signal-autopilot/internal/auth"
	"signal-autopilot/internal/engine"
	"signal-autopilot/internal/mcp"
	"signal-autopilot/internal/tls"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, Slack webhook, MCP endpoint and background runner",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"confidence_floor", cfg.Engine.ConfidenceFloor,
		"execution_threshold", cfg.Engine.ExecutionThreshold,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize service", "error", err)
		return err
	}
	defer a.Close()
	logger.Info("Engine initialized")

	authz, err := auth.New(ctx, cfg, a.store, logger.Component("auth"))
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		return err
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypassed (DEV mode)")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(otelecho.Middleware("signal-autopilot"))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	var knowledge api.KnowledgeRecorder
	if a.retriever != nil {
		knowledge = a.retriever
	}
	requireAuth := echo.WrapMiddleware(authz.RequireAuth)
	apiServer := api.NewServer(a.store, a.runner, knowledge, api.Options{
		SlackSigningSecret: cfg.Slack.SigningSecret,
		AllowUnsigned:      cfg.IsDev() && cfg.DevModeBypass,
		TeamCacheTTL:       cfg.Cache.TeamTTL,
		Thresholds: engine.Thresholds{
			ConfidenceFloor:    cfg.Engine.ConfidenceFloor,
			ExecutionThreshold: cfg.Engine.ExecutionThreshold,
		},
		Version: version,
		Logger:  logger,
	})
	apiServer.Register(e, requireAuth)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(a.runner, a.store, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers), requireAuth)
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers), requireAuth)
	logger.Info("MCP protocol handlers mounted")

	addr := cfg.Server.Addr
	if cfg.TLS.Enable {
		addr = cfg.Server.TLSAddr
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			logger.Error("TLS certificate unavailable", "error", err)
			return err
		}
		if generated {
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// No write timeout: MCP SSE streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return err
		}
		return nil
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	if err := a.runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("In-flight evaluations abandoned; their signals remain stored for replay", "error", err)
	}
	if err := apiServer.Drain(shutdownCtx); err != nil {
		logger.Warn("Knowledge capture interrupted", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
