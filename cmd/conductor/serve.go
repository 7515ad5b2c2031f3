package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/invocations"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/provider/anthropic"
	"github.com/haasonsaas/conductor/internal/provider/openai"
	"github.com/haasonsaas/conductor/internal/runner"
	"github.com/haasonsaas/conductor/internal/server"
	"github.com/haasonsaas/conductor/internal/sessions"
)

const appName = "conductor"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor HTTP server",
		Long: `Start the runtime with the configured model provider and session
store, then serve invocations over HTTP until SIGINT or SIGTERM.`,
		Example: `  # Discover config.toml in the working directory or an ancestor
  conductor serve

  # Explicit config
  conductor serve --config /etc/conductor/config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := "info"
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level})

	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = appName
	}
	_, shutdownTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTELEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	sessionService, err := buildSessionService(cfg)
	if err != nil {
		return err
	}

	modelProvider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	root, err := agent.NewLLMAgent(agent.LLMAgentConfig{
		Name:     appName,
		Model:    cfg.Model.ModelName,
		Provider: modelProvider,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)
	handler := server.New(server.AppState{
		Runner:   runner.New(appName, root, sessionService, logger, metrics),
		Sessions: sessionService,
		Tracker:  invocations.Default(),
		Logger:   logger,
		Metrics:  metrics,
	})

	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", addr, "provider", cfg.Model.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.Discover()
	if errors.Is(err, config.ErrNotFound) {
		// No file: run with defaults and whatever the environment
		// provides.
		return &config.Config{}, nil
	}
	return cfg, err
}

func buildSessionService(cfg *config.Config) (sessions.Service, error) {
	switch cfg.Session.Provider {
	case "", "in-memory":
		return sessions.NewMemoryService(), nil
	case "sqlite":
		dsn := cfg.Session.ConnectionString
		if dsn == "" {
			dsn = "file:conductor.db?_journal_mode=WAL"
		}
		return sessions.NewSQLService("sqlite3", dsn)
	case "postgres":
		if cfg.Session.ConnectionString == "" {
			return nil, errors.New("session.connection_string is required for postgres")
		}
		return sessions.NewSQLService("postgres", cfg.Session.ConnectionString)
	default:
		return nil, fmt.Errorf("unknown session provider %q", cfg.Session.Provider)
	}
}

// buildProvider constructs the configured backend, registers it in the
// process-wide registry, and resolves it back out of the registry so
// every caller sees the same instance.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	apiKey := cfg.Model.APIKey
	if apiKey == "" {
		apiKey = cfg.Auth.APIKey.Key
	}

	name := cfg.Model.Provider
	if name == "" {
		name = "anthropic"
	}

	switch name {
	case "anthropic":
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		p, err := anthropic.New(anthropic.Config{
			APIKey:       apiKey,
			DefaultModel: cfg.Model.ModelName,
		})
		if err != nil {
			return nil, err
		}
		provider.Default().Register(p)
	case "openai":
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		p, err := openai.New(openai.Config{
			APIKey:       apiKey,
			DefaultModel: cfg.Model.ModelName,
		})
		if err != nil {
			return nil, err
		}
		provider.Default().Register(p)
	default:
		return nil, fmt.Errorf("unknown model provider %q (registered: %v)",
			name, provider.Default().Names())
	}

	return provider.Default().Get(name)
}
