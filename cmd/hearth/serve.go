package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/internal/agent/providers"
	"github.com/hearthdev/hearth/internal/browser"
	"github.com/hearthdev/hearth/internal/config"
	"github.com/hearthdev/hearth/internal/gateway"
	"github.com/hearthdev/hearth/internal/history"
	"github.com/hearthdev/hearth/internal/observability"
	"github.com/hearthdev/hearth/internal/settings"
	"github.com/hearthdev/hearth/internal/store"
	"github.com/hearthdev/hearth/internal/stream"
	"github.com/hearthdev/hearth/internal/tools"
)

// buildServeCmd creates the "serve" command that runs the session runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Hearth server",
		Long: `Start the Hearth server.

The server will:
1. Load configuration from the specified file
2. Connect to Postgres (or run on the in-memory store)
3. Initialize LLM providers (Anthropic, OpenAI)
4. Serve the WebSocket and REST API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  hearth serve

  # Start with custom config
  hearth serve --config /etc/hearth/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	cfgService := settings.NewService(st)
	if cfg.LLM.DefaultModel != "" && cfgService.DefaultModel(ctx) == "" {
		if err := cfgService.Set(ctx, settings.KeyDefaultModel, cfg.LLM.DefaultModel); err != nil {
			logger.Warn(ctx, "failed to seed default model", "error", err)
		}
	}

	providerSet, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	if len(providerSet) == 0 {
		logger.Warn(ctx, "no LLM providers configured; generation requests will fail")
	}

	registry := stream.NewRegistry(cfg.Stream.RemovalDelay, logger, metrics)
	hist := history.NewManager(st, cfgService, providerSet, logger, metrics)

	toolRegistry := tools.NewRegistry(logger)
	if err := toolRegistry.Register(tools.NewShellTool("")); err != nil {
		return err
	}

	var browserManager *browser.Manager
	if cfg.Browser.Enabled {
		launcher, err := browser.NewPlaywrightLauncher("")
		if err != nil {
			return fmt.Errorf("start playwright: %w", err)
		}
		defer launcher.Close()
		browserManager = browser.NewManager(launcher, cfg.Browser, logger, metrics)
		defer browserManager.DestroyAll()
		if err := toolRegistry.Register(tools.NewBrowserTool(browserManager)); err != nil {
			return err
		}
	}

	loop := agent.NewLoop(st, registry, hist, toolRegistry, logger, metrics)

	server := gateway.NewServer(gateway.Options{
		Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Store:     st,
		Registry:  registry,
		Loop:      loop,
		History:   hist,
		Browser:   browserManager,
		Providers: providerSet,
		Settings:  cfgService,
		Logger:    logger,
		Metrics:   metrics,
	})
	return server.Start(ctx)
}

// openStore connects to Postgres when a URL is configured, otherwise falls
// back to the in-memory store for local development.
func openStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn(ctx, "no database url configured, using in-memory store; data will not survive restarts")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg := store.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		pg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	st, err := store.NewPostgresStore(cfg.Database.URL, pg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return st, func() { st.Close() }, nil
}

func buildProviders(cfg *config.Config) (agent.ProviderSet, error) {
	set := agent.ProviderSet{}
	for name, pc := range cfg.LLM.Providers {
		if pc.APIKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
			})
			if err != nil {
				return nil, err
			}
			set[name] = p
		case "openai":
			p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
			})
			if err != nil {
				return nil, err
			}
			set[name] = p
		default:
			return nil, fmt.Errorf("unknown LLM provider %q", name)
		}
	}
	return set, nil
}
