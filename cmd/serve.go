package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openagency/agencyd/internal/agency"
	"github.com/openagency/agencyd/internal/config"
	"github.com/openagency/agencyd/internal/httpapi"
	"github.com/openagency/agencyd/internal/providers"
	"github.com/openagency/agencyd/internal/store"
	"github.com/openagency/agencyd/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub: runtime, schedulers, and the HTTP/WebSocket API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		log.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTraces(context.Background())

	db, err := store.Open(cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("store ready", "dialect", db.Dialect())

	if cfg.Provider.APIKey == "" {
		log.Warn("AGENCYD_API_KEY is not set; model calls will be rejected by the provider")
	}
	provider := providers.NewOpenAIProvider(cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)

	hub := agency.NewHub(agency.Options{
		DB:           db,
		Provider:     provider,
		Tracer:       tracer,
		Log:          log,
		Env:          cfg.Env,
		DefaultModel: cfg.Provider.Model,
	})
	if err := hub.Restore(ctx); err != nil {
		log.Error("failed to restore agencies", "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(httpapi.Options{
		Hub:          hub,
		Secret:       cfg.Server.Secret,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Log:          log,
	})

	// Hot reload covers the shared secret and the plugin/tool env map;
	// address, store, and provider changes need a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			server.SetSecret(next.Server.Secret)
			hub.SetEnv(next.Env)
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := server.Start(ctx, addr); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("agencyd stopped")
}
