package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/model/echo"
	"github.com/loomchat/loom/internal/model/openai"
	"github.com/loomchat/loom/internal/orchestrate"
	"github.com/loomchat/loom/internal/pending"
	"github.com/loomchat/loom/internal/server"
	"github.com/loomchat/loom/internal/storage"
	"github.com/loomchat/loom/internal/storage/memory"
	"github.com/loomchat/loom/internal/storage/sqlite"
	"github.com/loomchat/loom/internal/telemetry"
	"github.com/loomchat/loom/internal/title"
	"github.com/loomchat/loom/internal/tool"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("loomd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	model := newModel(cfg)

	tools := tool.NewRegistry()
	if cfg.Tools.FetchEnabled {
		tools.Register(tool.NewFetchTool(nil))
	}
	tools.Register(tool.NewWebSearchTool(&tool.StaticSearcher{}))

	orchOpts := []orchestrate.Option{orchestrate.WithLogger(logger)}
	if cfg.Model.MaxSteps > 0 {
		orchOpts = append(orchOpts, orchestrate.WithMaxSteps(cfg.Model.MaxSteps))
	}
	orchestrator := orchestrate.New(model, tools, store, orchOpts...)

	registry := pending.NewRegistry(store, logger)
	titles := title.NewService(model, store, cfg.Title.Model, logger)

	srv := server.New(cfg.Server.Port, logger)
	handler := server.NewHandler(store, orchestrator, titles, registry, cfg.Model.Default, logger)
	handler.RegisterRoutes(srv.Router)

	go func() {
		logger.Info("server listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("storage", cfg.Storage.Type),
			slog.String("model", cfg.Model.Default),
		)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func newModel(cfg *config.Config) domain.ModelClient {
	if cfg.Model.Provider == "echo" {
		return echo.New()
	}
	var opts []openai.ClientOption
	if cfg.Model.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Model.BaseURL))
	}
	return openai.NewClient(cfg.Model.APIKey, opts...)
}
