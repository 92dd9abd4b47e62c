// Positronic daemon — serves the brain control API, recovers and
// resumes journaled runs, fires cron schedules, and streams run events.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/positronic-core/positronic/pkg/api"
	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/config"
	"github.com/positronic-core/positronic/pkg/database"
	"github.com/positronic-core/positronic/pkg/llm"
	"github.com/positronic-core/positronic/pkg/llm/anthropic"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/pages"
	"github.com/positronic-core/positronic/pkg/resources"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/scheduler"
	"github.com/positronic-core/positronic/pkg/signals"
	"github.com/positronic-core/positronic/pkg/store"
	"github.com/positronic-core/positronic/pkg/stream"
	"github.com/positronic-core/positronic/pkg/webhook"
)

// registerBrains installs the compiled-in brain definitions. Brains are
// Go values; deployments add theirs here.
func registerBrains(reg *brain.Registry) error {
	return nil
}

func main() {
	configDir := flag.String("config-dir", config.Dir(), "Path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Persistence: PostgreSQL when configured, otherwise in-memory.
	var (
		st       store.Store
		dbClient *database.Client
	)
	if cfg.Database.Enabled {
		dbClient, err = database.NewClient(ctx, cfg.Database.ClientConfig())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		st = store.NewPostgres(dbClient.DB())
		logger.Info("connected to PostgreSQL", "host", cfg.Database.Host)
	} else {
		st = store.NewMemory()
		logger.Warn("database disabled, runs will not survive restarts")
	}

	mon := monitor.New(st, logger)
	hub := signals.NewHub()

	reg := brain.NewRegistry()
	if err := registerBrains(reg); err != nil {
		logger.Error("brain registration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("brains registered", "count", len(reg.List()))

	var client llm.ObjectGenerator
	if cfg.LLM.APIKey != "" {
		client, err = anthropic.NewFromAPIKey(cfg.LLM.APIKey, anthropic.Options{
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
		if err != nil {
			logger.Error("failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no LLM api key configured, agent and batch blocks will fail")
	}

	var res resources.Resources
	if cfg.Resources.Dir != "" {
		res = resources.NewFS(os.DirFS(cfg.Resources.Dir))
	}

	var pageService pages.Service
	if cfg.Pages.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Pages.RedisAddr})
		defer rdb.Close()
		pageService = pages.NewRedisService(rdb, pages.Options{
			BaseURL: cfg.Server.BaseURL,
			TTL:     cfg.Pages.TTL.Std(),
		})
	}

	mode := ""
	if config.DevMode() {
		mode = "development"
	}
	mgr := runner.NewManager(runner.Config{
		Registry:  reg,
		Monitor:   mon,
		Hub:       hub,
		Client:    client,
		Resources: res,
		Pages:     pageService,
		Env:       brain.Env{Secrets: cfg.Secrets, Mode: mode},
		Logger:    logger,
	})

	// Resume journaled runs before the API accepts new work.
	if err := mgr.Recover(ctx); err != nil {
		logger.Error("run recovery failed", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(st, mgr, reg, mon, logger)
	sched.Start()

	streamMgr := stream.NewManager(mon, stream.DefaultWriteTimeout, logger)
	router := webhook.NewRouter(mon, mgr, logger)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if ttl := cfg.Retention.EventTTL.Std(); ttl > 0 {
		go sweepLoop(sweepCtx, mon, ttl, cfg.Retention.CleanupInterval.Std(), logger)
	}

	server := api.NewServer(api.Config{
		Registry:  reg,
		Monitor:   mon,
		Runs:      mgr,
		Scheduler: sched,
		Webhooks:  router,
		Stream:    streamMgr,
		Pages:     pageService,
		DB:        dbClient,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("positronic started", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	sched.Stop()
	stopSweep()

	// Actors park their journals on context cancellation; the next boot
	// recovers them.
	mgr.Shutdown()
	logger.Info("shutdown complete")
}

// sweepLoop periodically prunes event journals of terminal runs older
// than the retention TTL.
func sweepLoop(ctx context.Context, mon *monitor.Monitor, ttl, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := mon.Sweep(ctx, time.Now().UTC().Add(-ttl))
			if err != nil {
				logger.Error("retention sweep failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Info("retention sweep pruned runs", "count", pruned)
			}
		}
	}
}
