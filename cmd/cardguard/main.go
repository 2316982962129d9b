// CardGuard - Rule-based card fraud scoring for transaction batches.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/cardguard/internal/api"
	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/cache"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/pipeline"
	"github.com/opensource-finance/cardguard/internal/repository"
	"github.com/opensource-finance/cardguard/internal/rules"
	"github.com/opensource-finance/cardguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `usage: cardguard [score|serve]

  score   score the configured batch once and print a summary (default)
  serve   run the query API and the batch worker
`

func main() {
	cmd := "score"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := domain.LoadConfig(os.Getenv)
	if err != nil {
		initLogger(domain.DefaultConfig().Logging, os.Stderr)
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "score":
		err = score(ctx, cfg, os.Stdout)
	case "serve":
		err = serve(ctx, cfg)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("cardguard failed", "command", cmd, "error", err)
		stop()
		os.Exit(1)
	}
}

// initLogger installs the process-wide slog logger.
func initLogger(cfg domain.LoggingConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// components holds the optional backends. Nil fields are disabled.
type components struct {
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus
}

func (c *components) Close() {
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			slog.Warn("failed to close event bus", "error", err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			slog.Warn("failed to close cache", "error", err)
		}
	}
	if c.repo != nil {
		if err := c.repo.Close(); err != nil {
			slog.Warn("failed to close repository", "error", err)
		}
	}
}

func openComponents(cfg *domain.Config) (*components, error) {
	c := &components{}

	if cfg.Repository.Enabled() {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		c.repo = repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	if cfg.Cache.Enabled() {
		cacheImpl, err := cache.New(cfg.Cache)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		c.cache = cacheImpl
		slog.Info("cache initialized", "type", cfg.Cache.Type)
	}

	if cfg.EventBus.Enabled() {
		busImpl, err := bus.New(cfg.EventBus)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize event bus: %w", err)
		}
		c.bus = busImpl
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	return c, nil
}

func newRunner(cfg *domain.Config, c *components) (*pipeline.Runner, error) {
	registry, err := rules.DefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	engine, err := rules.NewEngine(registry, cfg.Engine.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"max_workers", cfg.Engine.MaxWorkers,
	)

	return pipeline.NewRunner(engine, pipeline.Options{
		Repository:    c.repo,
		Cache:         c.cache,
		Bus:           c.bus,
		SummaryTTL:    cfg.Cache.SummaryTTL,
		PublishAlerts: cfg.EventBus.PublishAlerts,
	})
}

func logConfig(cfg *domain.Config) {
	slog.Info("configuration loaded",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)
}

// score runs the configured batch once.
func score(ctx context.Context, cfg *domain.Config, out io.Writer) error {
	logConfig(cfg)

	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	runner, err := newRunner(cfg, c)
	if err != nil {
		return err
	}

	summary, err := runner.Run(ctx, cfg.BatchRequest())
	if err != nil {
		return err
	}

	printSummary(out, summary)
	return nil
}

func printSummary(w io.Writer, s *domain.RunSummary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Run:                  %s\n", s.RunID)
	fmt.Fprintf(w, "  Total transactions:   %d\n", s.Transactions)
	fmt.Fprintf(w, "  Total alerts:         %d\n", s.Alerts)
	fmt.Fprintf(w, "  Flagged transactions: %d\n", s.Flagged)
	fmt.Fprintf(w, "  Max risk score:       %d\n", s.MaxRiskScore)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Rule hits:")
	for _, hit := range s.Hits {
		fmt.Fprintf(w, "    %-26s %3d pts  %d\n", hit.RuleName, hit.Weight, hit.Count)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Scored:  %s\n", s.ScoredPath)
	fmt.Fprintf(w, "  Alerts:  %s\n", s.AlertsPath)
	fmt.Fprintln(w)
}

// serve runs the API until the context is cancelled.
func serve(ctx context.Context, cfg *domain.Config) error {
	logConfig(cfg)

	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	runner, err := newRunner(cfg, c)
	if err != nil {
		return err
	}

	var batchWorker *worker.Worker
	if c.bus != nil {
		batchWorker = worker.NewWorker(c.bus, runner, cfg.BatchRequest())
		if err := batchWorker.Start(); err != nil {
			return fmt.Errorf("failed to start batch worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Runner:     runner,
		Repository: c.repo,
		Cache:      c.cache,
		Bus:        c.bus,
		Batch:      cfg.BatchRequest(),
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("cardguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
	}

	// Stop the worker before the server so no new run starts
	if batchWorker != nil {
		if err := batchWorker.Stop(); err != nil {
			slog.Error("failed to stop batch worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("cardguard shutdown complete")
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  CardGuard - card fraud rule scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Input:    %s\n", cfg.Batch.InputPath)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /runs               - Score the configured batch")
	fmt.Println("    GET  /runs/latest        - Summary of the last completed run")
	fmt.Println("    GET  /runs/{id}          - Summary of a run")
	fmt.Println("    GET  /alerts             - List alerts of the last run")
	fmt.Println("    GET  /transactions/{id}  - Get a scored transaction")
	fmt.Println("    GET  /rules              - List rules")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println()
}
