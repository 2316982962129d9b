// Package pipeline runs one batch end to end: load, enrich, evaluate, write.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/features"
	"github.com/opensource-finance/cardguard/internal/rules"
	"github.com/opensource-finance/cardguard/internal/table"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cardguard-pipeline")

// Options wires the optional sinks of a Runner. Nil components are skipped.
type Options struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus

	// SummaryTTL is how long run summaries stay cached.
	SummaryTTL time.Duration

	// PublishAlerts sends one cardguard.alert message per alert.
	PublishAlerts bool
}

// Runner executes batch runs. Runs are serialized because every run
// replaces the previous output tables.
type Runner struct {
	mu     sync.Mutex
	engine *rules.Engine
	opts   Options
	now    func() time.Time
}

// NewRunner creates a runner around a rule engine.
func NewRunner(engine *rules.Engine, opts Options) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("rule engine is required")
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = 24 * time.Hour
	}
	return &Runner{
		engine: engine,
		opts:   opts,
		now:    time.Now,
	}, nil
}

// Engine returns the rule engine of the runner.
func (r *Runner) Engine() *rules.Engine {
	return r.engine
}

// Score enriches a batch and evaluates every rule on it. It touches no sink.
func (r *Runner) Score(ctx context.Context, batch *domain.Batch) (*domain.Result, error) {
	return r.score(ctx, batch, false)
}

func (r *Runner) score(ctx context.Context, batch *domain.Batch, skipEnrichment bool) (*domain.Result, error) {
	var enriched *domain.EnrichedBatch
	var err error
	if skipEnrichment {
		enriched, err = features.FromColumns(batch)
	} else {
		enriched, err = features.Enrich(ctx, batch)
	}
	if err != nil {
		return nil, err
	}

	return r.engine.Evaluate(ctx, enriched)
}

// Run executes one batch run. On failure no output table is replaced and a
// failed summary is returned along with the error.
func (r *Runner) Run(ctx context.Context, req domain.BatchRequest) (*domain.RunSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.String("run.input", req.InputPath),
		),
	)
	defer span.End()

	summary := &domain.RunSummary{
		RunID:      req.RunID,
		InputPath:  req.InputPath,
		ScoredPath: req.ScoredPath,
		AlertsPath: req.AlertsPath,
		StartedAt:  r.now().UTC(),
	}

	logger := slog.With("run_id", req.RunID)
	logger.Info("batch run started",
		"input", req.InputPath,
		"skip_enrichment", req.SkipEnrichment,
	)

	result, err := r.execute(ctx, req, summary)
	r.finish(summary, result, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("batch run failed",
			"error", err,
			"duration_ms", summary.DurationMs,
		)
		r.announce(ctx, summary, nil, false)
		return summary, err
	}

	span.SetAttributes(
		attribute.Int("run.transactions", summary.Transactions),
		attribute.Int("run.alerts", summary.Alerts),
	)
	logger.Info("batch run completed",
		"transactions", summary.Transactions,
		"alerts", summary.Alerts,
		"flagged", summary.Flagged,
		"max_risk_score", summary.MaxRiskScore,
		"duration_ms", summary.DurationMs,
	)
	r.announce(ctx, summary, result, true)

	return summary, nil
}

// execute produces and commits the outputs of a run.
func (r *Runner) execute(ctx context.Context, req domain.BatchRequest, summary *domain.RunSummary) (*domain.Result, error) {
	if req.InputPath == "" || req.ScoredPath == "" || req.AlertsPath == "" {
		return nil, fmt.Errorf("%w: input, scored and alerts paths are required", domain.ErrInvalidConfig)
	}

	batch, err := table.ReadFile(req.InputPath)
	if err != nil {
		return nil, err
	}
	summary.Transactions = batch.Len()

	result, err := r.score(ctx, batch, req.SkipEnrichment)
	if err != nil {
		return nil, err
	}

	var stage table.Stage
	defer stage.Discard()

	if err := stage.Add(req.ScoredPath, func(w io.Writer) error {
		return table.EncodeScored(w, result)
	}); err != nil {
		return nil, err
	}
	if err := stage.Add(req.AlertsPath, func(w io.Writer) error {
		return table.EncodeAlerts(w, result.Alerts)
	}); err != nil {
		return nil, err
	}

	if r.opts.Repository != nil {
		if err := r.opts.Repository.ReplaceResults(ctx, req.RunID, result); err != nil {
			return nil, fmt.Errorf("failed to replace SQL tables: %w", err)
		}
	}

	if err := stage.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *Runner) finish(summary *domain.RunSummary, result *domain.Result, err error) {
	summary.FinishedAt = r.now().UTC()
	summary.DurationMs = summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()

	if err != nil {
		summary.Status = domain.RunStatusFailed
		summary.Error = err.Error()
		return
	}

	summary.Status = domain.RunStatusCompleted
	summary.Alerts = len(result.Alerts)
	summary.Flagged = result.FlaggedCount()
	summary.MaxRiskScore = result.MaxRiskScore()
	summary.Hits = result.Hits
}

// announce caches the summary and publishes run events. Failures here are
// logged and never fail the run.
func (r *Runner) announce(ctx context.Context, summary *domain.RunSummary, result *domain.Result, completed bool) {
	logger := slog.With("run_id", summary.RunID)

	if c := r.opts.Cache; c != nil {
		if err := c.SetRunSummary(ctx, summary.RunID, summary, r.opts.SummaryTTL); err != nil {
			logger.Warn("failed to cache run summary", "error", err)
		}
		if completed {
			if err := c.SetRunSummary(ctx, domain.LatestRunKey, summary, r.opts.SummaryTTL); err != nil {
				logger.Warn("failed to cache latest run summary", "error", err)
			}
		}
	}

	b := r.opts.Bus
	if b == nil {
		return
	}

	if err := bus.PublishJSON(ctx, b, domain.TopicBatchCompleted, summary); err != nil {
		logger.Warn("failed to publish batch completion", "error", err)
	}

	if !completed || !r.opts.PublishAlerts {
		return
	}

	failed := 0
	for i := range result.Alerts {
		event := domain.AlertEvent{RunID: summary.RunID, Alert: result.Alerts[i]}
		if err := bus.PublishJSON(ctx, b, domain.TopicAlert, event); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("failed to publish some alerts",
			"failed", failed,
			"alerts", len(result.Alerts),
		)
	}
}
