// Package worker runs submitted batches from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/pipeline"
)

// Worker consumes cardguard.batch.submitted messages and runs each batch
// with the pipeline. Messages of one subscription are handled in order.
type Worker struct {
	bus      domain.EventBus
	runner   *pipeline.Runner
	defaults domain.BatchRequest

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a batch worker. Every run uses the paths of defaults;
// a submission only selects the run id and enrichment mode.
func NewWorker(bus domain.EventBus, runner *pipeline.Runner, defaults domain.BatchRequest) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		runner:   runner,
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to batch submissions.
func (w *Worker) Start() error {
	if w.bus == nil || w.runner == nil {
		return errors.New("worker requires an event bus and a runner")
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchSubmitted, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("batch worker started",
		"topic", domain.TopicBatchSubmitted,
		"input", w.defaults.InputPath,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var submission domain.BatchSubmission
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &submission); err != nil {
			slog.Error("failed to parse batch submission",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
	}

	req := w.defaults
	req.RunID = submission.RunID
	req.SkipEnrichment = req.SkipEnrichment || submission.SkipEnrichment
	if req.RunID == "" {
		req.RunID = msg.ID
	}

	slog.Debug("processing batch submission",
		"message_id", msg.ID,
		"run_id", req.RunID,
	)

	summary, err := w.runner.Run(ctx, req)
	if err != nil {
		return err
	}

	slog.Info("batch submission processed",
		"run_id", summary.RunID,
		"alerts", summary.Alerts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for the batch in progress.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("batch worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
