package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/pipeline"
	"github.com/opensource-finance/cardguard/internal/rules"
)

const inputCSV = `transaction_id,card_id,bin,mcc,amount,card_present,device_id,ip_country,home_country,auth_result,card_type
tx_1,card_1,411111,7995,600.0,False,device_1,FR,US,approved,prepaid
`

func newTestWorker(t *testing.T, eventBus domain.EventBus) (*Worker, domain.BatchRequest) {
	t.Helper()

	registry, err := rules.DefaultRegistry()
	if err != nil {
		t.Fatalf("failed to compile default registry: %v", err)
	}
	engine, err := rules.NewEngine(registry, 2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	runner, err := pipeline.NewRunner(engine, pipeline.Options{Bus: eventBus})
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	dir := t.TempDir()
	defaults := domain.BatchRequest{
		InputPath:  filepath.Join(dir, "transactions.csv"),
		ScoredPath: filepath.Join(dir, "scored.csv"),
		AlertsPath: filepath.Join(dir, "alerts.csv"),
	}
	if err := os.WriteFile(defaults.InputPath, []byte(inputCSV), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	return NewWorker(eventBus, runner, defaults), defaults
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w, _ := newTestWorker(t, eventBus)

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicBatchSubmitted {
			t.Errorf("unexpected stats %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessSubmission", func(t *testing.T) {
		w, defaults := newTestWorker(t, eventBus)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		completed := make(chan domain.RunSummary, 1)
		sub, _ := eventBus.Subscribe(context.Background(), domain.TopicBatchCompleted, func(ctx context.Context, msg *domain.Message) error {
			var s domain.RunSummary
			if err := json.Unmarshal(msg.Payload, &s); err != nil {
				return err
			}
			completed <- s
			return nil
		})
		defer sub.Unsubscribe()

		err := bus.PublishJSON(context.Background(), eventBus, domain.TopicBatchSubmitted, domain.BatchSubmission{RunID: "run-async"})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case s := <-completed:
			if s.RunID != "run-async" || s.Status != domain.RunStatusCompleted || s.Alerts != 4 {
				t.Errorf("unexpected summary %+v", s)
			}
			if s.InputPath != defaults.InputPath {
				t.Errorf("expected configured input, got %s", s.InputPath)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for batch completion")
		}

		if _, err := os.Stat(defaults.AlertsPath); err != nil {
			t.Errorf("expected alerts output: %v", err)
		}
	})

	t.Run("MessageIDBecomesRunID", func(t *testing.T) {
		w, _ := newTestWorker(t, eventBus)

		msg := &domain.Message{ID: "msg-1", Topic: domain.TopicBatchSubmitted}
		if err := w.handleMessage(context.Background(), msg); err != nil {
			t.Fatalf("handleMessage failed: %v", err)
		}
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		w, _ := newTestWorker(t, eventBus)

		msg := &domain.Message{ID: "msg-2", Payload: []byte("{not json")}
		if err := w.handleMessage(context.Background(), msg); err == nil {
			t.Error("expected error for invalid payload")
		}
	})
}

func TestWorkerRequiresDependencies(t *testing.T) {
	w := NewWorker(nil, nil, domain.BatchRequest{})
	if err := w.Start(); err == nil {
		t.Error("expected error without bus and runner")
	}
}
