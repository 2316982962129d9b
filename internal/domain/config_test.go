package domain

import (
	"errors"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(envMap(nil))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Tier != TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Batch.InputPath != "data/card_transactions.csv" ||
		cfg.Batch.ScoredPath != "data/card_transactions_scored.csv" ||
		cfg.Batch.AlertsPath != "data/card_alerts.csv" {
		t.Errorf("unexpected batch paths %+v", cfg.Batch)
	}
	if cfg.Engine.MaxWorkers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Repository.Enabled() {
		t.Error("expected repository disabled by default")
	}
	if !cfg.Cache.Enabled() || !cfg.EventBus.Enabled() {
		t.Error("expected memory cache and channel bus by default")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(envMap(map[string]string{
		"CARDGUARD_INPUT":           "in.csv",
		"CARDGUARD_SKIP_ENRICHMENT": "true",
		"CARDGUARD_MAX_WORKERS":     "2",
		"CARDGUARD_DB_DRIVER":       "sqlite",
		"CARDGUARD_SQLITE_PATH":     "/tmp/cg.db",
		"CARDGUARD_CACHE":           "none",
		"CARDGUARD_PUBLISH_ALERTS":  "1",
		"CARDGUARD_PORT":            "9090",
		"CARDGUARD_LOG_FORMAT":      "text",
		"CARDGUARD_DEBUG":           "true",
	}))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	req := cfg.BatchRequest()
	if req.InputPath != "in.csv" || !req.SkipEnrichment || req.ScoredPath == "" {
		t.Errorf("unexpected batch request %+v", req)
	}
	if cfg.Engine.MaxWorkers != 2 || cfg.Server.Port != 9090 {
		t.Errorf("unexpected numeric overrides %d %d", cfg.Engine.MaxWorkers, cfg.Server.Port)
	}
	if !cfg.Repository.Enabled() || cfg.Repository.SQLitePath != "/tmp/cg.db" {
		t.Errorf("unexpected repository %+v", cfg.Repository)
	}
	if cfg.Cache.Enabled() {
		t.Error("expected cache disabled")
	}
	if !cfg.EventBus.PublishAlerts {
		t.Error("expected alert publishing enabled")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
}

func TestLoadConfigProTier(t *testing.T) {
	cfg, err := LoadConfig(envMap(map[string]string{
		"CARDGUARD_TIER":       "PRO",
		"CARDGUARD_REDIS_ADDR": "redis:6379",
	}))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Tier != TierPro || cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("unexpected pro config %+v", cfg)
	}
	if cfg.Cache.RedisAddr != "redis:6379" || !cfg.Cache.EnableTwoPhase {
		t.Errorf("unexpected cache %+v", cfg.Cache)
	}
	if cfg.Cache.SummaryTTL != 7*24*time.Hour {
		t.Errorf("unexpected summary ttl %v", cfg.Cache.SummaryTTL)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"CARDGUARD_MAX_WORKERS": "many"}},
		{"bad bool", map[string]string{"CARDGUARD_SKIP_ENRICHMENT": "sometimes"}},
		{"zero workers", map[string]string{"CARDGUARD_MAX_WORKERS": "0"}},
		{"unknown driver", map[string]string{"CARDGUARD_DB_DRIVER": "oracle"}},
		{"unknown cache", map[string]string{"CARDGUARD_CACHE": "memcached"}},
		{"unknown bus", map[string]string{"CARDGUARD_BUS": "kafka"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(envMap(tt.env))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestShapeError(t *testing.T) {
	err := error(&ShapeError{Row: 3, Column: ColAmount, Reason: "not a number"})
	if !errors.Is(err, ErrInputShape) {
		t.Error("expected ShapeError to match ErrInputShape")
	}
	if got := err.Error(); got != `input shape error: row 3, column "amount": not a number` {
		t.Errorf("unexpected message %q", got)
	}

	if got := MissingColumn(ColMCC).Error(); got != `input shape error: column "mcc": column is missing` {
		t.Errorf("unexpected message %q", got)
	}
}
