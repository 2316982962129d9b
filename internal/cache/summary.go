package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// store is the byte level surface shared by every cache implementation.
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

func summaryKey(runID string) string {
	return "run:" + runID
}

func getRunSummary(ctx context.Context, s store, runID string) (*domain.RunSummary, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is required")
	}

	data, err := s.Get(ctx, summaryKey(runID))
	if err != nil || data == nil {
		return nil, err
	}

	var summary domain.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary %s: %w", runID, err)
	}
	return &summary, nil
}

func setRunSummary(ctx context.Context, s store, key string, summary *domain.RunSummary, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("summary key is required")
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.Set(ctx, summaryKey(key), data, ttl)
}
