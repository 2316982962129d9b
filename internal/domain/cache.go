package domain

import (
	"context"
	"time"
)

// LatestRunKey is the cache key holding the most recent run summary.
const LatestRunKey = "latest"

// Cache defines the interface for caching run summaries.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetRunSummary retrieves a cached run summary by run id or LatestRunKey.
	// Returns nil, nil if not found.
	GetRunSummary(ctx context.Context, runID string) (*RunSummary, error)

	// SetRunSummary caches a run summary under its run id.
	SetRunSummary(ctx context.Context, key string, summary *RunSummary, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// SummaryTTL is how long run summaries are kept.
	SummaryTTL time.Duration
}

// Enabled reports whether a cache is configured.
func (c CacheConfig) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}
