// Package domain defines the core interfaces and types for cardguard.
package domain

import (
	"context"
	"time"
)

// Repository stores the scored and alert tables of the latest run.
// Every run replaces the previous tables entirely.
type Repository interface {
	// ReplaceResults swaps in the tables of a run atomically.
	ReplaceResults(ctx context.Context, runID string, result *Result) error

	// GetScoredTransaction returns one scored row by transaction id.
	GetScoredTransaction(ctx context.Context, txID string) (*ScoredTransaction, error)

	// ListAlerts returns alerts matching the filter in table order.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AlertFilter narrows an alert query. Empty fields match everything.
type AlertFilter struct {
	RuleName      string
	CardID        string
	TransactionID string
	Limit         int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Enabled reports whether a SQL sink is configured.
func (c RepositoryConfig) Enabled() bool {
	return c.Driver != "" && c.Driver != "none"
}
