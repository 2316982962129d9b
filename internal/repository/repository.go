// Package repository provides the SQL sink for the scored and alert tables.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDisabled     = errors.New("repository disabled")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "", "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceResults deletes both tables and inserts the run in one transaction.
func (r *SQLRepository) ReplaceResults(ctx context.Context, runID string, result *domain.Result) error {
	if runID == "" {
		return fmt.Errorf("%w: runID is required", ErrInvalidInput)
	}
	if result == nil {
		return fmt.Errorf("%w: result is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"alerts", "scored_transactions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := r.insertScored(ctx, tx, runID, result.Scored); err != nil {
		return err
	}
	if err := r.insertAlerts(ctx, tx, runID, result.Alerts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

func (r *SQLRepository) insertScored(ctx context.Context, tx *sql.Tx, runID string, rows []domain.ScoredTransaction) error {
	query := `
		INSERT INTO scored_transactions (
			row_index, run_id, transaction_id, card_id, bin, mcc, amount,
			card_present, device_id, ip_country, home_country, auth_result,
			card_type, timestamp, device_unique_cards, small_cnp_tx_count,
			risk_score, triggered_rules, extra
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare scored insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		s := &rows[i]

		var extra any
		if len(s.Extra) > 0 {
			data, err := json.Marshal(s.Extra)
			if err != nil {
				return fmt.Errorf("failed to encode pass-through columns of %s: %w", s.ID, err)
			}
			extra = string(data)
		}

		if _, err := stmt.ExecContext(ctx,
			i, runID, s.ID, s.CardID, s.BIN, s.MCC, s.Amount,
			boolToInt(s.CardPresent), s.DeviceID, s.IPCountry, s.HomeCountry, string(s.AuthResult),
			string(s.CardType), nullTime(s.Timestamp), s.DeviceUniqueCards, s.SmallCNPTxCount,
			s.RiskScore, s.TriggeredRules, extra,
		); err != nil {
			return fmt.Errorf("failed to insert scored transaction %s: %w", s.ID, err)
		}
	}
	return nil
}

func (r *SQLRepository) insertAlerts(ctx context.Context, tx *sql.Tx, runID string, alerts []domain.Alert) error {
	query := `
		INSERT INTO alerts (
			alert_index, run_id, transaction_id, card_id, bin, mcc, amount,
			card_present, device_id, ip_country, home_country,
			rule_name, rule_description, rule_weight
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare alert insert: %w", err)
	}
	defer stmt.Close()

	for i := range alerts {
		a := &alerts[i]
		if _, err := stmt.ExecContext(ctx,
			i, runID, a.TransactionID, a.CardID, a.BIN, a.MCC, a.Amount,
			boolToInt(a.CardPresent), a.DeviceID, a.IPCountry, a.HomeCountry,
			a.RuleName, a.RuleDescription, a.RuleWeight,
		); err != nil {
			return fmt.Errorf("failed to insert alert %d for %s: %w", i, a.TransactionID, err)
		}
	}
	return nil
}

// GetScoredTransaction retrieves a scored row by transaction ID.
func (r *SQLRepository) GetScoredTransaction(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `
		SELECT transaction_id, card_id, bin, mcc, amount, card_present,
			   device_id, ip_country, home_country, auth_result, card_type,
			   timestamp, device_unique_cards, small_cnp_tx_count,
			   risk_score, triggered_rules, extra
		FROM scored_transactions
		WHERE transaction_id = ?
	`

	var s domain.ScoredTransaction
	var present int
	var authResult, cardType string
	var ts sql.NullTime
	var extra sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&s.ID, &s.CardID, &s.BIN, &s.MCC, &s.Amount, &present,
		&s.DeviceID, &s.IPCountry, &s.HomeCountry, &authResult, &cardType,
		&ts, &s.DeviceUniqueCards, &s.SmallCNPTxCount,
		&s.RiskScore, &s.TriggeredRules, &extra,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.CardPresent = present == 1
	s.AuthResult = domain.AuthResult(authResult)
	s.CardType = domain.CardType(cardType)
	if ts.Valid {
		s.Timestamp = ts.Time.UTC()
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &s.Extra); err != nil {
			return nil, fmt.Errorf("failed to parse pass-through columns of %s: %w", txID, err)
		}
	}

	return &s, nil
}

// ListAlerts retrieves alerts in table order. Empty filter fields match all rows.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	var where []string
	var args []any

	if filter.RuleName != "" {
		where = append(where, "rule_name = ?")
		args = append(args, filter.RuleName)
	}
	if filter.CardID != "" {
		where = append(where, "card_id = ?")
		args = append(args, filter.CardID)
	}
	if filter.TransactionID != "" {
		where = append(where, "transaction_id = ?")
		args = append(args, filter.TransactionID)
	}

	query := `
		SELECT transaction_id, card_id, bin, mcc, amount, card_present,
			   device_id, ip_country, home_country,
			   rule_name, rule_description, rule_weight
		FROM alerts
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY alert_index"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		var a domain.Alert
		var present int

		if err := rows.Scan(
			&a.TransactionID, &a.CardID, &a.BIN, &a.MCC, &a.Amount, &present,
			&a.DeviceID, &a.IPCountry, &a.HomeCountry,
			&a.RuleName, &a.RuleDescription, &a.RuleWeight,
		); err != nil {
			return nil, err
		}

		a.CardPresent = present == 1
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
