package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opensource-finance/cardguard/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cardguard-rules")

// Engine evaluates a registry against enriched batches.
type Engine struct {
	registry   *Registry
	maxWorkers int
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(registry *Registry, maxWorkers int) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("rule registry is required")
	}
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	return &Engine{
		registry:   registry,
		maxWorkers: maxWorkers,
	}, nil
}

// Registry returns the registry the engine evaluates.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return e.registry.Len()
}

// Evaluate scores every row of the batch and builds the alert table.
// Masks are computed in parallel; scores and alerts are folded in registry order.
func (e *Engine) Evaluate(ctx context.Context, batch *domain.EnrichedBatch) (*domain.Result, error) {
	ctx, span := tracer.Start(ctx, "rules.Evaluate",
		trace.WithAttributes(
			attribute.Int("batch.rows", batch.Len()),
			attribute.Int("rules.count", e.registry.Len()),
		),
	)
	defer span.End()

	rules := e.registry.rules

	for i := range rules {
		for _, col := range rules[i].Columns {
			if !batch.HasColumn(col) {
				err := fmt.Errorf("rule %s: %w", rules[i].Name, domain.MissingColumn(col))
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}
	}

	masks, err := e.computeMasks(ctx, rules, batch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := fold(rules, masks, batch)
	span.SetAttributes(attribute.Int("alerts.count", len(result.Alerts)))

	return result, nil
}

// computeMasks evaluates every rule condition, bounded by maxWorkers.
// The error of the lowest-indexed failing rule is returned.
func (e *Engine) computeMasks(ctx context.Context, rules []domain.Rule, batch *domain.EnrichedBatch) ([][]bool, error) {
	masks := make([][]bool, len(rules))
	errs := make([]error, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range rules {
		wg.Add(1)
		go func(idx int, r *domain.Rule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}

			mask, err := r.Condition(batch)
			if err != nil {
				errs[idx] = fmt.Errorf("rule %s: %w", r.Name, err)
				return
			}
			if len(mask) != batch.Len() {
				errs[idx] = fmt.Errorf("rule %s: mask has %d values for %d rows", r.Name, len(mask), batch.Len())
				return
			}
			masks[idx] = mask
		}(i, &rules[i])
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return masks, nil
}

// fold accumulates scores, fired rule names and alerts in registry order.
func fold(rules []domain.Rule, masks [][]bool, batch *domain.EnrichedBatch) *domain.Result {
	scores := make([]int, batch.Len())
	fired := make([][]string, batch.Len())
	alerts := make([]domain.Alert, 0)
	hits := make([]domain.RuleHit, len(rules))

	for i := range rules {
		rule := &rules[i]
		hits[i] = domain.RuleHit{RuleName: rule.Name, Weight: rule.Weight}

		for row, hit := range masks[i] {
			if !hit {
				continue
			}
			scores[row] += rule.Weight
			fired[row] = append(fired[row], rule.Name)
			alerts = append(alerts, domain.NewAlert(&batch.Rows[row], rule))
			hits[i].Count++
		}
	}

	scored := make([]domain.ScoredTransaction, batch.Len())
	for row := range batch.Rows {
		scored[row] = domain.ScoredTransaction{
			EnrichedTransaction: batch.Rows[row],
			RiskScore:           scores[row],
			TriggeredRules:      strings.Join(fired[row], ","),
		}
	}

	// Stale outcome columns from a previously scored input are replaced
	columns := make([]string, 0, len(batch.Columns)+2)
	for _, col := range batch.Columns {
		if col != domain.ColRiskScore && col != domain.ColTriggeredRules {
			columns = append(columns, col)
		}
	}
	columns = append(columns, domain.ColRiskScore, domain.ColTriggeredRules)

	return &domain.Result{
		Columns: columns,
		Scored:  scored,
		Alerts:  alerts,
		Hits:    hits,
	}
}
