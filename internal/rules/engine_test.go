package rules

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/opensource-finance/cardguard/internal/domain"
)

var allColumns = append(append([]string(nil), domain.TransactionColumns...), domain.FeatureColumns...)

func newBatch(rows ...domain.EnrichedTransaction) *domain.EnrichedBatch {
	return &domain.EnrichedBatch{Columns: allColumns, Rows: rows}
}

func quietRow(id string) domain.EnrichedTransaction {
	return domain.EnrichedTransaction{
		Transaction: domain.Transaction{
			ID:          id,
			CardID:      "card-" + id,
			BIN:         "411111",
			MCC:         "5411",
			Amount:      42.5,
			CardPresent: true,
			DeviceID:    "dev-" + id,
			IPCountry:   "US",
			HomeCountry: "US",
			AuthResult:  domain.AuthApproved,
			CardType:    domain.CardCredit,
		},
		DeviceUniqueCards: 1,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	registry, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("failed to compile default registry: %v", err)
	}
	engine, err := NewEngine(registry, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t)
	if engine.RulesCount() != 7 {
		t.Errorf("expected 7 rules, got %d", engine.RulesCount())
	}

	if _, err := NewEngine(nil, 1); err == nil {
		t.Error("expected error for nil registry")
	}
}

func TestEvaluateEightyFivePointScenario(t *testing.T) {
	engine := newTestEngine(t)

	tx := quietRow("tx-001")
	tx.CardPresent = false
	tx.Amount = 600
	tx.MCC = "7995"
	tx.CardType = domain.CardPrepaid
	tx.IPCountry = "FR"
	tx.HomeCountry = "US"

	result, err := engine.Evaluate(context.Background(), newBatch(tx))
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	got := result.Scored[0]
	if got.RiskScore != 85 {
		t.Errorf("expected risk score 85, got %d", got.RiskScore)
	}
	want := "high_amount_cnp,high_risk_mcc,prepaid_high_risk_mcc,geo_mismatch_cnp"
	if got.TriggeredRules != want {
		t.Errorf("expected triggered rules %q, got %q", want, got.TriggeredRules)
	}
	if len(result.Alerts) != 4 {
		t.Fatalf("expected 4 alerts, got %d", len(result.Alerts))
	}
	for i, name := range strings.Split(want, ",") {
		if result.Alerts[i].RuleName != name {
			t.Errorf("alert %d: expected rule %s, got %s", i, name, result.Alerts[i].RuleName)
		}
		if result.Alerts[i].TransactionID != "tx-001" {
			t.Errorf("alert %d: expected tx-001, got %s", i, result.Alerts[i].TransactionID)
		}
	}
	if result.Alerts[0].RuleDescription != "High amount card not present transaction" {
		t.Errorf("unexpected description %q", result.Alerts[0].RuleDescription)
	}
}

func TestEvaluateNoHit(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Evaluate(context.Background(), newBatch(quietRow("tx-quiet")))
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	if result.Scored[0].RiskScore != 0 {
		t.Errorf("expected risk score 0, got %d", result.Scored[0].RiskScore)
	}
	if result.Scored[0].TriggeredRules != "" {
		t.Errorf("expected no triggered rules, got %q", result.Scored[0].TriggeredRules)
	}
	if len(result.Alerts) != 0 {
		t.Errorf("expected 0 alerts, got %d", len(result.Alerts))
	}
	if result.FlaggedCount() != 0 {
		t.Errorf("expected 0 flagged, got %d", result.FlaggedCount())
	}
}

func TestEvaluateEmptyBatch(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Evaluate(context.Background(), newBatch())
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	if len(result.Scored) != 0 {
		t.Errorf("expected 0 scored rows, got %d", len(result.Scored))
	}
	if result.Alerts == nil {
		t.Error("expected non-nil empty alerts")
	}
	last := result.Columns[len(result.Columns)-2:]
	if last[0] != domain.ColRiskScore || last[1] != domain.ColTriggeredRules {
		t.Errorf("expected outcome columns at the end, got %v", result.Columns)
	}
	if len(result.Hits) != 7 {
		t.Errorf("expected 7 hit counters, got %d", len(result.Hits))
	}
}

func TestEvaluateIndividualRules(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name   string
		mutate func(tx *domain.EnrichedTransaction)
		want   string
	}{
		{"high amount cnp boundary", func(tx *domain.EnrichedTransaction) {
			tx.CardPresent = false
			tx.Amount = 500
		}, RuleHighAmountCNP},
		{"high risk mcc boundary", func(tx *domain.EnrichedTransaction) {
			tx.MCC = "4816"
			tx.Amount = 100
		}, RuleHighRiskMCC},
		{"prepaid at high risk mcc", func(tx *domain.EnrichedTransaction) {
			tx.MCC = "6051"
			tx.CardType = domain.CardPrepaid
			tx.Amount = 5
		}, RulePrepaidHighRiskMCC},
		{"geo mismatch", func(tx *domain.EnrichedTransaction) {
			tx.CardPresent = false
			tx.IPCountry = "BR"
		}, RuleGeoMismatchCNP},
		{"shared device", func(tx *domain.EnrichedTransaction) {
			tx.DeviceUniqueCards = 5
		}, RuleSharedDeviceManyCards},
		{"card testing", func(tx *domain.EnrichedTransaction) {
			tx.SmallCNPTxCount = 10
		}, RuleCardTestingPattern},
		{"declined high amount", func(tx *domain.EnrichedTransaction) {
			tx.Amount = 400
			tx.AuthResult = domain.AuthDeclined
		}, RuleDeclinedHighAmount},
		{"just below thresholds", func(tx *domain.EnrichedTransaction) {
			tx.Amount = 399.99
			tx.AuthResult = domain.AuthDeclined
			tx.DeviceUniqueCards = 4
			tx.SmallCNPTxCount = 9
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := quietRow("tx")
			tt.mutate(&tx)

			result, err := engine.Evaluate(context.Background(), newBatch(tx))
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if result.Scored[0].TriggeredRules != tt.want {
				t.Errorf("expected %q, got %q", tt.want, result.Scored[0].TriggeredRules)
			}
		})
	}
}

func TestEvaluateMissingColumn(t *testing.T) {
	engine := newTestEngine(t)

	batch := newBatch(quietRow("tx"))
	batch.Columns = []string{domain.ColTransactionID, domain.ColAmount, domain.ColCardPresent}

	_, err := engine.Evaluate(context.Background(), batch)
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
	if !errors.Is(err, domain.ErrInputShape) {
		t.Errorf("expected ErrInputShape, got %v", err)
	}
	var shape *domain.ShapeError
	if !errors.As(err, &shape) || shape.Column != domain.ColMCC {
		t.Errorf("expected missing mcc column, got %v", err)
	}
}

func TestEvaluateConditionErrorAborts(t *testing.T) {
	failing := domain.Rule{
		Name:   "broken",
		Weight: 1,
		Condition: func(*domain.EnrichedBatch) ([]bool, error) {
			return nil, fmt.Errorf("boom")
		},
	}
	registry, err := NewRegistry(failing)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	engine, _ := NewEngine(registry, 2)

	result, err := engine.Evaluate(context.Background(), newBatch(quietRow("tx")))
	if err == nil {
		t.Fatal("expected condition error")
	}
	if result != nil {
		t.Error("expected no result on failure")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected rule name in error, got %v", err)
	}
}

func TestEvaluateShortMask(t *testing.T) {
	short := domain.Rule{
		Name:   "short",
		Weight: 1,
		Condition: func(*domain.EnrichedBatch) ([]bool, error) {
			return []bool{}, nil
		},
	}
	registry, _ := NewRegistry(short)
	engine, _ := NewEngine(registry, 1)

	if _, err := engine.Evaluate(context.Background(), newBatch(quietRow("a"))); err == nil {
		t.Error("expected error for mask length mismatch")
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	engine := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Evaluate(ctx, newBatch(quietRow("tx")))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// randomBatch builds rows that straddle every rule threshold.
func randomBatch(r *rand.Rand, n int) *domain.EnrichedBatch {
	mccs := []string{"7995", "6051", "5968", "4816", "5411", "5812"}
	countries := []string{"US", "FR", "BR"}
	amounts := []float64{0, 5, 9.99, 10, 99.99, 100, 399.99, 400, 499.99, 500, 1200}
	cardTypes := []domain.CardType{domain.CardCredit, domain.CardDebit, domain.CardPrepaid}

	rows := make([]domain.EnrichedTransaction, n)
	for i := range rows {
		auth := domain.AuthApproved
		if r.Intn(2) == 0 {
			auth = domain.AuthDeclined
		}
		rows[i] = domain.EnrichedTransaction{
			Transaction: domain.Transaction{
				ID:          fmt.Sprintf("tx-%04d", i),
				CardID:      fmt.Sprintf("card-%d", r.Intn(20)),
				MCC:         mccs[r.Intn(len(mccs))],
				Amount:      amounts[r.Intn(len(amounts))],
				CardPresent: r.Intn(2) == 0,
				DeviceID:    fmt.Sprintf("dev-%d", r.Intn(10)),
				IPCountry:   countries[r.Intn(len(countries))],
				HomeCountry: countries[r.Intn(len(countries))],
				AuthResult:  auth,
				CardType:    cardTypes[r.Intn(len(cardTypes))],
			},
			DeviceUniqueCards: r.Intn(8),
			SmallCNPTxCount:   r.Intn(14),
		}
	}
	return newBatch(rows...)
}

// oracle re-derives the fired rule names of a row directly from the rule table.
func oracle(tx *domain.EnrichedTransaction) []string {
	highRisk := false
	for _, mcc := range HighRiskMCCs {
		if tx.MCC == mcc {
			highRisk = true
		}
	}

	var fired []string
	if !tx.CardPresent && tx.Amount >= 500 {
		fired = append(fired, RuleHighAmountCNP)
	}
	if highRisk && tx.Amount >= 100 {
		fired = append(fired, RuleHighRiskMCC)
	}
	if tx.CardType == domain.CardPrepaid && highRisk {
		fired = append(fired, RulePrepaidHighRiskMCC)
	}
	if !tx.CardPresent && tx.IPCountry != tx.HomeCountry {
		fired = append(fired, RuleGeoMismatchCNP)
	}
	if tx.DeviceUniqueCards >= 5 {
		fired = append(fired, RuleSharedDeviceManyCards)
	}
	if tx.SmallCNPTxCount >= 10 {
		fired = append(fired, RuleCardTestingPattern)
	}
	if tx.Amount >= 400 && tx.AuthResult == domain.AuthDeclined {
		fired = append(fired, RuleDeclinedHighAmount)
	}
	return fired
}

func TestEvaluateMatchesOracle(t *testing.T) {
	engine := newTestEngine(t)
	registry := engine.Registry()
	batch := randomBatch(rand.New(rand.NewSource(7)), 500)

	result, err := engine.Evaluate(context.Background(), batch)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	hitTotal := 0
	for _, h := range result.Hits {
		hitTotal += h.Count
	}
	if hitTotal != len(result.Alerts) {
		t.Errorf("alert count %d != sum of hits %d", len(result.Alerts), hitTotal)
	}

	for i := range batch.Rows {
		want := oracle(&batch.Rows[i])
		wantScore := 0
		for _, name := range want {
			rule, _ := registry.Get(name)
			wantScore += rule.Weight
		}

		got := result.Scored[i]
		if got.ID != batch.Rows[i].ID {
			t.Fatalf("row %d: order changed, got %s", i, got.ID)
		}
		if got.RiskScore != wantScore {
			t.Errorf("row %d: expected score %d, got %d", i, wantScore, got.RiskScore)
		}
		if got.TriggeredRules != strings.Join(want, ",") {
			t.Errorf("row %d: expected %q, got %q", i, strings.Join(want, ","), got.TriggeredRules)
		}
	}

	// Alerts are grouped by rule block in registry order
	block := 0
	names := registry.Names()
	for _, a := range result.Alerts {
		for names[block] != a.RuleName {
			block++
			if block == len(names) {
				t.Fatalf("alert for %s out of registry order", a.RuleName)
			}
		}
	}
}

func TestEvaluatePermutationInvariance(t *testing.T) {
	batch := randomBatch(rand.New(rand.NewSource(11)), 200)

	base := newTestEngine(t)
	want, err := base.Evaluate(context.Background(), batch)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	defs := DefaultDefinitions()
	r := rand.New(rand.NewSource(3))
	for round := 0; round < 5; round++ {
		r.Shuffle(len(defs), func(i, j int) { defs[i], defs[j] = defs[j], defs[i] })

		registry, err := Compile(defs)
		if err != nil {
			t.Fatalf("failed to compile permutation: %v", err)
		}
		engine, _ := NewEngine(registry, 3)
		got, err := engine.Evaluate(context.Background(), batch)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		if len(got.Alerts) != len(want.Alerts) {
			t.Errorf("round %d: expected %d alerts, got %d", round, len(want.Alerts), len(got.Alerts))
		}
		for i := range want.Scored {
			if got.Scored[i].RiskScore != want.Scored[i].RiskScore {
				t.Fatalf("round %d row %d: score changed from %d to %d",
					round, i, want.Scored[i].RiskScore, got.Scored[i].RiskScore)
			}
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	batch := randomBatch(rand.New(rand.NewSource(42)), 300)

	first, err := engine.Evaluate(context.Background(), batch)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := engine.Evaluate(context.Background(), batch)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if len(again.Alerts) != len(first.Alerts) {
			t.Fatalf("run %d: alert count changed", i)
		}
		for j := range first.Alerts {
			if again.Alerts[j] != first.Alerts[j] {
				t.Fatalf("run %d: alert %d changed", i, j)
			}
		}
		for j := range first.Scored {
			if again.Scored[j].TriggeredRules != first.Scored[j].TriggeredRules {
				t.Fatalf("run %d: row %d changed", i, j)
			}
		}
	}
}

func BenchmarkEvaluate(b *testing.B) {
	registry, _ := DefaultRegistry()
	engine, _ := NewEngine(registry, 8)
	batch := randomBatch(rand.New(rand.NewSource(1)), 10000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Evaluate(ctx, batch)
	}
}
