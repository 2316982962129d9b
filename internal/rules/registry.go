// Package rules provides the rule registry and the CEL-Go based evaluation engine.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/cardguard/internal/domain"
)

// Rule names of the default registry.
const (
	RuleHighAmountCNP         = "high_amount_cnp"
	RuleHighRiskMCC           = "high_risk_mcc"
	RulePrepaidHighRiskMCC    = "prepaid_high_risk_mcc"
	RuleGeoMismatchCNP        = "geo_mismatch_cnp"
	RuleSharedDeviceManyCards = "shared_device_many_cards"
	RuleCardTestingPattern    = "card_testing_pattern"
	RuleDeclinedHighAmount    = "declined_high_amount"
)

// HighRiskMCCs are merchant categories treated as high risk:
// betting, quasi cash, direct marketing, computer network services.
var HighRiskMCCs = []string{"7995", "6051", "5968", "4816"}

// highRiskMCCList is HighRiskMCCs as a CEL list literal.
const highRiskMCCList = `["7995", "6051", "5968", "4816"]`

// DefaultDefinitions returns the fixed rule set in registry order.
func DefaultDefinitions() []domain.RuleDefinition {
	return []domain.RuleDefinition{
		{
			Name:        RuleHighAmountCNP,
			Description: "High amount card not present transaction",
			Weight:      25,
			Expression:  "!card_present && amount >= 500.0",
			Columns:     []string{domain.ColCardPresent, domain.ColAmount},
		},
		{
			Name:        RuleHighRiskMCC,
			Description: "High risk MCC with moderate or high amount",
			Weight:      20,
			Expression:  "mcc in " + highRiskMCCList + " && amount >= 100.0",
			Columns:     []string{domain.ColMCC, domain.ColAmount},
		},
		{
			Name:        RulePrepaidHighRiskMCC,
			Description: "Prepaid card used at high risk merchant category",
			Weight:      20,
			Expression:  `card_type == "prepaid" && mcc in ` + highRiskMCCList,
			Columns:     []string{domain.ColCardType, domain.ColMCC},
		},
		{
			Name:        RuleGeoMismatchCNP,
			Description: "Card not present and IP country different from home country",
			Weight:      20,
			Expression:  "!card_present && ip_country != home_country",
			Columns:     []string{domain.ColCardPresent, domain.ColIPCountry, domain.ColHomeCountry},
		},
		{
			Name:        RuleSharedDeviceManyCards,
			Description: "Device used by many different cards",
			Weight:      15,
			Expression:  "device_unique_cards >= 5",
			Columns:     []string{domain.ColDeviceUniqueCards},
		},
		{
			Name:        RuleCardTestingPattern,
			Description: "Card has many small card not present transactions",
			Weight:      20,
			Expression:  "small_cnp_tx_count >= 10",
			Columns:     []string{domain.ColSmallCNPTxCount},
		},
		{
			Name:        RuleDeclinedHighAmount,
			Description: "High amount transaction that was declined",
			Weight:      10,
			Expression:  `amount >= 400.0 && auth_result == "declined"`,
			Columns:     []string{domain.ColAmount, domain.ColAuthResult},
		},
	}
}

// columnTypes maps every column a condition may read to its CEL type.
var columnTypes = map[string]*cel.Type{
	domain.ColTransactionID:     cel.StringType,
	domain.ColCardID:            cel.StringType,
	domain.ColBIN:               cel.StringType,
	domain.ColMCC:               cel.StringType,
	domain.ColAmount:            cel.DoubleType,
	domain.ColCardPresent:       cel.BoolType,
	domain.ColDeviceID:          cel.StringType,
	domain.ColIPCountry:         cel.StringType,
	domain.ColHomeCountry:       cel.StringType,
	domain.ColAuthResult:        cel.StringType,
	domain.ColCardType:          cel.StringType,
	domain.ColTimestamp:         cel.TimestampType,
	domain.ColDeviceUniqueCards: cel.IntType,
	domain.ColSmallCNPTxCount:   cel.IntType,
}

// Registry is an immutable ordered sequence of rules.
type Registry struct {
	rules  []domain.Rule
	byName map[string]int
}

// NewRegistry validates rules and fixes their order.
func NewRegistry(rules ...domain.Rule) (*Registry, error) {
	r := &Registry{
		rules:  make([]domain.Rule, 0, len(rules)),
		byName: make(map[string]int, len(rules)),
	}

	for _, rule := range rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("rule name is required")
		}
		if _, dup := r.byName[rule.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %s", rule.Name)
		}
		if rule.Weight <= 0 {
			return nil, fmt.Errorf("rule %s: weight must be positive, got %d", rule.Name, rule.Weight)
		}
		if rule.Condition == nil {
			return nil, fmt.Errorf("rule %s: condition is required", rule.Name)
		}

		rule.Columns = append([]string(nil), rule.Columns...)
		r.byName[rule.Name] = len(r.rules)
		r.rules = append(r.rules, rule)
	}

	return r, nil
}

// Compile compiles rule definitions into a registry, keeping their order.
func Compile(defs []domain.RuleDefinition) (*Registry, error) {
	compiler, err := NewCompiler()
	if err != nil {
		return nil, err
	}

	compiled := make([]domain.Rule, 0, len(defs))
	for _, def := range defs {
		rule, err := compiler.Compile(def)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, rule)
	}

	return NewRegistry(compiled...)
}

// DefaultRegistry compiles DefaultDefinitions.
func DefaultRegistry() (*Registry, error) {
	return Compile(DefaultDefinitions())
}

// Rules returns a copy of the rules in registry order.
func (r *Registry) Rules() []domain.Rule {
	return append([]domain.Rule(nil), r.rules...)
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Names returns the rule names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}

// Get returns a rule by name.
func (r *Registry) Get(name string) (domain.Rule, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return domain.Rule{}, false
	}
	return r.rules[idx], true
}

// Compiler turns rule definitions into rules with CEL conditions.
type Compiler struct {
	base *cel.Env
}

// NewCompiler creates a compiler with an empty base environment.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{base: env}, nil
}

// Compile checks a definition and compiles its expression.
// The expression may only reference the columns the definition declares.
func (c *Compiler) Compile(def domain.RuleDefinition) (domain.Rule, error) {
	if def.Expression == "" {
		return domain.Rule{}, fmt.Errorf("rule %s: expression is required", def.Name)
	}

	vars := make([]cel.EnvOption, 0, len(def.Columns))
	for _, col := range def.Columns {
		t, ok := columnTypes[col]
		if !ok {
			return domain.Rule{}, fmt.Errorf("rule %s: unknown column %q", def.Name, col)
		}
		vars = append(vars, cel.Variable(col, t))
	}

	env, err := c.base.Extend(vars...)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("rule %s: failed to extend CEL environment: %w", def.Name, err)
	}

	ast, issues := env.Compile(def.Expression)
	if issues != nil && issues.Err() != nil {
		return domain.Rule{}, fmt.Errorf("failed to compile rule %s: %w", def.Name, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return domain.Rule{}, fmt.Errorf("rule %s: expression must return bool, got %s", def.Name, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("failed to create program for rule %s: %w", def.Name, err)
	}

	return domain.Rule{
		Name:        def.Name,
		Description: def.Description,
		Weight:      def.Weight,
		Columns:     append([]string(nil), def.Columns...),
		Expression:  def.Expression,
		Condition:   celCondition(def.Name, program),
	}, nil
}

// celCondition evaluates a compiled program row by row into a mask.
func celCondition(name string, program cel.Program) domain.Condition {
	return func(batch *domain.EnrichedBatch) ([]bool, error) {
		mask := make([]bool, len(batch.Rows))
		for i := range batch.Rows {
			out, _, err := program.Eval(activation(&batch.Rows[i]))
			if err != nil {
				return nil, fmt.Errorf("rule %s: row %d: evaluation error: %w", name, i+1, err)
			}
			v, ok := out.(types.Bool)
			if !ok {
				return nil, fmt.Errorf("rule %s: row %d: expected bool, got %v", name, i+1, out.Type())
			}
			mask[i] = bool(v)
		}
		return mask, nil
	}
}

// activation exposes one row to CEL under its column names.
func activation(tx *domain.EnrichedTransaction) map[string]any {
	return map[string]any{
		domain.ColTransactionID:     tx.ID,
		domain.ColCardID:            tx.CardID,
		domain.ColBIN:               tx.BIN,
		domain.ColMCC:               tx.MCC,
		domain.ColAmount:            tx.Amount,
		domain.ColCardPresent:       tx.CardPresent,
		domain.ColDeviceID:          tx.DeviceID,
		domain.ColIPCountry:         tx.IPCountry,
		domain.ColHomeCountry:       tx.HomeCountry,
		domain.ColAuthResult:        string(tx.AuthResult),
		domain.ColCardType:          string(tx.CardType),
		domain.ColTimestamp:         tx.Timestamp,
		domain.ColDeviceUniqueCards: int64(tx.DeviceUniqueCards),
		domain.ColSmallCNPTxCount:   int64(tx.SmallCNPTxCount),
	}
}
