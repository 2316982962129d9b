package domain

// Condition is a vectorized rule predicate. It returns one boolean per row
// of the batch and must not depend on any other rule.
type Condition func(batch *EnrichedBatch) ([]bool, error)

// Rule is a fraud indicator with a fixed weight.
type Rule struct {
	// Name is the stable identifier written to triggered_rules and alerts.
	Name        string `json:"name"`
	Description string `json:"description"`
	Weight      int    `json:"weight"`

	// Columns lists the batch columns the condition reads.
	Columns []string `json:"columns"`

	// Expression is the source of a CEL condition, empty for Go predicates.
	Expression string `json:"expression,omitempty"`

	Condition Condition `json:"-"`
}

// RuleDefinition is the declarative form of a rule compiled by the registry.
type RuleDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Weight      int      `json:"weight"`
	Expression  string   `json:"expression"`
	Columns     []string `json:"columns"`
}
