package domain

import (
	"time"
)

// Output columns appended by rule evaluation.
const (
	ColRiskScore      = "risk_score"
	ColTriggeredRules = "triggered_rules"

	ColRuleName        = "rule_name"
	ColRuleDescription = "rule_description"
	ColRuleWeight      = "rule_weight"
)

// AlertColumns is the fixed schema of the alert table.
var AlertColumns = []string{
	ColTransactionID,
	ColCardID,
	ColBIN,
	ColMCC,
	ColAmount,
	ColCardPresent,
	ColDeviceID,
	ColIPCountry,
	ColHomeCountry,
	ColRuleName,
	ColRuleDescription,
	ColRuleWeight,
}

// ScoredTransaction is an enriched transaction with its rule outcome.
type ScoredTransaction struct {
	EnrichedTransaction

	// RiskScore is the sum of the weights of all rules that fired.
	RiskScore int `json:"riskScore"`

	// TriggeredRules is the comma-joined list of fired rule names in registry order.
	TriggeredRules string `json:"triggeredRules"`
}

// Alert is one rule hit on one transaction.
type Alert struct {
	TransactionID   string  `json:"transactionId"`
	CardID          string  `json:"cardId"`
	BIN             string  `json:"bin"`
	MCC             string  `json:"mcc"`
	Amount          float64 `json:"amount"`
	CardPresent     bool    `json:"cardPresent"`
	DeviceID        string  `json:"deviceId"`
	IPCountry       string  `json:"ipCountry"`
	HomeCountry     string  `json:"homeCountry"`
	RuleName        string  `json:"ruleName"`
	RuleDescription string  `json:"ruleDescription"`
	RuleWeight      int     `json:"ruleWeight"`
}

// NewAlert projects a transaction onto the alert schema for a fired rule.
func NewAlert(tx *EnrichedTransaction, rule *Rule) Alert {
	return Alert{
		TransactionID:   tx.ID,
		CardID:          tx.CardID,
		BIN:             tx.BIN,
		MCC:             tx.MCC,
		Amount:          tx.Amount,
		CardPresent:     tx.CardPresent,
		DeviceID:        tx.DeviceID,
		IPCountry:       tx.IPCountry,
		HomeCountry:     tx.HomeCountry,
		RuleName:        rule.Name,
		RuleDescription: rule.Description,
		RuleWeight:      rule.Weight,
	}
}

// RuleHit counts how many rows a rule fired on.
type RuleHit struct {
	RuleName string `json:"ruleName"`
	Weight   int    `json:"weight"`
	Count    int    `json:"count"`
}

// Result is the output of one rule evaluation over a batch.
type Result struct {
	// Columns are the scored table columns in output order.
	Columns []string            `json:"columns"`
	Scored  []ScoredTransaction `json:"scored"`

	// Alerts are grouped by rule in registry order. Never nil.
	Alerts []Alert `json:"alerts"`

	// Hits holds per-rule fire counts in registry order.
	Hits []RuleHit `json:"hits"`
}

// FlaggedCount returns the number of rows with at least one fired rule.
func (r *Result) FlaggedCount() int {
	n := 0
	for i := range r.Scored {
		if r.Scored[i].RiskScore > 0 {
			n++
		}
	}
	return n
}

// MaxRiskScore returns the highest risk score in the result.
func (r *Result) MaxRiskScore() int {
	max := 0
	for i := range r.Scored {
		if r.Scored[i].RiskScore > max {
			max = r.Scored[i].RiskScore
		}
	}
	return max
}

// BatchRequest asks for one batch run.
type BatchRequest struct {
	RunID          string `json:"runId"`
	InputPath      string `json:"inputPath"`
	ScoredPath     string `json:"scoredPath"`
	AlertsPath     string `json:"alertsPath"`
	SkipEnrichment bool   `json:"skipEnrichment"`
}

// Run status values.
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunSummary describes a finished batch run. It is operational metadata and
// never part of the output tables.
type RunSummary struct {
	RunID        string    `json:"runId"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	InputPath    string    `json:"inputPath"`
	ScoredPath   string    `json:"scoredPath,omitempty"`
	AlertsPath   string    `json:"alertsPath,omitempty"`
	Transactions int       `json:"transactions"`
	Alerts       int       `json:"alerts"`
	Flagged      int       `json:"flagged"`
	MaxRiskScore int       `json:"maxRiskScore"`
	Hits         []RuleHit `json:"hits"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationMs   int64     `json:"durationMs"`
}

// AlertEvent is the payload of one cardguard.alert message.
type AlertEvent struct {
	RunID string `json:"runId"`
	Alert Alert  `json:"alert"`
}

// BatchSubmission is the payload of one cardguard.batch.submitted message.
// Paths always come from the consumer's configuration.
type BatchSubmission struct {
	RunID          string `json:"runId"`
	SkipEnrichment bool   `json:"skipEnrichment"`
}
