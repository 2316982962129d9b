package repository

// Schema definitions for the cardguard output tables.
// Compatible with both SQLite and PostgreSQL.

// schemaScored mirrors the scored CSV table. row_index keeps input order;
// pass-through columns are stored as a JSON object in extra.
const schemaScored = `
CREATE TABLE IF NOT EXISTS scored_transactions (
    row_index INTEGER NOT NULL,
    run_id TEXT NOT NULL,
    transaction_id TEXT PRIMARY KEY,
    card_id TEXT NOT NULL,
    bin TEXT NOT NULL,
    mcc TEXT NOT NULL,
    amount REAL NOT NULL,
    card_present INTEGER NOT NULL,
    device_id TEXT NOT NULL,
    ip_country TEXT NOT NULL,
    home_country TEXT NOT NULL,
    auth_result TEXT NOT NULL,
    card_type TEXT NOT NULL,
    timestamp TIMESTAMP,
    device_unique_cards INTEGER NOT NULL,
    small_cnp_tx_count INTEGER NOT NULL,
    risk_score INTEGER NOT NULL,
    triggered_rules TEXT NOT NULL,
    extra TEXT
);

CREATE INDEX IF NOT EXISTS idx_scored_row ON scored_transactions(row_index);
CREATE INDEX IF NOT EXISTS idx_scored_risk ON scored_transactions(risk_score);
`

// schemaAlerts mirrors the alert CSV table, one row per rule hit.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    alert_index INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    card_id TEXT NOT NULL,
    bin TEXT NOT NULL,
    mcc TEXT NOT NULL,
    amount REAL NOT NULL,
    card_present INTEGER NOT NULL,
    device_id TEXT NOT NULL,
    ip_country TEXT NOT NULL,
    home_country TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    rule_description TEXT NOT NULL,
    rule_weight INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_name);
CREATE INDEX IF NOT EXISTS idx_alerts_card ON alerts(card_id);
CREATE INDEX IF NOT EXISTS idx_alerts_tx ON alerts(transaction_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaScored,
		schemaAlerts,
	}
}
