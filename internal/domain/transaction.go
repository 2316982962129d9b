package domain

import (
	"time"
)

// Column names of the input transaction table.
const (
	ColTransactionID = "transaction_id"
	ColCardID        = "card_id"
	ColBIN           = "bin"
	ColMCC           = "mcc"
	ColAmount        = "amount"
	ColCardPresent   = "card_present"
	ColDeviceID      = "device_id"
	ColIPCountry     = "ip_country"
	ColHomeCountry   = "home_country"
	ColAuthResult    = "auth_result"
	ColCardType      = "card_type"
	ColTimestamp     = "timestamp"

	// Enrichment features
	ColDeviceUniqueCards = "device_unique_cards"
	ColSmallCNPTxCount   = "small_cnp_tx_count"
)

// TransactionColumns lists the core input columns in their canonical order.
var TransactionColumns = []string{
	ColTransactionID,
	ColCardID,
	ColBIN,
	ColMCC,
	ColAmount,
	ColCardPresent,
	ColDeviceID,
	ColIPCountry,
	ColHomeCountry,
	ColAuthResult,
	ColCardType,
	ColTimestamp,
}

// FeatureColumns lists the columns added by feature enrichment.
var FeatureColumns = []string{
	ColDeviceUniqueCards,
	ColSmallCNPTxCount,
}

// AuthResult is the authorization outcome of a transaction.
type AuthResult string

const (
	AuthApproved AuthResult = "approved"
	AuthDeclined AuthResult = "declined"
)

// CardType is the product type of the card.
type CardType string

const (
	CardCredit  CardType = "credit"
	CardDebit   CardType = "debit"
	CardPrepaid CardType = "prepaid"
)

// Transaction is a single card transaction from the input batch.
// It is never mutated once decoded.
type Transaction struct {
	ID          string     `json:"transactionId"`
	CardID      string     `json:"cardId"`
	BIN         string     `json:"bin"`
	MCC         string     `json:"mcc"`
	Amount      float64    `json:"amount"`
	CardPresent bool       `json:"cardPresent"`
	DeviceID    string     `json:"deviceId"`
	IPCountry   string     `json:"ipCountry"`
	HomeCountry string     `json:"homeCountry"`
	AuthResult  AuthResult `json:"authResult"`
	CardType    CardType   `json:"cardType"`
	Timestamp   time.Time  `json:"timestamp"`

	// Extra holds pass-through input columns that no rule reads
	// (brand, merchant_id, currency, ...).
	Extra map[string]string `json:"extra,omitempty"`
}

// Batch is a decoded transaction table.
type Batch struct {
	// Columns are the input column names in input order.
	Columns []string
	Rows    []Transaction
}

// HasColumn reports whether the batch carries the named column.
func (b *Batch) HasColumn(name string) bool {
	return hasColumn(b.Columns, name)
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	return len(b.Rows)
}

// EnrichedTransaction is a Transaction augmented with batch-relative features.
type EnrichedTransaction struct {
	Transaction

	// DeviceUniqueCards is the number of distinct cards seen on this device in the batch.
	DeviceUniqueCards int `json:"deviceUniqueCards"`

	// SmallCNPTxCount is the number of card-not-present transactions under 10
	// made by this card in the batch.
	SmallCNPTxCount int `json:"smallCnpTxCount"`
}

// EnrichedBatch is the output of feature enrichment and the input of rule evaluation.
type EnrichedBatch struct {
	Columns []string
	Rows    []EnrichedTransaction
}

// HasColumn reports whether the batch carries the named column.
func (b *EnrichedBatch) HasColumn(name string) bool {
	return hasColumn(b.Columns, name)
}

// Len returns the number of rows.
func (b *EnrichedBatch) Len() int {
	return len(b.Rows)
}

func hasColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}
