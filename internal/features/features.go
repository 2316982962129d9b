// Package features derives batch-relative per-entity aggregates used by rules.
package features

import (
	"context"
	"strconv"

	"github.com/opensource-finance/cardguard/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SmallAmountLimit is the exclusive upper bound of a card-testing amount.
const SmallAmountLimit = 10.0

var tracer = otel.Tracer("cardguard-features")

// requiredColumns are read by the enrichment aggregates.
var requiredColumns = []string{
	domain.ColDeviceID,
	domain.ColCardID,
	domain.ColCardPresent,
	domain.ColAmount,
}

// Enrich computes device_unique_cards and small_cnp_tx_count over the whole
// batch and broadcasts them back onto every row. Row order is preserved.
func Enrich(ctx context.Context, batch *domain.Batch) (*domain.EnrichedBatch, error) {
	_, span := tracer.Start(ctx, "features.Enrich",
		trace.WithAttributes(attribute.Int("batch.rows", batch.Len())),
	)
	defer span.End()

	for _, col := range requiredColumns {
		if !batch.HasColumn(col) {
			err := domain.MissingColumn(col)
			span.RecordError(err)
			return nil, err
		}
	}

	deviceCards := DeviceUniqueCards(batch.Rows)
	smallCNP := SmallCNPCounts(batch.Rows)

	rows := make([]domain.EnrichedTransaction, len(batch.Rows))
	for i, tx := range batch.Rows {
		rows[i] = domain.EnrichedTransaction{
			Transaction:       tx,
			DeviceUniqueCards: lookup(deviceCards, tx.DeviceID),
			SmallCNPTxCount:   lookup(smallCNP, tx.CardID),
		}
	}

	return &domain.EnrichedBatch{
		Columns: withFeatureColumns(batch.Columns),
		Rows:    rows,
	}, nil
}

// DeviceUniqueCards returns the number of distinct cards per device.
func DeviceUniqueCards(rows []domain.Transaction) map[string]int {
	seen := make(map[string]map[string]struct{})
	for _, tx := range rows {
		cards, ok := seen[tx.DeviceID]
		if !ok {
			cards = make(map[string]struct{})
			seen[tx.DeviceID] = cards
		}
		cards[tx.CardID] = struct{}{}
	}

	counts := make(map[string]int, len(seen))
	for device, cards := range seen {
		counts[device] = len(cards)
	}
	return counts
}

// SmallCNPCounts returns, per card, the number of card-not-present
// transactions with an amount below SmallAmountLimit.
// Cards without such transactions are absent from the map.
func SmallCNPCounts(rows []domain.Transaction) map[string]int {
	counts := make(map[string]int)
	for _, tx := range rows {
		if IsSmallCNP(&tx) {
			counts[tx.CardID]++
		}
	}
	return counts
}

// IsSmallCNP reports whether a transaction counts toward small_cnp_tx_count.
func IsSmallCNP(tx *domain.Transaction) bool {
	return !tx.CardPresent && tx.Amount < SmallAmountLimit
}

// FromColumns adopts feature values that are already present in the input
// as pass-through columns, for batches enriched upstream.
func FromColumns(batch *domain.Batch) (*domain.EnrichedBatch, error) {
	for _, col := range domain.FeatureColumns {
		if !batch.HasColumn(col) {
			return nil, domain.MissingColumn(col)
		}
	}

	rows := make([]domain.EnrichedTransaction, len(batch.Rows))
	for i, tx := range batch.Rows {
		deviceCards, err := featureValue(&tx, i, domain.ColDeviceUniqueCards)
		if err != nil {
			return nil, err
		}
		smallCNP, err := featureValue(&tx, i, domain.ColSmallCNPTxCount)
		if err != nil {
			return nil, err
		}

		// Feature values now live in typed fields
		core := tx
		core.Extra = dropKeys(tx.Extra, domain.FeatureColumns)

		rows[i] = domain.EnrichedTransaction{
			Transaction:       core,
			DeviceUniqueCards: deviceCards,
			SmallCNPTxCount:   smallCNP,
		}
	}

	return &domain.EnrichedBatch{
		Columns: append([]string(nil), batch.Columns...),
		Rows:    rows,
	}, nil
}

// lookup joins an aggregate back onto a row with a default of 0.
func lookup(m map[string]int, key string) int {
	if v, ok := m[key]; ok {
		return v
	}
	return 0
}

func withFeatureColumns(columns []string) []string {
	out := append([]string(nil), columns...)
	for _, col := range domain.FeatureColumns {
		found := false
		for _, c := range out {
			if c == col {
				found = true
				break
			}
		}
		if !found {
			out = append(out, col)
		}
	}
	return out
}

func featureValue(tx *domain.Transaction, idx int, col string) (int, error) {
	raw := tx.Extra[col]
	if raw == "" {
		return 0, &domain.ShapeError{Row: idx + 1, Column: col, Reason: "value is empty"}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// Accept integral floats written by dataframe tools, e.g. "3.0"
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, &domain.ShapeError{Row: idx + 1, Column: col, Reason: "value " + strconv.Quote(raw) + " is not an integer"}
		}
		n = int(f)
	}
	if n < 0 {
		return 0, &domain.ShapeError{Row: idx + 1, Column: col, Reason: "value must not be negative"}
	}
	return n, nil
}

func dropKeys(m map[string]string, keys []string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
