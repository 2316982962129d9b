// Package table reads the input transaction table and writes the scored and
// alert tables as CSV.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// timestampLayouts are tried in order when parsing the timestamp column.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ReadFile loads a transaction batch from a CSV file.
func ReadFile(path string) (*domain.Batch, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: input file not found at %s, run generate_synthetic_card_data first",
				domain.ErrMissingInput, path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMissingInput, err)
	}
	defer file.Close()

	return Decode(file)
}

// Decode parses a CSV transaction table. The header must name
// transaction_id; core columns are parsed when present and every other
// column is carried as a pass-through value.
func Decode(r io.Reader) (*domain.Batch, error) {
	reader := csv.NewReader(r)

	// Read header
	header, err := reader.Read()
	if err == io.EOF {
		return nil, &domain.ShapeError{Column: domain.ColTransactionID, Reason: "header row is missing"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	columns := make([]string, len(header))
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if _, dup := colIndex[col]; dup {
			return nil, &domain.ShapeError{Column: col, Reason: "column appears more than once"}
		}
		colIndex[col] = i
		columns[i] = col
	}
	if _, ok := colIndex[domain.ColTransactionID]; !ok {
		return nil, domain.MissingColumn(domain.ColTransactionID)
	}

	batch := &domain.Batch{Columns: columns}
	seen := make(map[string]int)

	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInputShape, row, err)
		}

		tx, err := decodeRow(columns, record, row)
		if err != nil {
			return nil, err
		}
		if first, dup := seen[tx.ID]; dup {
			return nil, &domain.ShapeError{
				Row:    row,
				Column: domain.ColTransactionID,
				Reason: fmt.Sprintf("duplicate id %q, first seen on row %d", tx.ID, first),
			}
		}
		seen[tx.ID] = row
		batch.Rows = append(batch.Rows, tx)
	}

	return batch, nil
}

func decodeRow(columns, record []string, row int) (domain.Transaction, error) {
	var tx domain.Transaction

	for i, col := range columns {
		value := record[i]
		switch col {
		case domain.ColTransactionID:
			if value == "" {
				return tx, &domain.ShapeError{Row: row, Column: col, Reason: "value is empty"}
			}
			tx.ID = value
		case domain.ColCardID:
			tx.CardID = value
		case domain.ColBIN:
			tx.BIN = value
		case domain.ColMCC:
			tx.MCC = value
		case domain.ColDeviceID:
			tx.DeviceID = value
		case domain.ColIPCountry:
			tx.IPCountry = value
		case domain.ColHomeCountry:
			tx.HomeCountry = value
		case domain.ColAuthResult:
			tx.AuthResult = domain.AuthResult(value)
		case domain.ColCardType:
			tx.CardType = domain.CardType(value)
		case domain.ColAmount:
			amount, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
				return tx, &domain.ShapeError{Row: row, Column: col, Reason: fmt.Sprintf("value %q is not a number", value)}
			}
			if amount < 0 {
				return tx, &domain.ShapeError{Row: row, Column: col, Reason: "value must not be negative"}
			}
			tx.Amount = amount
		case domain.ColCardPresent:
			present, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return tx, &domain.ShapeError{Row: row, Column: col, Reason: fmt.Sprintf("value %q is not a boolean", value)}
			}
			tx.CardPresent = present
		case domain.ColTimestamp:
			ts, err := parseTimestamp(value)
			if err != nil {
				return tx, &domain.ShapeError{Row: row, Column: col, Reason: fmt.Sprintf("value %q is not a timestamp", value)}
			}
			tx.Timestamp = ts
		default:
			if tx.Extra == nil {
				tx.Extra = make(map[string]string)
			}
			tx.Extra[col] = value
		}
	}

	return tx, nil
}

// parseTimestamp accepts RFC3339 and ISO-8601 without a zone, with a T or a
// space separator. Zoneless values are read as UTC. Empty is the zero time.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
