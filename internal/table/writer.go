package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// EncodeScored writes the scored table in result.Columns order.
func EncodeScored(w io.Writer, result *domain.Result) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(result.Columns); err != nil {
		return fmt.Errorf("failed to write scored header: %w", err)
	}

	record := make([]string, len(result.Columns))
	for i := range result.Scored {
		row := &result.Scored[i]
		for j, col := range result.Columns {
			record[j] = scoredValue(row, col)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write scored row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// EncodeAlerts writes the alert table. The header is written even when
// there are no alerts.
func EncodeAlerts(w io.Writer, alerts []domain.Alert) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(domain.AlertColumns); err != nil {
		return fmt.Errorf("failed to write alerts header: %w", err)
	}

	for i := range alerts {
		a := &alerts[i]
		record := []string{
			a.TransactionID,
			a.CardID,
			a.BIN,
			a.MCC,
			FormatFloat(a.Amount),
			FormatBool(a.CardPresent),
			a.DeviceID,
			a.IPCountry,
			a.HomeCountry,
			a.RuleName,
			a.RuleDescription,
			strconv.Itoa(a.RuleWeight),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write alert row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func scoredValue(row *domain.ScoredTransaction, col string) string {
	switch col {
	case domain.ColTransactionID:
		return row.ID
	case domain.ColCardID:
		return row.CardID
	case domain.ColBIN:
		return row.BIN
	case domain.ColMCC:
		return row.MCC
	case domain.ColAmount:
		return FormatFloat(row.Amount)
	case domain.ColCardPresent:
		return FormatBool(row.CardPresent)
	case domain.ColDeviceID:
		return row.DeviceID
	case domain.ColIPCountry:
		return row.IPCountry
	case domain.ColHomeCountry:
		return row.HomeCountry
	case domain.ColAuthResult:
		return string(row.AuthResult)
	case domain.ColCardType:
		return string(row.CardType)
	case domain.ColTimestamp:
		return FormatTime(row.Timestamp)
	case domain.ColDeviceUniqueCards:
		return strconv.Itoa(row.DeviceUniqueCards)
	case domain.ColSmallCNPTxCount:
		return strconv.Itoa(row.SmallCNPTxCount)
	case domain.ColRiskScore:
		return strconv.Itoa(row.RiskScore)
	case domain.ColTriggeredRules:
		return row.TriggeredRules
	default:
		return row.Extra[col]
	}
}

// FormatFloat writes the shortest representation that round-trips.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatBool writes true or false.
func FormatBool(v bool) string {
	return strconv.FormatBool(v)
}

// FormatTime writes RFC3339Nano in UTC, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Stage collects output files written to temporary siblings of their
// destinations. Nothing is visible at a destination until Commit.
type Stage struct {
	files []stagedFile
}

type stagedFile struct {
	tmp  string
	dest string
}

// Add encodes one output into a temporary file next to path.
func (s *Stage) Add(path string, encode func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	s.files = append(s.files, stagedFile{tmp: f.Name(), dest: path})

	if err := encode(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close staged %s: %w", path, err)
	}
	return nil
}

// Commit renames every staged file onto its destination in the order added.
func (s *Stage) Commit() error {
	for i, f := range s.files {
		if err := os.Rename(f.tmp, f.dest); err != nil {
			s.files = s.files[i:]
			s.Discard()
			return fmt.Errorf("failed to commit %s: %w", f.dest, err)
		}
	}
	s.files = nil
	return nil
}

// Discard removes staged files that were not committed.
func (s *Stage) Discard() {
	for _, f := range s.files {
		os.Remove(f.tmp)
	}
	s.files = nil
}

// Paths returns the destinations of the staged files.
func (s *Stage) Paths() []string {
	paths := make([]string, len(s.files))
	for i, f := range s.files {
		paths[i] = f.dest
	}
	return paths
}
