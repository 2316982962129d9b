package table

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

const sampleCSV = `transaction_id,card_id,bin,brand,card_type,home_country,merchant_id,mcc,amount,currency,card_present,timestamp,device_id,ip_country,auth_result
tx_1,card_1,411111,visa,prepaid,US,m_1,7995,600.0,USD,False,2024-03-01T10:15:30.123456,device_1,FR,approved
tx_2,card_2,522222,mastercard,credit,GB,m_2,5411,12.5,USD,True,2024-03-01 11:00:00,device_2,GB,declined
`

func TestDecode(t *testing.T) {
	batch, err := Decode(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if batch.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", batch.Len())
	}
	if len(batch.Columns) != 15 || batch.Columns[3] != "brand" {
		t.Errorf("unexpected columns %v", batch.Columns)
	}

	tx := batch.Rows[0]
	if tx.ID != "tx_1" || tx.Amount != 600 || tx.CardPresent || tx.CardType != domain.CardPrepaid {
		t.Errorf("unexpected first row %+v", tx)
	}
	want := time.Date(2024, 3, 1, 10, 15, 30, 123456000, time.UTC)
	if !tx.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, tx.Timestamp)
	}
	if tx.Extra["brand"] != "visa" || tx.Extra["currency"] != "USD" {
		t.Errorf("pass-through columns lost: %v", tx.Extra)
	}
	if !batch.Rows[1].CardPresent || batch.Rows[1].AuthResult != domain.AuthDeclined {
		t.Errorf("unexpected second row %+v", batch.Rows[1])
	}
}

func TestDecodeShapeErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		column string
	}{
		{"empty input", "", domain.ColTransactionID},
		{"no id column", "card_id,amount\nc1,1\n", domain.ColTransactionID},
		{"bad amount", "transaction_id,amount\nt1,lots\n", domain.ColAmount},
		{"negative amount", "transaction_id,amount\nt1,-3\n", domain.ColAmount},
		{"bad bool", "transaction_id,card_present\nt1,maybe\n", domain.ColCardPresent},
		{"bad timestamp", "transaction_id,timestamp\nt1,yesterday\n", domain.ColTimestamp},
		{"duplicate id", "transaction_id,amount\nt1,1\nt1,2\n", domain.ColTransactionID},
		{"duplicate header", "transaction_id,amount,amount\nt1,1,2\n", domain.ColAmount},
		{"empty id", "transaction_id,amount\n,1\n", domain.ColTransactionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			if !errors.Is(err, domain.ErrInputShape) {
				t.Fatalf("expected ErrInputShape, got %v", err)
			}
			var shape *domain.ShapeError
			if !errors.As(err, &shape) || shape.Column != tt.column {
				t.Errorf("expected column %s, got %v", tt.column, err)
			}
		})
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.csv"))
	if !errors.Is(err, domain.ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if !strings.Contains(err.Error(), "generate_synthetic_card_data") {
		t.Errorf("expected generator hint, got %v", err)
	}
}

func TestEncodeScored(t *testing.T) {
	result := &domain.Result{
		Columns: []string{"transaction_id", "brand", "amount", "card_present", "timestamp",
			"device_unique_cards", "small_cnp_tx_count", "risk_score", "triggered_rules"},
		Scored: []domain.ScoredTransaction{{
			EnrichedTransaction: domain.EnrichedTransaction{
				Transaction: domain.Transaction{
					ID:        "tx_1",
					Amount:    12.5,
					Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
					Extra:     map[string]string{"brand": "visa"},
				},
				DeviceUniqueCards: 2,
			},
			RiskScore:      45,
			TriggeredRules: "high_amount_cnp,geo_mismatch_cnp",
		}},
	}

	var buf bytes.Buffer
	if err := EncodeScored(&buf, result); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	want := "transaction_id,brand,amount,card_present,timestamp,device_unique_cards,small_cnp_tx_count,risk_score,triggered_rules\n" +
		`tx_1,visa,12.5,false,2024-03-01T10:00:00Z,2,0,45,"high_amount_cnp,geo_mismatch_cnp"` + "\n"
	if buf.String() != want {
		t.Errorf("unexpected output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestEncodeAlertsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeAlerts(&buf, []domain.Alert{}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	want := strings.Join(domain.AlertColumns, ",") + "\n"
	if buf.String() != want {
		t.Errorf("expected header only, got %q", buf.String())
	}
}

func TestEncodeAlerts(t *testing.T) {
	alerts := []domain.Alert{{
		TransactionID:   "tx_1",
		CardID:          "card_1",
		Amount:          600,
		RuleName:        "high_amount_cnp",
		RuleDescription: "High amount card not present transaction",
		RuleWeight:      25,
	}}

	var buf bytes.Buffer
	if err := EncodeAlerts(&buf, alerts); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1] != "tx_1,card_1,,,600,false,,,,high_amount_cnp,High amount card not present transaction,25" {
		t.Errorf("unexpected alert row %q", lines[1])
	}
}

func TestRoundTripPassThrough(t *testing.T) {
	batch, err := Decode(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	scored := make([]domain.ScoredTransaction, batch.Len())
	for i, tx := range batch.Rows {
		scored[i].Transaction = tx
	}
	result := &domain.Result{Columns: batch.Columns, Scored: scored}

	var buf bytes.Buffer
	if err := EncodeScored(&buf, result); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	again, err := Decode(&buf)
	if err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	for i := range batch.Rows {
		a, b := batch.Rows[i], again.Rows[i]
		if a.ID != b.ID || a.Amount != b.Amount || !a.Timestamp.Equal(b.Timestamp) || a.Extra["merchant_id"] != b.Extra["merchant_id"] {
			t.Errorf("row %d changed: %+v != %+v", i, a, b)
		}
	}
}

func TestStageCommit(t *testing.T) {
	dir := t.TempDir()
	scored := filepath.Join(dir, "out", "scored.csv")
	alerts := filepath.Join(dir, "out", "alerts.csv")

	var stage Stage
	if err := stage.Add(scored, writeString("a\n")); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if err := stage.Add(alerts, writeString("b\n")); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	if _, err := os.Stat(scored); !os.IsNotExist(err) {
		t.Fatal("destination visible before commit")
	}

	if err := stage.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	data, err := os.ReadFile(alerts)
	if err != nil || string(data) != "b\n" {
		t.Errorf("unexpected committed content %q, %v", data, err)
	}
	assertNoTempFiles(t, filepath.Join(dir, "out"))
}

func TestStageDiscard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scored.csv")
	if err := os.WriteFile(path, []byte("previous\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stage Stage
	stage.Add(path, writeString("new\n"))
	err := stage.Add(filepath.Join(dir, "alerts.csv"), func(io.Writer) error {
		return errors.New("encode failed")
	})
	if err == nil {
		t.Fatal("expected encode error")
	}
	stage.Discard()

	data, _ := os.ReadFile(path)
	if string(data) != "previous\n" {
		t.Errorf("previous output was replaced: %q", data)
	}
	assertNoTempFiles(t, dir)
}

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}
