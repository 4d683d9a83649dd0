package indicator

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeHistory(t *testing.T, days int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("date,nav,fund_code,fund_name\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		// Gentle uptrend with a small oscillation.
		nav := 100.0 + float64(i)*0.5 + 2*math.Sin(float64(i)/3)
		sb.WriteString(fmt.Sprintf("%s,%.4f,120503,Axis ELSS\n", start.AddDate(0, 0, i).Format("2006-01-02"), nav))
	}
	sb.WriteString("2024-01-05,not-a-number,120504,Broken Fund\n")

	path := filepath.Join(t.TempDir(), "nav_history.csv")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("write history: %v", err)
	}
	return path
}

func TestAnalyzeComputesIndicators(t *testing.T) {
	path := writeHistory(t, 60)

	summaries, err := Analyze(path, "2006-01-02")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 fund (malformed rows dropped), got %d", len(summaries))
	}

	s := summaries[0]
	if s.Code != "120503" || s.Samples != 60 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if !s.HasSMA || !s.HasRSI || !s.HasMACD {
		t.Fatalf("60 samples must support every indicator: %+v", s)
	}
	// An uptrend keeps the last NAV above the trailing 30-day mean and RSI
	// in the bullish half.
	if s.SMA30 >= s.LastNAV {
		t.Errorf("SMA %v should trail the last NAV %v in an uptrend", s.SMA30, s.LastNAV)
	}
	if s.RSI14 <= 50 || s.RSI14 > 100 {
		t.Errorf("unexpected RSI for an uptrend: %v", s.RSI14)
	}
}

func TestAnalyzeShortHistorySkipsIndicators(t *testing.T) {
	path := writeHistory(t, 10)

	summaries, err := Analyze(path, "2006-01-02")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 fund, got %d", len(summaries))
	}
	s := summaries[0]
	if s.HasSMA || s.HasMACD {
		t.Errorf("10 samples cannot support SMA-30 or MACD: %+v", s)
	}
}

func TestWriteCSV(t *testing.T) {
	path := writeHistory(t, 60)
	summaries, err := Analyze(path, "2006-01-02")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	out := filepath.Join(t.TempDir(), "indicators.csv")
	if err := WriteCSV(out, summaries); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus 1 row, got %d", len(records))
	}
	if records[1][0] != "120503" || records[1][5] == "" {
		t.Errorf("unexpected output row: %v", records[1])
	}
}
