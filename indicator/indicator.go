package indicator

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"fundflow/logger"
)

const (
	smaPeriod        = 30
	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
)

// Summary holds the latest technical indicator values for one fund computed
// over its NAV history.
type Summary struct {
	Code       string
	Name       string
	Samples    int
	LastNAV    float64
	LastDate   time.Time
	SMA30      float64
	HasSMA     bool
	RSI14      float64
	HasRSI     bool
	MACD       float64
	MACDSignal float64
	HasMACD    bool
}

type navPoint struct {
	date time.Time
	nav  float64
	name string
}

// Analyze reads a NAV history file (date, nav, fund_code, fund_name) and
// computes SMA-30, RSI-14 and MACD(12,26,9) per fund. Funds with too little
// history keep whatever indicators their sample count supports.
func Analyze(historyPath, dateFormat string) ([]Summary, error) {
	f, err := os.Open(historyPath)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}
	if dateFormat == "" {
		dateFormat = "2006-01-02"
	}

	log := logger.GetLogger().WithComponent("indicator")

	byFund := make(map[string][]navPoint)
	skipped := 0
	for _, rec := range records[1:] {
		if len(rec) < 4 {
			skipped++
			continue
		}
		date, err := time.Parse(dateFormat, rec[0])
		if err != nil {
			skipped++
			continue
		}
		nav, err := strconv.ParseFloat(rec[1], 64)
		if err != nil || nav <= 0 {
			skipped++
			continue
		}
		byFund[rec[2]] = append(byFund[rec[2]], navPoint{date: date, nav: nav, name: rec[3]})
	}
	if skipped > 0 {
		log.WithFields(logger.Fields{"skipped": skipped}).Debug("skipped malformed history rows")
	}

	codes := make([]string, 0, len(byFund))
	for code := range byFund {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	summaries := make([]Summary, 0, len(codes))
	for _, code := range codes {
		points := byFund[code]
		sort.Slice(points, func(i, j int) bool { return points[i].date.Before(points[j].date) })

		prices := make([]float64, len(points))
		for i, p := range points {
			prices[i] = p.nav
		}
		last := points[len(points)-1]

		s := Summary{
			Code:     code,
			Name:     last.name,
			Samples:  len(points),
			LastNAV:  last.nav,
			LastDate: last.date,
		}
		s.SMA30, s.HasSMA = latestSMA(prices, smaPeriod)
		s.RSI14, s.HasRSI = latestRSI(prices, rsiPeriod)
		s.MACD, s.MACDSignal, s.HasMACD = latestMACD(prices)
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func latestSMA(prices []float64, period int) (float64, bool) {
	if len(prices) < period {
		return 0, false
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	values := helper.ChanToSlice(sma.Compute(helper.SliceToChan(prices)))
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

func latestRSI(prices []float64, period int) (float64, bool) {
	if len(prices) <= period {
		return 0, false
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := helper.ChanToSlice(rsi.Compute(helper.SliceToChan(prices)))
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

func latestMACD(prices []float64) (float64, float64, bool) {
	if len(prices) < macdSlowPeriod+macdSignalPeriod {
		return 0, 0, false
	}
	macd := trend.NewMacdWithPeriod[float64](macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	lineChan, signalChan := macd.Compute(helper.SliceToChan(prices))
	// Both channels feed from the same unbuffered pipeline, so they must be
	// drained concurrently or the producer deadlocks.
	var signal []float64
	done := make(chan struct{})
	go func() {
		defer close(done)
		signal = helper.ChanToSlice(signalChan)
	}()
	line := helper.ChanToSlice(lineChan)
	<-done
	if len(line) == 0 || len(signal) == 0 {
		return 0, 0, false
	}
	return line[len(line)-1], signal[len(signal)-1], true
}

// WriteCSV dumps the summaries next to the history files. The file is
// regenerated whole on every run.
func WriteCSV(path string, summaries []Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create indicator directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create indicator file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"fund_code", "fund_name", "as_of", "nav", "samples", "sma_30", "rsi_14", "macd", "macd_signal"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write indicator header: %w", err)
	}
	for _, s := range summaries {
		row := []string{
			s.Code,
			s.Name,
			s.LastDate.Format("2006-01-02"),
			strconv.FormatFloat(s.LastNAV, 'f', 4, 64),
			strconv.Itoa(s.Samples),
			formatOptional(s.SMA30, s.HasSMA),
			formatOptional(s.RSI14, s.HasRSI),
			formatOptional(s.MACD, s.HasMACD),
			formatOptional(s.MACDSignal, s.HasMACD),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write indicator row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatOptional(v float64, ok bool) string {
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
