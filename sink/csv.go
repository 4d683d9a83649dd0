package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/source"
)

const defaultDateFormat = "2006-01-02"

// CSVWriter maintains per-series history files under the sink data
// directory. Merge is the only write path: it folds new rows into whatever is
// already on disk, deduplicates on the configured key columns keeping the
// later row, drops rows whose date column does not parse, sorts by date and
// rewrites the file atomically.
type CSVWriter struct {
	dataDir string
	log     *logger.Log
}

func NewCSVWriter(cfg config.SinkConfig) *CSVWriter {
	return &CSVWriter{
		dataDir: cfg.DataDir,
		log:     logger.GetLogger(),
	}
}

// Merge folds rows into the series' history file. A missing or unreadable
// existing file is treated as an empty starting point, never an error. Zero
// new rows is a success no-op.
func (w *CSVWriter) Merge(spec config.SeriesSink, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	path := filepath.Join(w.dataDir, spec.File)
	log := w.log.WithComponent("csv_sink").WithFields(logger.Fields{"file": spec.File})

	existing := w.readExisting(path, spec.Header, log)
	merged := append(existing, rows...)

	merged = dedupeKeepLast(merged, spec)
	merged, dropped := dropUnparsableDates(merged, spec)
	if dropped > 0 {
		log.WithFields(logger.Fields{"dropped": dropped}).Warn("Dropped rows with unparsable dates")
	}
	sortByDate(merged, spec)

	if err := w.writeAtomic(path, spec.Header, merged); err != nil {
		return &models.SinkError{Destination: spec.File, Err: err}
	}

	logger.IncrementSinkWrite(spec.File, len(rows))
	log.WithFields(logger.Fields{"new_rows": len(rows), "total_rows": len(merged)}).Info("History file merged")
	return nil
}

// readExisting loads the current file contents, remapping columns when the
// on-disk header order differs from the configured one. Any read or parse
// problem degrades to an empty start.
func (w *CSVWriter) readExisting(path string, header []string, log *logger.Entry) [][]string {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("Existing history file unreadable, starting empty")
		}
		return nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		log.WithError(err).Warn("Existing history file corrupt, starting empty")
		return nil
	}
	if len(records) < 2 {
		return nil
	}

	remap := columnRemap(records[0], header)
	out := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]string, len(header))
		for dst, src := range remap {
			if src >= 0 && src < len(rec) {
				row[dst] = rec[src]
			}
		}
		out = append(out, row)
	}
	return out
}

// columnRemap maps each configured column to its index in the on-disk header,
// or -1 when absent.
func columnRemap(onDisk, configured []string) []int {
	remap := make([]int, len(configured))
	for i, want := range configured {
		remap[i] = -1
		for j, got := range onDisk {
			if strings.EqualFold(strings.TrimSpace(got), want) {
				remap[i] = j
				break
			}
		}
	}
	return remap
}

func columnIndex(header []string, name string) int {
	for i, col := range header {
		if strings.EqualFold(col, name) {
			return i
		}
	}
	return -1
}

// dedupeKeepLast removes duplicate rows by the key columns, keeping the row
// that appears later so re-runs refresh values in place.
func dedupeKeepLast(rows [][]string, spec config.SeriesSink) [][]string {
	indices := make([]int, 0, len(spec.KeyColumns))
	for _, key := range spec.KeyColumns {
		if i := columnIndex(spec.Header, key); i >= 0 {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return rows
	}

	lastByKey := make(map[string]int, len(rows))
	for i, row := range rows {
		var sb strings.Builder
		for _, idx := range indices {
			if idx < len(row) {
				sb.WriteString(row[idx])
			}
			sb.WriteByte('\x1f')
		}
		lastByKey[sb.String()] = i
	}

	keep := make(map[int]struct{}, len(lastByKey))
	for _, i := range lastByKey {
		keep[i] = struct{}{}
	}
	out := rows[:0]
	for i, row := range rows {
		if _, ok := keep[i]; ok {
			out = append(out, row)
		}
	}
	return out
}

func dropUnparsableDates(rows [][]string, spec config.SeriesSink) ([][]string, int) {
	dateIdx := columnIndex(spec.Header, spec.DateColumn)
	if dateIdx < 0 {
		return rows, 0
	}
	layout := spec.DateFormat
	if layout == "" {
		layout = defaultDateFormat
	}

	out := rows[:0]
	dropped := 0
	for _, row := range rows {
		if dateIdx >= len(row) {
			dropped++
			continue
		}
		if _, err := time.Parse(layout, row[dateIdx]); err != nil {
			dropped++
			continue
		}
		out = append(out, row)
	}
	return out, dropped
}

func sortByDate(rows [][]string, spec config.SeriesSink) {
	dateIdx := columnIndex(spec.Header, spec.DateColumn)
	if dateIdx < 0 {
		return
	}
	layout := spec.DateFormat
	if layout == "" {
		layout = defaultDateFormat
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ti, _ := time.Parse(layout, rows[i][dateIdx])
		tj, _ := time.Parse(layout, rows[j][dateIdx])
		return ti.Before(tj)
	})
}

// writeAtomic backs up the current file and replaces it via rename so a crash
// mid-write never leaves a truncated history.
func (w *CSVWriter) writeAtomic(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sink directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		backup := path + ".bak"
		if data, err := os.ReadFile(path); err == nil {
			if err := os.WriteFile(backup, data, 0o644); err != nil {
				w.log.WithComponent("csv_sink").WithError(err).Warn("Backup write failed")
			}
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	cw := csv.NewWriter(tmp)
	if err := cw.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), path)
}

// Row formats one observation per the sink layout: date, value, then the
// configured metadata columns.
func Row(spec config.SeriesSink, obs models.Observation) []string {
	layout := spec.DateFormat
	if layout == "" {
		layout = defaultDateFormat
	}
	row := []string{
		obs.ObservedAt.Format(layout),
		strconv.FormatFloat(obs.Value, 'f', -1, 64),
	}
	for _, col := range spec.MetadataColumns {
		row = append(row, obs.Metadata[col])
	}
	return row
}

// HistoryRows formats bulk feed records per the sink layout: date, NAV, fund
// code, fund name.
func HistoryRows(spec config.SeriesSink, records []source.Record) [][]string {
	layout := spec.DateFormat
	if layout == "" {
		layout = defaultDateFormat
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Date.Format(layout),
			strconv.FormatFloat(rec.NAV, 'f', -1, 64),
			rec.Code,
			rec.Name,
		})
	}
	return rows
}
