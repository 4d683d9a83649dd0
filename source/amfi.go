package source

import (
	"strings"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

// amfiDateLayout is the day-month-abbreviation-year format used by the
// official NAV bulk file.
const amfiDateLayout = "02-Jan-2006"

// amfiAdapter parses the AMFI NAVAll.txt feed: a semicolon-delimited block
// with a marker header line, interleaved AMC name lines (no semicolons) and
// one scheme record per line. Malformed rows are skipped with a log entry;
// zero usable rows is a failure.
type amfiAdapter struct {
	series     string
	name       string
	schemeCode string
	metadata   map[string]string
	log        *logger.Log
}

func newAMFIAdapter(series string, spec config.SourceSpec) *amfiAdapter {
	return &amfiAdapter{
		series:     series,
		name:       spec.Name,
		schemeCode: spec.SchemeCode,
		metadata:   spec.Metadata,
		log:        logger.GetLogger(),
	}
}

func (a *amfiAdapter) Name() string { return a.name }

// Extract returns the configured scheme's NAV as the series' primary
// observation. When no scheme code is configured the first usable record
// wins.
func (a *amfiAdapter) Extract(body []byte) (models.Observation, error) {
	records, err := a.ExtractAll(body)
	if err != nil {
		return models.Observation{}, err
	}

	var picked *Record
	if a.schemeCode == "" {
		picked = &records[0]
	} else {
		for i := range records {
			if records[i].Code == a.schemeCode {
				picked = &records[i]
				break
			}
		}
	}
	if picked == nil {
		return models.Observation{}, &models.ParseError{
			Source: a.name,
			Reason: "scheme code " + a.schemeCode + " not present in feed",
		}
	}

	md := map[string]string{"fund_code": picked.Code, "fund_name": picked.Name}
	for k, v := range a.metadata {
		md[k] = v
	}
	return models.NewPriceObservation(a.series, picked.NAV, picked.Date, a.name, md)
}

// ExtractAll parses every usable scheme record in the feed.
func (a *amfiAdapter) ExtractAll(body []byte) ([]Record, error) {
	log := a.log.WithComponent("amfi_adapter").WithFields(logger.Fields{"source": a.name})

	lines := strings.Split(string(body), "\n")
	headerAt := -1
	for i, line := range lines {
		if strings.Contains(line, "Scheme Code") && strings.Contains(line, "Net Asset Value") {
			headerAt = i
			break
		}
	}
	if headerAt == -1 {
		return nil, &models.ParseError{Source: a.name, Reason: "header marker not found"}
	}

	var records []Record
	skipped := 0
	for _, line := range lines[headerAt+1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// AMC and category name lines carry no semicolons.
		if !strings.Contains(line, ";") {
			continue
		}

		parts := strings.Split(line, ";")
		if len(parts) < 6 {
			skipped++
			continue
		}
		code := strings.TrimSpace(parts[0])
		name := strings.TrimSpace(parts[3])
		navStr := strings.TrimSpace(parts[4])
		dateStr := strings.TrimSpace(parts[5])

		if code == "" || navStr == "" || navStr == "N.A." {
			skipped++
			continue
		}
		nav, err := parseDecorated(navStr)
		if err != nil || nav <= 0 {
			skipped++
			continue
		}
		date, err := time.Parse(amfiDateLayout, dateStr)
		if err != nil {
			skipped++
			continue
		}

		records = append(records, Record{Code: code, Name: name, NAV: nav, Date: date.UTC()})
	}

	if skipped > 0 {
		log.WithFields(logger.Fields{"skipped": skipped, "parsed": len(records)}).Debug("skipped malformed NAV rows")
	}
	if len(records) == 0 {
		return nil, &models.ParseError{Source: a.name, Reason: "no usable rows in feed"}
	}
	return records, nil
}
