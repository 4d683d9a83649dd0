package source

import (
	"fmt"
	"time"

	"fundflow/config"
	"fundflow/models"
)

// Adapter extracts one normalized Observation from a raw upstream body.
// Adapters are pure: no I/O, and for a fixed clock the same body always
// yields the same result or failure.
type Adapter interface {
	Name() string
	Extract(body []byte) (models.Observation, error)
}

// BulkAdapter additionally exposes every usable record of a bulk feed, so a
// history sink can be merged from a single fetch.
type BulkAdapter interface {
	Adapter
	ExtractAll(body []byte) ([]Record, error)
}

// Record is one row of a bulk feed (the official fund NAV file).
type Record struct {
	Code string
	Name string
	NAV  float64
	Date time.Time
}

// FromSpec builds the adapter for a source configuration. The kind set is
// closed; anything else is a configuration error. price carries the series'
// strictly-positive constraint into extraction.
func FromSpec(series string, price bool, spec config.SourceSpec, now func() time.Time) (Adapter, error) {
	if now == nil {
		now = time.Now
	}
	switch spec.Kind {
	case config.SourceKindAMFI:
		return newAMFIAdapter(series, spec), nil
	case config.SourceKindJSON:
		return newJSONAdapter(series, price, spec, now), nil
	case config.SourceKindHTML:
		return newHTMLAdapter(series, price, spec, now), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q for series %s", spec.Kind, series)
	}
}
