package models

import (
	"fmt"
	"math"
	"time"
)

// Observation is a single timestamped value for a tracked series, normalized
// from whichever upstream produced it. Once constructed it is passed by value
// and never mutated.
type Observation struct {
	Series     string            `json:"series"`
	Value      float64           `json:"value"`
	ObservedAt time.Time         `json:"observed_at"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewObservation builds an Observation, rejecting non-finite values. The
// metadata map is copied so the caller cannot alias into the stored value.
func NewObservation(series string, value float64, observedAt time.Time, source string, metadata map[string]string) (Observation, error) {
	if series == "" {
		return Observation{}, fmt.Errorf("observation series is required")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Observation{}, &ParseError{Source: source, Reason: fmt.Sprintf("non-finite value %v for series %s", value, series)}
	}
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	return Observation{
		Series:     series,
		Value:      value,
		ObservedAt: observedAt.UTC(),
		Source:     source,
		Metadata:   md,
	}, nil
}

// NewPriceObservation is NewObservation with the additional constraint that
// price-like quantities must be strictly positive.
func NewPriceObservation(series string, value float64, observedAt time.Time, source string, metadata map[string]string) (Observation, error) {
	if value <= 0 {
		return Observation{}, &ParseError{Source: source, Reason: fmt.Sprintf("non-positive price %v for series %s", value, series)}
	}
	return NewObservation(series, value, observedAt, source, metadata)
}
