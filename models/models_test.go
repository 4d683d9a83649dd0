package models

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestNewObservation(t *testing.T) {
	at := time.Date(2024, 3, 14, 9, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))
	md := map[string]string{"currency_pair": "USD/INR"}

	obs, err := NewObservation("currency_usdinr", 83.25, at, "livemint", md)
	if err != nil {
		t.Fatalf("NewObservation failed: %v", err)
	}
	if obs.ObservedAt.Location() != time.UTC {
		t.Error("timestamps must be normalized to UTC")
	}

	md["currency_pair"] = "mutated"
	if obs.Metadata["currency_pair"] != "USD/INR" {
		t.Error("metadata must be copied, not aliased")
	}
}

func TestNewObservationRejectsBadValues(t *testing.T) {
	at := time.Now()
	cases := []struct {
		name   string
		series string
		value  float64
	}{
		{"empty series", "", 1},
		{"NaN", "s", math.NaN()},
		{"positive infinity", "s", math.Inf(1)},
	}
	for _, tc := range cases {
		if _, err := NewObservation(tc.series, tc.value, at, "src", nil); err == nil {
			t.Errorf("%s must be rejected", tc.name)
		}
	}
}

func TestNewPriceObservationRejectsNonPositive(t *testing.T) {
	at := time.Now()
	if _, err := NewPriceObservation("gold", 0, at, "src", nil); err == nil {
		t.Error("zero price must be rejected")
	}
	if _, err := NewPriceObservation("gold", -5, at, "src", nil); err == nil {
		t.Error("negative price must be rejected")
	}
	if _, err := NewPriceObservation("gold", 62450, at, "src", nil); err != nil {
		t.Errorf("valid price rejected: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	base := &TransientError{Err: errors.New("connection reset")}
	wrapped := fmt.Errorf("fetch http://x: attempts exhausted: %w", base)
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error not detected")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error misclassified as transient")
	}
}

func TestErrorChainUnwrapsToExhaustion(t *testing.T) {
	err := &SeriesError{Series: "nifty", Err: ErrAllSourcesExhausted}
	if !errors.Is(err, ErrAllSourcesExhausted) {
		t.Error("series error must unwrap to the exhaustion sentinel")
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{URL: "http://x", StatusCode: 404}
	var se *StatusError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &se) {
		t.Error("status error must survive wrapping")
	}
}
