package models

import (
	"errors"
	"fmt"
)

// ErrAllSourcesExhausted is returned by the resolver when every configured
// source for a series has failed.
var ErrAllSourcesExhausted = errors.New("all sources exhausted")

// TransientError wraps a failure that is worth retrying: network errors,
// timeouts and upstream 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retriable by the fetcher.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a terminal non-2xx HTTP response. It is never retried.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// ParseError is a schema mismatch, an absent field or a malformed number or
// date in an upstream body. Never retried.
type ParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SourceError marks one source of a series as failed; the resolver consumes
// it and advances to the next source.
type SourceError struct {
	Series string
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s for series %s: %v", e.Source, e.Series, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// SeriesError is the exhaustion of a series' whole fallback chain. The
// orchestrator records it and keeps the other series running.
type SeriesError struct {
	Series string
	Err    error
}

func (e *SeriesError) Error() string {
	return fmt.Sprintf("series %s: %v", e.Series, e.Err)
}

func (e *SeriesError) Unwrap() error { return e.Err }

// SinkError is a durable-sink failure. A missing sink credential or an
// unreachable destination aborts the whole run; per-row issues never become
// a SinkError, they are logged and dropped.
type SinkError struct {
	Destination string
	Err         error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Destination, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
