package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/source"
)

// Fetcher is the HTTP surface the resolver needs; the concrete implementation
// lives in the fetcher package.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, params, headers map[string]string) ([]byte, error)
}

// Outcome is a successful resolution: the normalized observation plus the
// winning adapter and raw body, so bulk-history sinks can re-extract every
// record without a second fetch.
type Outcome struct {
	Observation models.Observation
	Adapter     source.Adapter
	Body        []byte
}

// Resolver walks a series' source chain in configured order and returns the
// first source that fetches, parses and passes the plausibility bounds.
// Failures along the way are logged and swallowed; only an exhausted chain is
// an error.
type Resolver struct {
	fetcher Fetcher
	now     func() time.Time
	log     *logger.Log
}

func New(fetcher Fetcher, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		fetcher: fetcher,
		now:     now,
		log:     logger.GetLogger(),
	}
}

func (r *Resolver) Resolve(ctx context.Context, series config.SeriesSpec) (Outcome, error) {
	log := r.log.WithComponent("resolver").WithFields(logger.Fields{"series": series.ID})

	for _, spec := range series.Sources {
		srcLog := log.WithFields(logger.Fields{"source": spec.Name})

		params, ok := r.sourceParams(spec)
		if !ok {
			srcLog.WithFields(logger.Fields{"api_key_env": spec.APIKeyEnv}).
				Warn("Skipping source, credential not set")
			continue
		}

		adapter, err := source.FromSpec(series.ID, series.Price, spec, r.now)
		if err != nil {
			srcLog.WithError(err).Warn("Skipping source, bad configuration")
			continue
		}

		outcome, err := r.tryOne(ctx, series, spec, adapter, params)
		if err != nil {
			logger.IncrementSourceFailure()
			srcLog.WithError(err).Warn("Source failed, trying next")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		srcLog.WithFields(logger.Fields{
			"value":       outcome.Observation.Value,
			"observed_at": outcome.Observation.ObservedAt,
		}).Info("Series resolved")
		return outcome, nil
	}

	return Outcome{}, &models.SeriesError{Series: series.ID, Err: models.ErrAllSourcesExhausted}
}

func (r *Resolver) tryOne(ctx context.Context, series config.SeriesSpec, spec config.SourceSpec, adapter source.Adapter, params map[string]string) (Outcome, error) {
	body, err := r.fetcher.Fetch(ctx, spec.URL, params, spec.Headers)
	if err != nil {
		return Outcome{}, &models.SourceError{Series: series.ID, Source: spec.Name, Err: err}
	}

	obs, err := adapter.Extract(body)
	if err != nil {
		return Outcome{}, &models.SourceError{Series: series.ID, Source: spec.Name, Err: err}
	}

	if err := checkBounds(series, obs.Value); err != nil {
		return Outcome{}, &models.SourceError{Series: series.ID, Source: spec.Name, Err: err}
	}

	return Outcome{Observation: obs, Adapter: adapter, Body: body}, nil
}

// sourceParams merges the static query parameters with the source's API key.
// The second return is false when a required credential is absent from the
// environment.
func (r *Resolver) sourceParams(spec config.SourceSpec) (map[string]string, bool) {
	if spec.APIKeyEnv == "" {
		return spec.Params, true
	}
	key := os.Getenv(spec.APIKeyEnv)
	if key == "" {
		return nil, false
	}

	params := make(map[string]string, len(spec.Params)+1)
	for k, v := range spec.Params {
		params[k] = v
	}
	paramName := spec.APIKeyParam
	if paramName == "" {
		paramName = "api_key"
	}
	params[paramName] = key
	return params, true
}

func checkBounds(series config.SeriesSpec, value float64) error {
	if series.Bounds.Min == 0 && series.Bounds.Max == 0 {
		return nil
	}
	if value < series.Bounds.Min || value > series.Bounds.Max {
		return fmt.Errorf("value %v outside plausible range [%v, %v]",
			value, series.Bounds.Min, series.Bounds.Max)
	}
	return nil
}

// Exhausted reports whether err is the all-sources-failed terminal error.
func Exhausted(err error) bool {
	return errors.Is(err, models.ErrAllSourcesExhausted)
}
