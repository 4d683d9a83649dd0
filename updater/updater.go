package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundflow/config"
	"fundflow/fetcher"
	"fundflow/logger"
	"fundflow/models"
	"fundflow/resolver"
	"fundflow/sink"
	"fundflow/source"
)

// maxConcurrentSeries bounds the per-series fan-out; the fetcher's shared
// rate limiter still gates the actual request rate.
const maxConcurrentSeries = 4

// Fetcher is the transport the updater hands to the resolver. It is created
// only after the sink credential check passes and is always closed before
// RunOnce returns.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, params, headers map[string]string) ([]byte, error)
	Close()
}

// Store is the observation cache surface the updater needs.
type Store interface {
	Upsert(ctx context.Context, obs models.Observation) error
	Latest(ctx context.Context, series string) (models.Observation, bool, error)
}

// HistoryMerger folds rows into a series' on-disk history file.
type HistoryMerger interface {
	Merge(spec config.SeriesSink, rows [][]string) error
}

// SheetAppender appends rows to a spreadsheet worksheet.
type SheetAppender interface {
	Append(ctx context.Context, worksheet string, rows [][]string) error
}

// SeriesStatus is the outcome of one series within a run. FromCache marks a
// failed series whose last cached observation is still available; it never
// turns the failure into a success.
type SeriesStatus struct {
	Series    string
	OK        bool
	FromCache bool
	Err       error
}

// Result aggregates a run. Statuses follow the configured series order; the
// run as a whole succeeded only when every series did.
type Result struct {
	RunID    string
	Statuses []SeriesStatus
}

func (r *Result) AllOK() bool {
	for _, s := range r.Statuses {
		if !s.OK {
			return false
		}
	}
	return true
}

// Updater drives one acquisition cycle: resolve every configured series
// concurrently, persist to the cache and write the sinks. Series are
// isolated; one failing or even panicking never takes down the rest.
type Updater struct {
	cfg    *config.Config
	store  Store
	csv    HistoryMerger
	sheets SheetAppender
	now    func() time.Time
	log    *logger.Log

	// newFetcher is swappable for tests.
	newFetcher func(cfg *config.Config) Fetcher
}

func New(cfg *config.Config, store Store, csv HistoryMerger, sheets SheetAppender) *Updater {
	return &Updater{
		cfg:    cfg,
		store:  store,
		csv:    csv,
		sheets: sheets,
		now:    time.Now,
		log:    logger.GetLogger(),
		newFetcher: func(cfg *config.Config) Fetcher {
			return fetcher.New(cfg)
		},
	}
}

// RunOnce executes a single acquisition cycle. The returned error is
// run-fatal only (sink credentials unusable, checked before the first
// fetch); per-series failures are reported through the Result.
func (u *Updater) RunOnce(ctx context.Context) (Result, error) {
	result := Result{RunID: uuid.New().String()}
	log := u.log.WithComponent("updater").WithFields(logger.Fields{"run_id": result.RunID})

	if u.cfg.Sink.Sheets.Enabled {
		if err := sink.CheckSheetsCredentials(u.cfg.Sink.Sheets); err != nil {
			log.WithError(err).Error("Sink credential check failed, aborting run")
			return result, err
		}
	}

	f := u.newFetcher(u.cfg)
	defer f.Close()
	res := resolver.New(f, u.now)

	start := u.now()
	statuses := make([]SeriesStatus, len(u.cfg.Series))
	sem := make(chan struct{}, maxConcurrentSeries)
	var wg sync.WaitGroup

	for i, series := range u.cfg.Series {
		wg.Add(1)
		go func(i int, series config.SeriesSpec) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					statuses[i] = SeriesStatus{
						Series: series.ID,
						Err:    &models.SeriesError{Series: series.ID, Err: fmt.Errorf("panic: %v", r)},
					}
					log.WithFields(logger.Fields{"series": series.ID, "panic": fmt.Sprint(r)}).
						Error("Series update panicked")
				}
			}()

			sem <- struct{}{}
			defer func() { <-sem }()

			statuses[i] = u.updateSeries(ctx, res, series)
		}(i, series)
	}
	wg.Wait()

	result.Statuses = statuses
	failed := 0
	for _, s := range statuses {
		if !s.OK {
			failed++
		}
	}
	log.WithFields(logger.Fields{
		"series":   len(statuses),
		"failed":   failed,
		"duration": u.now().Sub(start).String(),
	}).Info("Run finished")

	return result, nil
}

func (u *Updater) updateSeries(ctx context.Context, res *resolver.Resolver, series config.SeriesSpec) SeriesStatus {
	log := u.log.WithComponent("updater").WithFields(logger.Fields{"series": series.ID})

	outcome, err := res.Resolve(ctx, series)
	if err != nil {
		// Every live source is down. Surface the last cached value for
		// operators, but the series still counts as failed: downstream
		// schedulers watch the aggregate flag and a warm cache must not
		// hide source breakage.
		cached, found, cacheErr := u.store.Latest(ctx, series.ID)
		if cacheErr == nil && found {
			log.WithError(err).WithFields(logger.Fields{
				"cached_value": cached.Value,
				"observed_at":  cached.ObservedAt,
			}).Warn("All sources failed, last cached observation still available")
			return SeriesStatus{Series: series.ID, FromCache: true, Err: err}
		}
		log.WithError(err).Error("Series update failed")
		return SeriesStatus{Series: series.ID, Err: err}
	}

	obs := outcome.Observation
	if err := u.store.Upsert(ctx, obs); err != nil {
		log.WithError(err).Warn("Caching observation failed")
	}

	rows := u.sinkRows(series, outcome, log)
	if series.Sink.File != "" {
		if err := u.csv.Merge(series.Sink, rows); err != nil {
			log.WithError(err).Error("History merge failed")
			return SeriesStatus{Series: series.ID, Err: &models.SeriesError{Series: series.ID, Err: err}}
		}
	}
	if u.sheets != nil && series.Sink.Worksheet != "" {
		if err := u.sheets.Append(ctx, series.Sink.Worksheet, rows); err != nil {
			log.WithError(err).Error("Spreadsheet append failed")
			return SeriesStatus{Series: series.ID, Err: &models.SeriesError{Series: series.ID, Err: err}}
		}
	}

	return SeriesStatus{Series: series.ID, OK: true}
}

// sinkRows formats the resolved observation for the sinks. Bulk-history
// series re-extract every record from the winning body so the whole feed
// lands in one merge.
func (u *Updater) sinkRows(series config.SeriesSpec, outcome resolver.Outcome, log *logger.Entry) [][]string {
	if series.Sink.BulkHistory {
		if bulk, ok := outcome.Adapter.(source.BulkAdapter); ok {
			records, err := bulk.ExtractAll(outcome.Body)
			if err == nil {
				return sink.HistoryRows(series.Sink, records)
			}
			log.WithError(err).Warn("Bulk extraction failed, sinking the primary observation only")
		}
	}
	return [][]string{sink.Row(series.Sink, outcome.Observation)}
}
