package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fundflow/config"
	"fundflow/models"
)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	panics map[string]bool
	calls  int
	closed bool
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string, _, _ map[string]string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics[rawURL] {
		panic("unexpected adapter explosion")
	}
	if err, ok := f.errs[rawURL]; ok {
		return nil, err
	}
	return []byte(f.bodies[rawURL]), nil
}

func (f *stubFetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type stubStore struct {
	mu      sync.Mutex
	upserts []models.Observation
	latest  map[string]models.Observation
}

func (s *stubStore) Upsert(_ context.Context, obs models.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, obs)
	return nil
}

func (s *stubStore) Latest(_ context.Context, series string) (models.Observation, bool, error) {
	obs, ok := s.latest[series]
	return obs, ok, nil
}

type stubMerger struct {
	mu     sync.Mutex
	merges map[string][][]string
}

func (m *stubMerger) Merge(spec config.SeriesSink, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.merges == nil {
		m.merges = make(map[string][][]string)
	}
	m.merges[spec.File] = append(m.merges[spec.File], rows...)
	return nil
}

func jsonSeries(id, url string) config.SeriesSpec {
	return config.SeriesSpec{
		ID: id,
		Sources: []config.SourceSpec{
			{Name: id + "_src", Kind: config.SourceKindJSON, URL: url, JSONPath: "$.value"},
		},
		Sink: config.SeriesSink{
			File:       id + ".csv",
			Header:     []string{"date", "value"},
			KeyColumns: []string{"date"},
			DateColumn: "date",
		},
	}
}

func newTestUpdater(cfg *config.Config, f *stubFetcher, store *stubStore, merger *stubMerger) *Updater {
	u := New(cfg, store, merger, nil)
	u.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	u.newFetcher = func(*config.Config) Fetcher { return f }
	return u
}

func TestRunOnceIsolatesSeriesFailures(t *testing.T) {
	cfg := &config.Config{Series: []config.SeriesSpec{
		jsonSeries("alpha", "http://alpha"),
		jsonSeries("beta", "http://beta"),
		jsonSeries("gamma", "http://gamma"),
	}}
	f := &stubFetcher{
		bodies: map[string]string{
			"http://alpha": `{"value": 1.5}`,
			"http://gamma": `{"value": 3.5}`,
		},
		errs: map[string]error{"http://beta": errors.New("connection refused")},
	}
	store := &stubStore{}
	merger := &stubMerger{}

	result, err := newTestUpdater(cfg, f, store, merger).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned a run-fatal error: %v", err)
	}

	byID := map[string]SeriesStatus{}
	for _, s := range result.Statuses {
		byID[s.Series] = s
	}
	if !byID["alpha"].OK || !byID["gamma"].OK {
		t.Errorf("healthy series must succeed: %+v", result.Statuses)
	}
	if byID["beta"].OK {
		t.Error("failing series reported as OK")
	}
	if result.AllOK() {
		t.Error("aggregate must be false when any series fails")
	}
	if len(store.upserts) != 2 {
		t.Errorf("expected 2 cached observations, got %d", len(store.upserts))
	}
	if len(merger.merges["alpha.csv"]) != 1 || len(merger.merges["gamma.csv"]) != 1 {
		t.Errorf("sink rows missing: %v", merger.merges)
	}
	if !f.closed {
		t.Error("fetcher must be closed when the run ends")
	}
}

func TestRunOnceRecoversFromPanic(t *testing.T) {
	cfg := &config.Config{Series: []config.SeriesSpec{
		jsonSeries("stable", "http://stable"),
		jsonSeries("volatile", "http://volatile"),
	}}
	f := &stubFetcher{
		bodies: map[string]string{"http://stable": `{"value": 9.9}`},
		panics: map[string]bool{"http://volatile": true},
	}
	store := &stubStore{}
	merger := &stubMerger{}

	result, err := newTestUpdater(cfg, f, store, merger).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce must not propagate panics: %v", err)
	}

	byID := map[string]SeriesStatus{}
	for _, s := range result.Statuses {
		byID[s.Series] = s
	}
	if !byID["stable"].OK {
		t.Error("stable series must survive a sibling panic")
	}
	if byID["volatile"].OK || byID["volatile"].Err == nil {
		t.Errorf("panicking series must fail with an error, got %+v", byID["volatile"])
	}
	if !f.closed {
		t.Error("fetcher must be closed even when a series panics")
	}
}

func TestRunOnceWarmCacheDoesNotMaskSeriesFailure(t *testing.T) {
	cached, err := models.NewObservation("alpha", 42,
		time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), "cache", nil)
	if err != nil {
		t.Fatalf("NewObservation failed: %v", err)
	}

	cfg := &config.Config{Series: []config.SeriesSpec{jsonSeries("alpha", "http://alpha")}}
	f := &stubFetcher{errs: map[string]error{"http://alpha": errors.New("down")}}
	store := &stubStore{latest: map[string]models.Observation{"alpha": cached}}
	merger := &stubMerger{}

	result, err := newTestUpdater(cfg, f, store, merger).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(result.Statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(result.Statuses))
	}
	status := result.Statuses[0]
	if status.OK {
		t.Error("a series whose every source failed must be reported false, cached value or not")
	}
	if status.Err == nil {
		t.Error("failed series must carry its reason")
	}
	if !status.FromCache {
		t.Error("a warm cache should still be surfaced for operators")
	}
	if result.AllOK() {
		t.Error("aggregate must be false when the only series failed")
	}
	if len(merger.merges) != 0 {
		t.Error("a failed series must not rewrite the sinks")
	}
}

func TestRunOnceAbortsOnMissingSinkCredentialBeforeAnyFetch(t *testing.T) {
	cfg := &config.Config{
		Sink: config.SinkConfig{
			Sheets: config.SheetsConfig{
				Enabled:         true,
				SpreadsheetID:   "sheet123",
				CredentialsFile: "/nonexistent/credentials.json",
			},
		},
		Series: []config.SeriesSpec{jsonSeries("alpha", "http://alpha")},
	}
	f := &stubFetcher{bodies: map[string]string{"http://alpha": `{"value": 1}`}}

	fetcherBuilt := false
	u := New(cfg, &stubStore{}, &stubMerger{}, nil)
	u.newFetcher = func(*config.Config) Fetcher {
		fetcherBuilt = true
		return f
	}

	_, err := u.RunOnce(context.Background())
	if err == nil {
		t.Fatal("missing sink credential must abort the run")
	}
	var se *models.SinkError
	if !errors.As(err, &se) {
		t.Errorf("expected a sink error, got %v", err)
	}
	if fetcherBuilt || f.calls != 0 {
		t.Error("no fetch may happen before the credential check passes")
	}
}

func TestRunOnceBulkHistoryMergesWholeFeed(t *testing.T) {
	feed := "Scheme Code;ISIN;ISIN;Scheme Name;Net Asset Value;Date\n" +
		"120503;x;y;Axis ELSS;89.4100;14-Mar-2024\n" +
		"119551;x;y;Birla PSU;345.6470;14-Mar-2024\n"

	cfg := &config.Config{Series: []config.SeriesSpec{{
		ID: "nav_primary",
		Sources: []config.SourceSpec{
			{Name: "amfi", Kind: config.SourceKindAMFI, URL: "http://amfi", SchemeCode: "120503"},
		},
		Sink: config.SeriesSink{
			File:        "nav_history.csv",
			Header:      []string{"date", "nav", "fund_code", "fund_name"},
			KeyColumns:  []string{"date", "fund_code"},
			DateColumn:  "date",
			BulkHistory: true,
		},
	}}}
	f := &stubFetcher{bodies: map[string]string{"http://amfi": feed}}
	store := &stubStore{}
	merger := &stubMerger{}

	result, err := newTestUpdater(cfg, f, store, merger).RunOnce(context.Background())
	if err != nil || !result.AllOK() {
		t.Fatalf("RunOnce failed: err=%v statuses=%+v", err, result.Statuses)
	}
	if got := len(merger.merges["nav_history.csv"]); got != 2 {
		t.Errorf("bulk history must merge every feed record, got %d rows", got)
	}
	if len(store.upserts) != 1 || store.upserts[0].Value != 89.41 {
		t.Errorf("cache must hold the configured scheme's observation, got %+v", store.upserts)
	}
}
