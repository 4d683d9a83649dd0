package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fundflow/config"
	"fundflow/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Fetcher: config.FetcherConfig{
			Timeout: 2 * time.Second,
			RateLimit: config.RateLimitConfig{
				RequestsPerSecond: 1000,
				BurstSize:         1000,
			},
			Retry: config.RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
			},
		},
	}
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "NIFTY" {
			t.Errorf("missing query param, got %q", r.URL.RawQuery)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(testConfig())
	defer f.Close()

	body, err := f.Fetch(context.Background(), srv.URL, map[string]string{"symbol": "NIFTY"}, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := New(testConfig())
	defer f.Close()

	body, err := f.Fetch(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(body) != "recovered" {
		t.Errorf("unexpected body: %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(testConfig())
	defer f.Close()

	_, err := f.Fetch(context.Background(), srv.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
	if !models.IsTransient(err) {
		t.Errorf("exhaustion should wrap the transient cause, got %v", err)
	}
}

func TestFetchClientErrorIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(testConfig())
	defer f.Close()

	_, err := f.Fetch(context.Background(), srv.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var se *models.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("expected terminal status error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", got)
	}
}

func TestFetchSetsUserAgent(t *testing.T) {
	agentCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCh <- r.Header.Get("User-Agent")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	f := New(testConfig())
	defer f.Close()

	if _, err := f.Fetch(context.Background(), srv.URL, nil, nil); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if agent := <-agentCh; agent != defaultUserAgent {
		t.Errorf("unexpected user agent: %q", agent)
	}
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Fetcher.Retry.BaseDelay = time.Minute
	cfg.Fetcher.Retry.MaxDelay = time.Minute
	f := New(cfg)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, srv.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not interrupt backoff sleep")
	}
}
