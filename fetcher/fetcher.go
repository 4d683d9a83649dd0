package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Bodies larger than this are considered abusive; the AMFI bulk file is
// around 6MB on a normal day.
const maxBodyBytes = 32 << 20

// Fetcher issues HTTP GET requests under a global rate ceiling shared by all
// concurrent callers, retrying transient failures with exponential backoff.
// One Fetcher (and its connection pool) is owned by a single run.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	retry   config.RetryConfig
	log     *logger.Log
}

// New creates a Fetcher from the configured rate-limit, retry and connection
// pool settings.
func New(cfg *config.Config) *Fetcher {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Fetcher.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Fetcher.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Fetcher.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Fetcher.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	agent := cfg.Fetcher.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}

	client := &http.Client{
		Transport: userAgentTransport{agent: agent, base: transport},
		Timeout:   cfg.Fetcher.Timeout,
	}

	rl := cfg.Fetcher.RateLimit
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)

	log.WithComponent("fetcher").WithFields(logger.Fields{
		"requests_per_second": rl.RequestsPerSecond,
		"burst":               burst,
		"timeout":             cfg.Fetcher.Timeout,
		"max_attempts":        cfg.Fetcher.Retry.MaxAttempts,
	}).Info("fetcher initialized")

	return &Fetcher{
		client:  client,
		limiter: limiter,
		retry:   cfg.Fetcher.Retry,
		log:     log,
	}
}

// Fetch GETs the url with the given query params and headers and returns the
// raw body. Transient failures (network errors, timeouts, 5xx, 429) are
// retried up to the configured attempt ceiling; every attempt, retries
// included, consumes a fresh rate-limit token. A terminal non-2xx status or
// retry exhaustion yields an error, never a panic.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, params, headers map[string]string) ([]byte, error) {
	reqURL, err := buildURL(rawURL, params)
	if err != nil {
		return nil, fmt.Errorf("build url %q: %w", rawURL, err)
	}

	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{"url": rawURL})

	var lastErr error
	for attempt := 1; attempt <= f.retry.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		start := time.Now()
		body, err := f.doOnce(ctx, reqURL, headers)
		duration := time.Since(start)

		if err == nil {
			logger.LogPerformanceEntry(log, "fetcher", "http_get", duration, logger.Fields{
				"attempt": attempt,
				"bytes":   len(body),
			})
			logger.IncrementFetch(len(body))
			return body, nil
		}

		lastErr = err
		if !models.IsTransient(err) {
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("terminal fetch failure")
			return nil, err
		}

		log.WithError(err).WithFields(logger.Fields{
			"attempt":      attempt,
			"max_attempts": f.retry.MaxAttempts,
		}).Warn("transient fetch failure")

		if attempt == f.retry.MaxAttempts {
			break
		}
		if err := f.sleep(ctx, f.backoffDelay(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("fetch %s: attempts exhausted: %w", rawURL, lastErr)
}

// Close releases idle connections. It must run on every exit path of a run,
// including an early abort.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}

func (f *Fetcher) doOnce(ctx context.Context, reqURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &models.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &models.TransientError{Err: &models.StatusError{URL: reqURL, StatusCode: resp.StatusCode}}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &models.StatusError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &models.TransientError{Err: err}
	}
	return body, nil
}

// backoffDelay doubles the base delay per completed attempt, capped at the
// configured maximum.
func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	delay := f.retry.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if f.retry.MaxDelay > 0 && delay >= f.retry.MaxDelay {
			return f.retry.MaxDelay
		}
	}
	if f.retry.MaxDelay > 0 && delay > f.retry.MaxDelay {
		delay = f.retry.MaxDelay
	}
	return delay
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildURL(rawURL string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
