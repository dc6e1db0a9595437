package scripts

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RetryConfig defines retry behavior for script downloads
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504}, // Rate limit + server errors
	}
}

// HTTPFetcher downloads scripts with retries and a shared request rate limit.
type HTTPFetcher struct {
	client  *http.Client
	retry   RetryConfig
	limiter *rate.Limiter
}

// NewHTTPFetcher creates a fetcher; requestsPerSecond <= 0 disables pacing.
func NewHTTPFetcher(timeout time.Duration, requestsPerSecond float64, retry RetryConfig) *HTTPFetcher {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Fetch GETs rawURL and copies a 200 response body into w verbatim.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	var lastErr error

	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return &FetchError{URL: rawURL, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return &FetchError{URL: rawURL, Err: err}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = &FetchError{URL: rawURL, Err: err}
			if attempt < f.retry.MaxRetries && ctx.Err() == nil {
				delay := f.calculateDelay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_retries", f.retry.MaxRetries).
					Dur("delay", delay).
					Str("url", rawURL).
					Msg("Script download failed, retrying")
				if err := sleep(ctx, delay); err != nil {
					return lastErr
				}
				continue
			}
			return lastErr
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = &FetchError{URL: rawURL, Status: resp.StatusCode}
			if f.shouldRetry(resp.StatusCode) && attempt < f.retry.MaxRetries {
				delay := f.calculateDelay(attempt)
				log.Warn().
					Int("status", resp.StatusCode).
					Int("attempt", attempt+1).
					Dur("delay", delay).
					Str("url", rawURL).
					Msg("Script download returned retryable status, retrying")
				if err := sleep(ctx, delay); err != nil {
					return lastErr
				}
				continue
			}
			return lastErr
		}

		_, err = io.Copy(w, resp.Body)
		resp.Body.Close()
		if err != nil {
			return &FetchError{URL: rawURL, Err: err}
		}
		return nil
	}

	return lastErr
}

// shouldRetry determines if a status code should trigger a retry
func (f *HTTPFetcher) shouldRetry(statusCode int) bool {
	for _, code := range f.retry.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates exponential backoff delay with jitter
func (f *HTTPFetcher) calculateDelay(attempt int) time.Duration {
	delay := float64(f.retry.InitialDelay) * math.Pow(f.retry.BackoffFactor, float64(attempt))

	// Apply jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(f.retry.MaxDelay) {
		delay = float64(f.retry.MaxDelay)
	}

	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
