package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RetryPolicy bounds how often a request is attempted. Attempts <= 1 disables retries.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// NoRetry is used for calls that must never be repeated implicitly.
var NoRetry = RetryPolicy{Attempts: 1}

// RetryableStatus reports whether a response status is worth another attempt.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Backoff returns the wait before the attempt following attempt n (0-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay << uint(n)
}

// RequestJSON performs an HTTP request, retrying transport errors and
// retryable statuses up to policy.Attempts. The last response is returned
// as-is so callers can classify it.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, policy RetryPolicy) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, policy.Backoff(attempt-1)); err != nil {
				return 0, nil, err
			}
		}
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if RetryableStatus(resp.StatusCode) && attempt < attempts-1 {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
