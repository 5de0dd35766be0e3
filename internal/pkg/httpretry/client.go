// Package httpretry wraps outbound HTTP calls with a bounded retry
// policy (exponential backoff, full jitter). The zero policy performs
// no retries at all: the request runs once and the response or
// transport error is returned as-is.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy controls how many times a request is retried and how long to
// wait between attempts.
type Policy struct {
	// MaxRetries is the number of attempts after the first request.
	// 0 or negative disables retries.
	MaxRetries int
	// BaseDelay seeds the exponential backoff. Defaults to 1s.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff wait. Defaults to 30s.
	MaxDelay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// RetryClient wraps an HTTPDoer with the retry policy.
type RetryClient struct {
	client HTTPDoer
	policy Policy
}

// New creates a RetryClient around the given HTTPDoer. If client is
// nil, a default http.Client with a 30s timeout is used.
func New(client HTTPDoer, policy Policy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RetryClient{client: client, policy: policy.withDefaults()}
}

// Do executes the request, retrying on retryable status codes
// (429, 500, 502, 503, 504) and transient transport errors. Client
// errors (400, 401, 403, 404) and context cancellation are never
// retried. The final attempt's response is returned as-is so the
// caller can read the status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			if attempt == rc.policy.MaxRetries {
				return nil, err
			}
			lastErr = err
			if waitErr := rc.wait(req, attempt+1, 0); waitErr != nil {
				return nil, lastErr
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == rc.policy.MaxRetries {
			return resp, nil
		}

		// Drain for connection reuse before the next attempt.
		serverWait := retryAfter(resp)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
		if waitErr := rc.wait(req, attempt+1, serverWait); waitErr != nil {
			return nil, lastErr
		}
	}
}

// wait sleeps for the backoff delay of the given attempt, honoring a
// server-requested minimum (Retry-After) and the request context. The
// request body is reset before the next attempt when GetBody is set.
func (rc *RetryClient) wait(req *http.Request, attempt int, serverWait time.Duration) error {
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("httpretry: reset request body: %w", err)
		}
		req.Body = body
	}

	delay := rc.backoff(attempt)
	if serverWait > delay {
		delay = serverWait
	}
	if delay > rc.policy.MaxDelay {
		delay = rc.policy.MaxDelay
	}
	log.Printf("httpretry: retry %d/%d for %s %s%s (waiting %s)",
		attempt, rc.policy.MaxRetries, req.Method, req.URL.Host, req.URL.Path, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

// backoff computes the jittered delay for a retry attempt:
// random(0, min(MaxDelay, BaseDelay * 2^(attempt-1))), floored at 100ms.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	exp := float64(rc.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(rc.policy.MaxDelay) {
		exp = float64(rc.policy.MaxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

// retryAfter reads a Retry-After header given in seconds. Rate-limit
// responses (429) carry one; absent or unparsable values return 0.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isRetryableStatus reports whether the status code indicates a
// transient condition worth another attempt.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
