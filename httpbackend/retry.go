package httpbackend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// RetryPolicy controls retries of transient failures.
type RetryPolicy struct {
	// MaxRetries is a number of retries after first attempt, default 3, negative disables retries.
	MaxRetries int

	// BaseDelay is a delay before first retry, doubled for every next one, default 250ms.
	BaseDelay time.Duration

	// MaxDelay caps retry delay, default 2s.
	MaxDelay time.Duration

	// Jitter is a random fraction of delay added or subtracted, default 0.25, negative disables jitter.
	Jitter float64
}

// DefaultRetryPolicy is a conservative retry strategy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  250 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Jitter:     0.25,
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultRetryPolicy.MaxRetries
	}

	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}

	if p.Jitter == 0 {
		p.Jitter = DefaultRetryPolicy.Jitter
	}

	if p.Jitter < 0 {
		p.Jitter = 0
	}

	return p
}

// backoff is exponential with optional jitter.
type backoff struct {
	policy RetryPolicy

	mu   sync.Mutex
	rand *rand.Rand
}

func newBackoff(policy RetryPolicy) *backoff {
	return &backoff{
		policy: policy,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Jitter only.
	}
}

// forAttempt returns delay after a failed attempt (0-indexed).
func (b *backoff) forAttempt(attempt int) time.Duration {
	delay := b.policy.BaseDelay

	if attempt > 0 {
		delay = time.Duration(float64(b.policy.BaseDelay) * math.Pow(2, float64(attempt)))
	}

	if delay <= 0 || delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}

	if b.policy.Jitter == 0 {
		return delay
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	factor := 1 + (b.rand.Float64()*2-1)*math.Min(b.policy.Jitter, 1)

	return time.Duration(float64(delay) * factor)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, string(e.Body))
}

// Retryable reports whether the error is transient.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}

	// Transport failure.
	return true
}
