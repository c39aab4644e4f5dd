package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/soyeahso/agentcron/internal/logging"
)

// RetryClient wraps a Client and retries transient failures (rate limits,
// overload, 5xx) with exponential backoff.
type RetryClient struct {
	inner    Client
	attempts int
	backoff  time.Duration
	log      *logging.Logger
}

// NewRetryClient retries up to attempts total calls, doubling the wait from
// backoff after each failure.
func NewRetryClient(inner Client, attempts int, backoff time.Duration, log *logging.Logger) *RetryClient {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryClient{inner: inner, attempts: attempts, backoff: backoff, log: log.Sub("llm.retry")}
}

func (r *RetryClient) Name() string { return r.inner.Name() }

// Complete calls the wrapped client, retrying retryable errors until the
// attempt budget or the context runs out.
func (r *RetryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	wait := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == r.attempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		r.log.Warn().
			Str("provider", r.inner.Name()).
			Str("model", req.Model).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("retryable model error, backing off")

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, lastErr
		}
		wait *= 2
	}
	return nil, lastErr
}

// IsRetryable checks if the error suggests the same call may succeed later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "capacity")
}
