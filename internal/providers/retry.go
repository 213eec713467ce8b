package providers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     20 * time.Second,
	}
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out. 429/5xx HTTP errors and transport errors are retried;
// a Retry-After hint replaces the computed delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		eb.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	}
	eb.Reset()

	op := func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if !httpErr.Retryable() {
				return v, backoff.Permanent(err)
			}
			if httpErr.RetryAfter > 0 {
				return v, errors.Join(err, backoff.RetryAfter(retryAfterSeconds(httpErr.RetryAfter)))
			}
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("provider: request failed, retrying", "retry_in", next, "error", err)
		}),
	)
}

// retryAfterSeconds rounds a server-requested delay up to whole seconds so a
// sub-second hint never becomes an immediate retry.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
