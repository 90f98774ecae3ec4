package adapters

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryMiddleware retries transient provider failures with exponential
// backoff and jitter. Only errors a ProviderError classifies as
// retryable are attempted again; bad requests and auth rejections fail
// immediately.
func RetryMiddleware(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return func(next CoreChat) CoreChat {
		return &retryChat{next: next, maxAttempts: maxAttempts, baseDelay: baseDelay}
	}
}

type retryChat struct {
	next        CoreChat
	maxAttempts int
	baseDelay   time.Duration
}

func (r *retryChat) Model() string { return r.next.Model() }

func (r *retryChat) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, r.backoff(attempt)); err != nil {
				return "", 0, 0, err
			}
		}

		response, tokensIn, tokensOut, err := r.next.DoRequest(ctx, prompt, opts)
		if err == nil {
			return response, tokensIn, tokensOut, nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return "", 0, 0, lastErr
}

// backoff is the delay before the given attempt: exponential with up to
// 25% jitter so synchronized callers spread out.
func (r *retryChat) backoff(attempt int) time.Duration {
	delay := r.baseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func isRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.IsRetryable()
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
