package pilot

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and retries transient failures
// (network-category errors) with exponential backoff and jitter.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. When set,
// retries log at WARN level. If not set, a no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient backend failures.
// Validation errors, cancellation, and timeouts are never retried. Compose
// with any Provider:
//
//	model = pilot.WithRetry(backend)
//	model = pilot.WithRetry(backend, pilot.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, r.baseDelay, attempt); err != nil {
				return ModelResponse{}, FromContext(err)
			}
			r.logger.Warn("retrying model call",
				"provider", r.inner.Name(), "attempt", attempt+1)
		}
		resp, err := r.inner.Invoke(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		lastErr = err
	}
	return ModelResponse{}, lastErr
}

// Stream retries only if no chunks have been forwarded yet; once streaming
// has started, errors pass through to avoid duplicating content.
func (r *retryProvider) Stream(ctx context.Context, req ModelRequest, ch chan<- ModelChunk) (ModelResponse, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, r.baseDelay, attempt); err != nil {
				return ModelResponse{}, FromContext(err)
			}
			r.logger.Warn("retrying model stream",
				"provider", r.inner.Name(), "attempt", attempt+1)
		}

		mid := make(chan ModelChunk, 64)
		var (
			resp      ModelResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer close(mid)
			resp, streamErr = r.inner.Stream(ctx, req, mid)
		}()

		var chunksSent bool
		for c := range mid {
			chunksSent = true
			ch <- c
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || chunksSent {
			return resp, streamErr
		}
		lastErr = streamErr
	}
	return ModelResponse{}, lastErr
}

// isTransient reports whether an error is worth retrying. Only
// network-category failures qualify.
func isTransient(err error) bool {
	return CategoryOf(err) == CategoryNetwork
}

// sleepBackoff waits baseDelay·2^(attempt-1) plus up to 25% jitter,
// honouring context cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
