package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StatusError is returned when the registry answers with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("registry returned HTTP %d: %s", e.StatusCode, e.Body)
}

type retryableFunc func(ctx context.Context) error

// withRetry runs fn up to maxAttempts times with exponential backoff
func (c *Client) withRetry(ctx context.Context, operation string, fn retryableFunc) error {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableError(ctx, err) {
			return err
		}
		lastErr = err

		c.logger.Debug("Registry request failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < c.maxAttempts-1 {
			c.metrics.RegistryRetry(operation)
			select {
			case <-time.After(c.calculateBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, c.maxAttempts, lastErr)
}

// calculateBackoff returns baseDelay * 2^attempt with jitter, capped at maxDelay
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(c.baseDelay)
	}

	return time.Duration(delay)
}

// isRetryableError treats network failures, timeouts, 429 and 5xx as
// transient. Cancellation of the caller's context is never retried.
func isRetryableError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Decode failures and other local errors will not improve on retry
	var de *decodeError
	return !errors.As(err, &de)
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "invalid registry response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }
