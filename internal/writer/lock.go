package writer

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// retryPolicy decides whether a failed primary write is attempted again.
type retryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

func newRetryPolicy(maxAttempts int, delay time.Duration) retryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return retryPolicy{maxAttempts: maxAttempts, delay: delay}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another one.
// Only lock contention is retried.
func (p retryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsLockError(err)
}

// Backoff is the wait before the next attempt.
func (p retryPolicy) Backoff() time.Duration {
	return p.delay
}

// IsLockError reports whether err means another process holds the file.
func IsLockError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, locked := range lockErrnos {
		if errno == locked {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
