// Package utils provides retry and duration helpers shared by the engine.
package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
//
// The delay before retry n (1-based) is
//
//	min(BaseDelay * 2^(n-1), MaxBackoff) + jitter in [JitterMin, JitterMax)
//
// unless the failed attempt carried a server retry hint, in which case the
// hint is used. Both paths are capped at MaxDelay.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// BaseDelay is the backoff before the first retry, before jitter
	BaseDelay time.Duration

	// MaxBackoff caps the exponential part of the delay
	MaxBackoff time.Duration

	// MaxDelay is the ceiling for any delay, hinted or computed
	MaxDelay time.Duration

	// JitterMin and JitterMax bound the random component added to computed delays
	JitterMin time.Duration
	JitterMax time.Duration

	// RetryableErrors determines which errors should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool

	// Sleep waits between attempts; tests replace it to avoid real delays
	Sleep func(ctx context.Context, d time.Duration) error
}

// RetryHinter is implemented by errors that carry a server-provided delay
// such as a Retry-After header.
type RetryHinter interface {
	RetryAfter() time.Duration
}

// ErrMaxRetriesExceeded is wrapped by RetryWithBackoff once every attempt failed
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// DefaultRetryConfig returns the action retry policy: 4 attempts, 250ms base
// doubling up to 2s, 50-150ms jitter, 5s ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		MaxDelay:    5 * time.Second,
		JitterMin:   50 * time.Millisecond,
		JitterMax:   150 * time.Millisecond,
		RetryableErrors: func(err error) bool {
			return true
		},
		Sleep: SleepContext,
	}
}

// ComputeDelay returns the wait before the retry that follows attempt.
// A positive hint wins over the computed backoff; either is capped at MaxDelay.
func (c RetryConfig) ComputeDelay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return capDelay(hint, c.MaxDelay)
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxBackoff > 0 && delay >= c.MaxBackoff {
			delay = c.MaxBackoff
			break
		}
	}
	if c.MaxBackoff > 0 && delay > c.MaxBackoff {
		delay = c.MaxBackoff
	}

	if c.JitterMax > c.JitterMin {
		delay += c.JitterMin + time.Duration(randomInt64n(int64(c.JitterMax-c.JitterMin)))
	} else {
		delay += c.JitterMin
	}

	return capDelay(delay, c.MaxDelay)
}

// RetryWithBackoff executes fn until it succeeds, returns a non-retryable
// error, or MaxAttempts is reached. fn receives the 1-based attempt number.
//
// Returns nil on success, the original error when it is non-retryable, an
// error wrapping ErrMaxRetriesExceeded and the last failure when attempts are
// exhausted, or a "retry cancelled" error when ctx is done while waiting.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		var hint time.Duration
		var hinter RetryHinter
		if errors.As(err, &hinter) {
			hint = hinter.RetryAfter()
		}

		if err := sleep(ctx, config.ComputeDelay(attempt, hint)); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, config.MaxAttempts, lastErr)
}

// SleepContext waits for d or until ctx is done
func SleepContext(ctx context.Context, d time.Duration) error {
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

func capDelay(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// randomInt64n returns a random int64 in [0, n) using crypto/rand, falling
// back to the clock if the system source fails.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() % n
	}

	return int64(binary.BigEndian.Uint64(buf[:])>>1) % n
}
