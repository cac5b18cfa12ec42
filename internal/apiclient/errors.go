package apiclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "webhook-rules/internal/common/errors"
)

// maxErrorBody bounds the response body kept on a StatusError
const maxErrorBody = 512

// StatusError is a non-2xx API response
type StatusError struct {
	StatusCode int
	// Body is the response body truncated to 512 bytes
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d", e.StatusCode)
}

// RetryAfter is the server's requested delay, zero when none was sent
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Retryable reports whether the status is a rate limit or server error
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies an error from Call or Response.Err. Rate limits,
// server errors and transport failures are retryable; other 4xx and
// malformed requests are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return apperrors.IsType(err, apperrors.ErrTypeTransient)
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body string) string {
	if len(body) <= maxErrorBody {
		return body
	}
	return body[:maxErrorBody]
}
