package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedOperation is returned for capabilities a backend does not
// offer (e.g. embeddings on a chat-only provider). It is terminal, never a
// retry condition.
var ErrUnsupportedOperation = errors.New("operation not supported by this provider")

// ErrorClass buckets provider errors for retry and fallback decisions.
type ErrorClass string

const (
	ClassAuth        ErrorClass = "auth"
	ClassRateLimit   ErrorClass = "rate_limit"
	ClassQuota       ErrorClass = "quota"
	ClassTransient   ErrorClass = "transient"
	ClassMalformed   ErrorClass = "malformed"
	ClassUnsupported ErrorClass = "unsupported"
	ClassUnknown     ErrorClass = "unknown"
)

// APIError wraps a provider HTTP failure with its status and body so the
// classifier and telemetry can inspect them.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

// RateLimitError carries an explicit server-provided wait.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited (retry after %s): %s", e.Provider, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

// IsLongWait reports whether the server asked for a wait too long to sit
// through inside one call.
func (e *RateLimitError) IsLongWait() bool {
	return e.RetryAfter > 2*time.Minute
}

// MalformedResponseError marks an unparseable provider payload. Fatal for
// non-streaming calls; individual malformed SSE lines are dropped instead.
type MalformedResponseError struct {
	Provider string
	Cause    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned a malformed response: %v", e.Provider, e.Cause)
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }

// Classify assigns an error class. String matching is the fallback for
// errors that lost their type crossing an SDK boundary.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return ClassRateLimit
	}
	var mre *MalformedResponseError
	if errors.As(err, &mre) {
		return ClassMalformed
	}
	if errors.Is(err, ErrUnsupportedOperation) {
		return ClassUnsupported
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401 || apiErr.Status == 403:
			return ClassAuth
		case apiErr.Status == 429:
			if strings.Contains(strings.ToLower(apiErr.Body), "quota") {
				return ClassQuota
			}
			return ClassRateLimit
		case apiErr.Status >= 500:
			return ClassTransient
		}
		return ClassUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassUnknown
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "permission denied"):
		return ClassAuth
	case strings.Contains(errStr, "quota"):
		return ClassQuota
	case strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "overloaded"):
		return ClassRateLimit
	case strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host"):
		return ClassTransient
	}
	return ClassUnknown
}

// IsRetryable reports whether the error is worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return !rle.IsLongWait()
	}
	switch Classify(err) {
	case ClassRateLimit, ClassQuota, ClassTransient:
		return true
	}
	return false
}

// StatusCode extracts an HTTP-status-like code for telemetry, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	errStr := err.Error()
	for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 504} {
		if strings.Contains(errStr, fmt.Sprintf("status %d", code)) ||
			strings.Contains(errStr, fmt.Sprintf(" %d ", code)) {
			return code
		}
	}
	return 0
}
