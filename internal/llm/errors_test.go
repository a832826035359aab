package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassUnknown},
		{"rate limit typed", &RateLimitError{Provider: "p"}, ClassRateLimit},
		{"malformed typed", &MalformedResponseError{Provider: "p", Cause: errors.New("bad json")}, ClassMalformed},
		{"unsupported", fmt.Errorf("ollama: %w", ErrUnsupportedOperation), ClassUnsupported},
		{"401 status", &APIError{Status: 401}, ClassAuth},
		{"403 status", &APIError{Status: 403}, ClassAuth},
		{"429 status", &APIError{Status: 429, Body: "too many requests"}, ClassRateLimit},
		{"429 quota body", &APIError{Status: 429, Body: "quota exceeded for project"}, ClassQuota},
		{"500 status", &APIError{Status: 500}, ClassTransient},
		{"404 status", &APIError{Status: 404}, ClassUnknown},
		{"cancelled", context.Canceled, ClassUnknown},
		{"string 429", errors.New("got 429 from upstream"), ClassRateLimit},
		{"string overloaded", errors.New("server overloaded"), ClassRateLimit},
		{"string quota", errors.New("monthly quota used up"), ClassQuota},
		{"string unauthorized", errors.New("unauthorized"), ClassAuth},
		{"string timeout", errors.New("dial tcp: i/o timeout"), ClassTransient},
		{"string connection refused", errors.New("connection refused"), ClassTransient},
		{"plain", errors.New("something odd"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil must not be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation must not be retried")
	}
	if IsRetryable(&APIError{Status: 401}) {
		t.Error("auth failures must not be retried")
	}
	if !IsRetryable(&APIError{Status: 503, Body: "service unavailable"}) {
		t.Error("5xx should be retried")
	}
	if !IsRetryable(&APIError{Status: 429, Body: "slow down"}) {
		t.Error("rate limits should be retried")
	}
}

func TestStatusCode(t *testing.T) {
	if got := StatusCode(&APIError{Status: 429}); got != 429 {
		t.Errorf("got %d", got)
	}
	if got := StatusCode(errors.New("upstream returned status 503 for request")); got != 503 {
		t.Errorf("got %d", got)
	}
	if got := StatusCode(errors.New("nothing useful")); got != 0 {
		t.Errorf("got %d", got)
	}
}

func TestRateLimitErrorLongWait(t *testing.T) {
	if (&RateLimitError{RetryAfter: time.Minute}).IsLongWait() {
		t.Error("one minute is not a long wait")
	}
	if !(&RateLimitError{RetryAfter: 3 * time.Minute}).IsLongWait() {
		t.Error("three minutes is a long wait")
	}
}
