package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Consecutive429Threshold is how many 429s in a row trigger the
	// fallback handler. Zero disables fallback.
	Consecutive429Threshold int
}

// DefaultRetryConfig returns sensible defaults for rate limit retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:             5,
		BaseBackoff:             1 * time.Second,
		MaxBackoff:              30 * time.Second,
		Consecutive429Threshold: 2,
	}
}

// FallbackHandler is consulted when a generator keeps hitting rate limits.
// It may return a different model to continue with; returning ok=false
// leaves the request on its current model.
type FallbackHandler func(currentModel string, err error) (model string, ok bool)

// RetryGenerator wraps a generator with automatic retry on transient
// errors. All attempts of one logical request share the same prompt ID.
type RetryGenerator struct {
	inner    ContentGenerator
	config   RetryConfig
	fallback FallbackHandler
}

// WrapWithRetry wraps a generator with retry logic.
func WrapWithRetry(g ContentGenerator, config RetryConfig, fallback FallbackHandler) ContentGenerator {
	return &RetryGenerator{inner: g, config: config, fallback: fallback}
}

func (r *RetryGenerator) Name() string       { return r.inner.Name() }
func (r *RetryGenerator) Kind() ProviderKind { return r.inner.Kind() }
func (r *RetryGenerator) AuthType() AuthType { return r.inner.AuthType() }

// Unwrap exposes the inner generator for callers that need provider
// specifics.
func (r *RetryGenerator) Unwrap() ContentGenerator { return r.inner }

func (r *RetryGenerator) GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error) {
	var lastErr error
	consecutive429 := 0

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		resp, err := r.inner.GenerateContent(ctx, req, promptID)
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		if model, switched := r.track429(err, &consecutive429, req.Model); switched {
			req.Model = model
			attempt = 0
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.calculateBackoff(attempt, lastErr)):
		}
	}

	return nil, lastErr
}

func (r *RetryGenerator) GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		var lastErr error
		consecutive429 := 0

		for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
			stream, err := r.inner.GenerateContentStream(ctx, req, promptID)
			if err != nil {
				if !IsRetryable(err) {
					return err
				}
				lastErr = err
			} else {
				err = r.forwardEvents(ctx, stream, events)
				if err == nil {
					return nil
				}
				if !IsRetryable(err) {
					return err
				}
				lastErr = err
			}

			if model, switched := r.track429(lastErr, &consecutive429, req.Model); switched {
				req.Model = model
				attempt = 0
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= r.config.MaxAttempts {
				break
			}

			wait := r.calculateBackoff(attempt, lastErr)

			// Emit retry event so UI can show progress
			events <- Event{
				Type:             EventRetry,
				RetryAttempt:     attempt,
				RetryMaxAttempts: r.config.MaxAttempts,
				RetryWaitSecs:    wait.Seconds(),
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		return lastErr
	}), nil
}

func (r *RetryGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	return r.inner.CountTokens(ctx, req)
}

func (r *RetryGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	return r.inner.EmbedContent(ctx, req)
}

// track429 counts consecutive rate-limit errors and, once the threshold
// is crossed, asks the fallback handler for an alternate model. A switch
// resets both the 429 run and the attempt counter; any non-429 error
// resets the run.
func (r *RetryGenerator) track429(err error, consecutive429 *int, currentModel string) (string, bool) {
	if StatusCode(err) != 429 && Classify(err) != ClassRateLimit {
		*consecutive429 = 0
		return "", false
	}
	*consecutive429++
	if r.fallback == nil || r.config.Consecutive429Threshold <= 0 || *consecutive429 < r.config.Consecutive429Threshold {
		return "", false
	}
	model, ok := r.fallback(currentModel, err)
	if !ok || model == "" || model == currentModel {
		return "", false
	}
	*consecutive429 = 0
	return model, true
}

// forwardEvents reads events from the inner stream and forwards them.
// Returns a retryable error if the stream fails with a transient error.
func (r *RetryGenerator) forwardEvents(ctx context.Context, stream Stream, events chan<- Event) error {
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Errors surfaced mid-stream (e.g. a 429 during streaming) are
		// candidates for a whole-request retry.
		if event.Type == EventError && event.Err != nil {
			return event.Err
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryAfterRegex matches Retry-After values in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// calculateBackoff computes the wait duration for a retry attempt.
func (r *RetryGenerator) calculateBackoff(attempt int, err error) time.Duration {
	// Explicit RetryAfter from the provider wins over exponential backoff.
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		wait := rle.RetryAfter
		if wait > r.config.MaxBackoff {
			wait = r.config.MaxBackoff
		}
		return wait
	}

	// Try to parse Retry-After from the error message
	if err != nil {
		if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
			if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
				wait := time.Duration(secs) * time.Second
				if wait > r.config.MaxBackoff {
					wait = r.config.MaxBackoff
				}
				return wait
			}
		}
	}

	// Exponential backoff: base * 2^(attempt-1)
	backoff := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))

	// Add jitter: +/- 25%
	jitter := (rand.Float64() - 0.5) * 0.5 * backoff
	backoff += jitter

	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}

	return time.Duration(backoff)
}
