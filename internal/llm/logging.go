package llm

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/telemetry"
)

// LoggingGenerator wraps a generator and records request, response and
// error telemetry for every call. Streaming responses are buffered so a
// single response record carries the final text length and usage.
type LoggingGenerator struct {
	inner     ContentGenerator
	logger    telemetry.Logger
	sessionID string
}

// WrapWithLogging decorates a generator with telemetry recording.
func WrapWithLogging(g ContentGenerator, logger telemetry.Logger, sessionID string) ContentGenerator {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return &LoggingGenerator{inner: g, logger: logger, sessionID: sessionID}
}

func (l *LoggingGenerator) Name() string       { return l.inner.Name() }
func (l *LoggingGenerator) Kind() ProviderKind { return l.inner.Kind() }
func (l *LoggingGenerator) AuthType() AuthType { return l.inner.AuthType() }

func (l *LoggingGenerator) Unwrap() ContentGenerator { return l.inner }

// ensurePromptID guarantees a stable ID for correlating the request,
// response and error records of one logical call.
func ensurePromptID(promptID string) string {
	if promptID != "" {
		return promptID
	}
	return uuid.NewString()
}

func (l *LoggingGenerator) logRequest(req Request, promptID string) {
	l.logger.Log(telemetry.Event{
		Type:      telemetry.EventAPIRequest,
		SessionID: l.sessionID,
		PromptID:  promptID,
		Provider:  string(l.inner.Kind()),
		Model:     chooseModel(req.Model, ""),
		Attributes: map[string]any{
			"contents": len(req.Contents),
			"tools":    len(req.Tools),
		},
	})
}

func (l *LoggingGenerator) logResponse(promptID, model string, start time.Time, usage *Usage, textLen int) {
	event := telemetry.Event{
		Type:       telemetry.EventAPIResponse,
		SessionID:  l.sessionID,
		PromptID:   promptID,
		Provider:   string(l.inner.Kind()),
		Model:      model,
		DurationMS: time.Since(start).Milliseconds(),
		Attributes: map[string]any{"text_length": textLen},
	}
	if usage != nil {
		event.Usage = &telemetry.TokenUsage{
			InputTokens:    usage.PromptTokens,
			OutputTokens:   usage.CandidatesTokens,
			ThoughtsTokens: usage.ThoughtsTokens,
			CachedTokens:   usage.CachedTokens,
			TotalTokens:    usage.TotalTokens,
		}
	}
	l.logger.Log(event)
}

func (l *LoggingGenerator) logError(promptID string, start time.Time, err error) {
	l.logger.Log(telemetry.Event{
		Type:       telemetry.EventAPIError,
		SessionID:  l.sessionID,
		PromptID:   promptID,
		Provider:   string(l.inner.Kind()),
		DurationMS: time.Since(start).Milliseconds(),
		StatusCode: StatusCode(err),
		Error:      err.Error(),
		Attributes: map[string]any{"class": string(Classify(err))},
	})
}

func (l *LoggingGenerator) GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error) {
	promptID = ensurePromptID(promptID)
	start := time.Now()
	l.logRequest(req, promptID)

	resp, err := l.inner.GenerateContent(ctx, req, promptID)
	if err != nil {
		l.logError(promptID, start, err)
		return nil, err
	}
	l.logResponse(promptID, resp.Model, start, resp.Usage, len(resp.Text()))
	return resp, nil
}

func (l *LoggingGenerator) GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	promptID = ensurePromptID(promptID)
	start := time.Now()
	l.logRequest(req, promptID)

	inner, err := l.inner.GenerateContentStream(ctx, req, promptID)
	if err != nil {
		l.logError(promptID, start, err)
		return nil, err
	}

	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer inner.Close()

		var usage *Usage
		textLen := 0
		for {
			event, err := inner.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				l.logError(promptID, start, err)
				return err
			}
			switch event.Type {
			case EventContent:
				if !event.Thought {
					textLen += len(event.Text)
				}
			case EventUsage:
				usage = event.Usage
			case EventError:
				if event.Err != nil {
					l.logError(promptID, start, event.Err)
				}
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		l.logResponse(promptID, req.Model, start, usage, textLen)
		return nil
	}), nil
}

func (l *LoggingGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	return l.inner.CountTokens(ctx, req)
}

func (l *LoggingGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	return l.inner.EmbedContent(ctx, req)
}
