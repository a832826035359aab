// Package telemetry records structured operational events as JSONL,
// one object per line, append-only. The files are compatible with the
// usage loaders that aggregate per-day token spend.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types emitted by the generation and chat layers.
const (
	EventAPIRequest      = "api_request"
	EventAPIResponse     = "api_response"
	EventAPIError        = "api_error"
	EventChatCompression = "chat_compression"
	EventLoopDetected    = "loop_detected"
	EventNextSpeaker     = "next_speaker"
	EventSessionEnd      = "session_end"
)

// TokenUsage mirrors the canonical usage breakdown for log records.
type TokenUsage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThoughtsTokens int `json:"thoughts_tokens,omitempty"`
	CachedTokens   int `json:"cached_tokens,omitempty"`
	TotalTokens    int `json:"total_tokens"`
}

// Event is a single telemetry record.
type Event struct {
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	PromptID   string         `json:"prompt_id,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	Usage      *TokenUsage    `json:"usage,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Logger accepts telemetry events. Implementations must be safe for
// concurrent use.
type Logger interface {
	Log(event Event)
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(Event) {}

// FileLogger appends events to a JSONL file.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileLogger opens (creating if needed) the JSONL file at path.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileLogger{file: file, enc: json.NewEncoder(file)}, nil
}

func (l *FileLogger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Encode errors are swallowed: telemetry never breaks a session.
	_ = l.enc.Encode(event)
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// DefaultPath returns the standard telemetry file location under the
// user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relay", "telemetry.jsonl"), nil
}
