package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/relaykit/relay/internal/llm"
)

// Status is the lifecycle state of a saved session.
type Status string

const (
	StatusActive      Status = "active"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Record is a saved session's metadata row.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Summary   string    `json:"summary,omitempty"` // first user message, truncated
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Agent     string    `json:"agent,omitempty"`
	CWD       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status,omitempty"`

	UserTurns    int `json:"user_turns,omitempty"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// StoredContent is one conversation turn as persisted. Parts keeps the
// full canonical part array so tool calls and responses round-trip
// exactly; TextContent is the extracted text used for display and
// full-text search.
type StoredContent struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	Role        llm.Role   `json:"role"`
	Parts       []llm.Part `json:"parts"`
	TextContent string     `json:"text_content"`
	CreatedAt   time.Time  `json:"created_at"`
	Sequence    int        `json:"sequence"`
}

// Summary is a lightweight listing view.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	UserTurns    int       `json:"user_turns,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Status       Status    `json:"status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions filters session listings.
type ListOptions struct {
	Provider string
	Model    string
	Status   Status
	Limit    int // 0 = default
	Offset   int
}

// SearchResult is one full-text search match.
type SearchResult struct {
	SessionID   string    `json:"session_id"`
	MessageID   int64     `json:"message_id"`
	SessionName string    `json:"session_name"`
	Summary     string    `json:"summary"`
	Snippet     string    `json:"snippet"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewStoredContent wraps one canonical content for persistence.
func NewStoredContent(sessionID string, c llm.Content, sequence int) *StoredContent {
	m := &StoredContent{
		SessionID: sessionID,
		Role:      c.Role,
		Parts:     c.Parts,
		CreatedAt: time.Now(),
		Sequence:  sequence,
	}
	m.TextContent = m.extractText()
	return m
}

// ToContent converts a stored turn back into canonical form.
func (m *StoredContent) ToContent() llm.Content {
	return llm.Content{Role: m.Role, Parts: m.Parts}
}

func (m *StoredContent) extractText() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == llm.PartText && !p.Thought && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (m *StoredContent) partsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *StoredContent) setPartsJSON(data string) error {
	if data == "" {
		m.Parts = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Parts)
}

// TruncateSummary returns the first line of content, capped at 100
// characters, for use as a session summary.
func TruncateSummary(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
