// Package chat implements the stateful conversation loop: history
// ownership, context compression and the turn orchestrator that drives
// tool-call round trips.
package chat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/relaykit/relay/internal/llm"
)

// Session owns the conversation history for one chat. It keeps the
// comprehensive record of everything that happened; the curated view
// sent to providers drops invalid model turns and repairs dangling
// tool-call pairs.
type Session struct {
	mu      sync.Mutex
	history []llm.Content

	// compressionFailed is sticky: once compression fails the session
	// never attempts it again.
	compressionFailed bool
}

func NewSession(initial []llm.Content) *Session {
	s := &Session{}
	s.history = cloneContents(initial)
	return s
}

// History returns a copy of the conversation. When curated is true,
// invalid model turns are dropped together with the user turn that
// provoked them, and tool call/response pairing is enforced.
func (s *Session) History(curated bool) []llm.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	if curated {
		return sanitizeToolPairs(curatedHistory(s.history))
	}
	return cloneContents(s.history)
}

// AddHistory appends a single content to the comprehensive history.
func (s *Session) AddHistory(c llm.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, cloneContent(c))
}

// RecordTurn appends the user input and the model's outputs for one
// turn. Adjacent model contents are merged so the history stays in
// strict user/model alternation where possible. An all-invalid model
// answer is recorded as an empty model turn to keep the pairing intact.
func (s *Session) RecordTurn(userInput llm.Content, modelOutput []llm.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, cloneContent(userInput))
	merged := mergeModelContents(modelOutput)
	if len(merged) == 0 {
		s.history = append(s.history, llm.Content{Role: llm.RoleModel})
		return
	}
	s.history = append(s.history, cloneContents(merged)...)
}

// SetHistory replaces the conversation. Thought signatures are stripped:
// they are provider-specific and must not leak into a session that may
// continue on a different backend.
func (s *Session) SetHistory(history []llm.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := cloneContents(history)
	for i := range cloned {
		for j := range cloned[i].Parts {
			cloned[i].Parts[j].ThoughtSignature = nil
		}
	}
	s.history = cloned
	s.compressionFailed = false
}

func (s *Session) setCompressionFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressionFailed = true
}

func (s *Session) isCompressionFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressionFailed
}

// replaceHistory swaps in a compressed history. Internal, called with
// freshly built contents only.
func (s *Session) replaceHistory(history []llm.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
}

// curatedHistory drops invalid model turns along with the user turn
// that provoked them. A model content is valid when it has at least one
// part and no completely empty text part.
func curatedHistory(history []llm.Content) []llm.Content {
	var out []llm.Content
	i := 0
	for i < len(history) {
		if history[i].Role == llm.RoleUser {
			userContent := history[i]
			i++
			// Collect the model run answering this user turn.
			var modelRun []llm.Content
			valid := true
			for i < len(history) && history[i].Role == llm.RoleModel {
				modelRun = append(modelRun, history[i])
				if !isValidModelContent(history[i]) {
					valid = false
				}
				i++
			}
			if len(modelRun) == 0 {
				// Trailing user turn awaiting an answer stays.
				out = append(out, userContent)
				continue
			}
			if valid {
				out = append(out, userContent)
				out = append(out, modelRun...)
			}
			continue
		}
		// Model content without a preceding user turn.
		if isValidModelContent(history[i]) {
			out = append(out, history[i])
		}
		i++
	}
	return cloneContents(out)
}

func isValidModelContent(c llm.Content) bool {
	if len(c.Parts) == 0 {
		return false
	}
	for _, part := range c.Parts {
		if part.Type == llm.PartText && !part.Thought && part.Text == "" {
			return false
		}
	}
	return true
}

// sanitizeToolPairs removes orphan function responses and converts
// dangling function calls to text so providers that enforce strict
// pairing do not reject the request.
func sanitizeToolPairs(history []llm.Content) []llm.Content {
	type callRef struct {
		contentIndex int
		partIndex    int
	}

	pendingCalls := make(map[string][]callRef)
	matched := make(map[int]map[int]bool)
	sanitized := make([]llm.Content, 0, len(history))

	for _, c := range history {
		keep := llm.Content{Role: c.Role}
		contentIndex := len(sanitized)
		for _, part := range c.Parts {
			switch part.Type {
			case llm.PartFunctionCall:
				if part.FunctionCall == nil || strings.TrimSpace(part.FunctionCall.ID) == "" {
					// Calls without an ID cannot be paired; keep them as-is and
					// let the provider decide.
					keep.Parts = append(keep.Parts, part)
					continue
				}
				id := strings.TrimSpace(part.FunctionCall.ID)
				partIndex := len(keep.Parts)
				keep.Parts = append(keep.Parts, part)
				pendingCalls[id] = append(pendingCalls[id], callRef{contentIndex, partIndex})
			case llm.PartFunctionResponse:
				if part.FunctionResponse == nil {
					continue
				}
				id := strings.TrimSpace(part.FunctionResponse.ID)
				refs := pendingCalls[id]
				if id == "" || len(refs) == 0 {
					// Orphan response, drop it.
					continue
				}
				ref := refs[0]
				if len(refs) == 1 {
					delete(pendingCalls, id)
				} else {
					pendingCalls[id] = refs[1:]
				}
				if matched[ref.contentIndex] == nil {
					matched[ref.contentIndex] = make(map[int]bool)
				}
				matched[ref.contentIndex][ref.partIndex] = true
				keep.Parts = append(keep.Parts, part)
			default:
				keep.Parts = append(keep.Parts, part)
			}
		}
		if len(keep.Parts) > 0 {
			sanitized = append(sanitized, keep)
		}
	}

	// Second pass: dangling calls become text notes so the model still
	// sees what it attempted.
	out := make([]llm.Content, 0, len(sanitized))
	for contentIndex, c := range sanitized {
		parts := make([]llm.Part, 0, len(c.Parts))
		for partIndex, part := range c.Parts {
			if part.Type == llm.PartFunctionCall && part.FunctionCall != nil && strings.TrimSpace(part.FunctionCall.ID) != "" {
				if matched[contentIndex] == nil || !matched[contentIndex][partIndex] {
					text := fmt.Sprintf("[tool call interrupted - id:%s name:%s args:%s]",
						part.FunctionCall.ID, part.FunctionCall.Name, string(part.FunctionCall.Args))
					parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
					continue
				}
			}
			parts = append(parts, part)
		}
		if len(parts) > 0 {
			out = append(out, llm.Content{Role: c.Role, Parts: parts})
		}
	}
	return out
}

// mergeModelContents joins adjacent model contents into one.
func mergeModelContents(contents []llm.Content) []llm.Content {
	var out []llm.Content
	for _, c := range contents {
		if len(out) > 0 && out[len(out)-1].Role == llm.RoleModel && c.Role == llm.RoleModel {
			out[len(out)-1].Parts = append(out[len(out)-1].Parts, c.Parts...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func cloneContents(contents []llm.Content) []llm.Content {
	out := make([]llm.Content, 0, len(contents))
	for _, c := range contents {
		out = append(out, cloneContent(c))
	}
	return out
}

func cloneContent(c llm.Content) llm.Content {
	cloned := llm.Content{Role: c.Role, Parts: make([]llm.Part, 0, len(c.Parts))}
	for _, part := range c.Parts {
		p := part
		if len(part.ThoughtSignature) > 0 {
			p.ThoughtSignature = append([]byte(nil), part.ThoughtSignature...)
		}
		if part.FunctionCall != nil {
			call := *part.FunctionCall
			if len(call.Args) > 0 {
				call.Args = append([]byte(nil), call.Args...)
			}
			p.FunctionCall = &call
		}
		if part.FunctionResponse != nil {
			resp := *part.FunctionResponse
			if len(resp.Response) > 0 {
				resp.Response = append([]byte(nil), resp.Response...)
			}
			p.FunctionResponse = &resp
		}
		cloned.Parts = append(cloned.Parts, p)
	}
	return cloned
}
