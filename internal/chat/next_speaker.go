package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/telemetry"
)

// Speaker identifies who should produce the next turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

const nextSpeakerPrompt = `Analyze *only* the content and structure of your immediately preceding response (your last turn in the conversation history). Based *strictly* on that response, determine who should logically speak next: the 'user' or the 'model' (you).

Decision rules (apply in order):
1. If you stated an immediate next action you intend to take (e.g. "Next, I will...", "Now I'll process..."), then the 'model' should speak next.
2. If you asked the user a direct question that requires an answer, then the 'user' should speak next.
3. Otherwise the task is complete or awaiting input, and the 'user' should speak next.

Respond with JSON only: {"reasoning": "<one sentence>", "next_speaker": "user" | "model"}`

type nextSpeakerResponse struct {
	Reasoning   string `json:"reasoning"`
	NextSpeaker string `json:"next_speaker"`
}

// checkNextSpeaker decides whether the model should continue unprompted
// after a turn that produced no tool calls. Cheap structural checks run
// first; only genuinely ambiguous turns cost a model call. Any failure
// resolves to the user speaking next.
func (o *Orchestrator) checkNextSpeaker(ctx context.Context, promptID string) Speaker {
	curated := o.session.History(true)
	if len(curated) == 0 {
		return SpeakerUser
	}
	last := curated[len(curated)-1]
	if last.Role != llm.RoleModel {
		return SpeakerUser
	}

	// A turn that ended in a function call is continued by the tool
	// round trip, not here.
	for _, part := range last.Parts {
		if part.Type == llm.PartFunctionCall {
			return SpeakerModel
		}
	}
	// An empty model turn means the model stopped without saying
	// anything; prod it to continue.
	if len(last.Parts) == 0 {
		return SpeakerModel
	}

	req := llm.Request{
		Model:    o.model,
		Contents: append(curated, llm.UserText(nextSpeakerPrompt)),
	}
	resp, err := o.generator.GenerateContent(ctx, req, promptID)
	if err != nil {
		return SpeakerUser
	}

	parsed, ok := parseNextSpeaker(resp.Text())
	if !ok {
		return SpeakerUser
	}

	o.logger.Log(telemetry.Event{
		Type:     telemetry.EventNextSpeaker,
		PromptID: promptID,
		Model:    o.model,
		Attributes: map[string]any{
			"next_speaker": parsed.NextSpeaker,
			"reasoning":    parsed.Reasoning,
		},
	})

	if parsed.NextSpeaker == string(SpeakerModel) {
		return SpeakerModel
	}
	return SpeakerUser
}

// parseNextSpeaker extracts the JSON decision, tolerating markdown code
// fences around it.
func parseNextSpeaker(text string) (nextSpeakerResponse, bool) {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var parsed nextSpeakerResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nextSpeakerResponse{}, false
	}
	if parsed.NextSpeaker != string(SpeakerUser) && parsed.NextSpeaker != string(SpeakerModel) {
		return nextSpeakerResponse{}, false
	}
	return parsed, true
}
