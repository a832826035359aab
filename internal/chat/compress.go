package chat

import (
	"context"
	"fmt"

	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/telemetry"
)

// CompressionStatus reports the outcome of a compression attempt.
type CompressionStatus string

const (
	// CompressionNoop means nothing happened: the history was below the
	// threshold, a previous attempt already failed, or there was nothing
	// to compress.
	CompressionNoop CompressionStatus = "noop"
	// CompressionCompressed means the history was replaced by a summary
	// plus the preserved tail.
	CompressionCompressed CompressionStatus = "compressed"
	// CompressionFailedTokenCountError means counting the compressed
	// history failed; the original history is kept.
	CompressionFailedTokenCountError CompressionStatus = "failed_token_count_error"
	// CompressionFailedInflatedTokenCount means the summary came out
	// larger than the original; the original history is kept.
	CompressionFailedInflatedTokenCount CompressionStatus = "failed_inflated_token_count"
)

// CompressionInfo carries before/after token counts for UI display.
type CompressionInfo struct {
	OriginalTokenCount int
	NewTokenCount      int
	Status             CompressionStatus
}

const (
	// compressionTokenThreshold is the default fraction of the model's
	// token limit at which compression triggers.
	compressionTokenThreshold = 0.7
	// compressionPreserveFraction is the trailing fraction of the
	// history (by serialized length) kept verbatim.
	compressionPreserveFraction = 0.3
)

const compressionSystemPrompt = `You are a conversation state summarizer. The user will give you the transcript of a session between a developer and a coding assistant. Produce a dense snapshot that lets the assistant continue seamlessly.

Write the snapshot inside <state_snapshot> tags with these sections:
  <overall_goal>: the user's high-level objective, one sentence.
  <key_knowledge>: facts, constraints and decisions established so far.
  <file_system_state>: files read, created or modified, with their relevant state.
  <recent_actions>: the last few significant actions and their outcomes.
  <current_plan>: the agreed plan, marking done steps with [DONE].

Be factual. Omit conversational filler. Do not invent information that is not in the transcript.`

const compressionAckText = "Got it. Thanks for the additional context!"

// TryCompress summarizes the older portion of the session history when
// it approaches the model's context window. With force set, it runs
// regardless of the threshold. The original history is restored on any
// failure, and a non-forced failure disables further automatic attempts
// for this session.
func (o *Orchestrator) TryCompress(ctx context.Context, promptID string, force bool) (CompressionInfo, error) {
	info := CompressionInfo{Status: CompressionNoop}

	if o.session.isCompressionFailed() && !force {
		return info, nil
	}

	curated := o.session.History(true)
	if len(curated) == 0 {
		return info, nil
	}

	model := o.model
	originalCount, err := o.generator.CountTokens(ctx, llm.Request{Model: model, Contents: curated})
	if err != nil {
		if !force {
			o.session.setCompressionFailed()
		}
		info.Status = CompressionFailedTokenCountError
		o.logCompression(promptID, info)
		return info, fmt.Errorf("failed to count tokens: %w", err)
	}
	info.OriginalTokenCount = originalCount

	limit := llm.TokenLimitForModel(model)
	if !force && float64(originalCount) < o.compressionRatio*float64(limit) {
		info.NewTokenCount = originalCount
		return info, nil
	}

	splitIndex := findIndexAfterFraction(curated, 1-compressionPreserveFraction)
	// The split must land on a conversation boundary: never inside a
	// model turn and never between a tool call and its response.
	for splitIndex < len(curated) && (curated[splitIndex].Role == llm.RoleModel || hasFunctionResponse(curated[splitIndex])) {
		splitIndex++
	}
	if splitIndex <= 0 || splitIndex >= len(curated) {
		// Nothing sensible to summarize.
		info.NewTokenCount = originalCount
		return info, nil
	}

	toCompress := curated[:splitIndex]
	toKeep := curated[splitIndex:]

	summaryReq := llm.Request{
		Model:             model,
		SystemInstruction: compressionSystemPrompt,
		Contents: append(cloneContents(toCompress), llm.UserText(
			"First, reason in your scratchpad. Then, generate the <state_snapshot>.")),
		// The summary must come out smaller than what it replaces.
		MaxOutputTokens: originalCount,
	}
	resp, err := o.generator.GenerateContent(ctx, summaryReq, promptID)
	if err != nil {
		return info, fmt.Errorf("failed to generate summary: %w", err)
	}
	summary := resp.Text()
	if summary == "" {
		if !force {
			o.session.setCompressionFailed()
		}
		info.Status = CompressionFailedTokenCountError
		o.logCompression(promptID, info)
		return info, fmt.Errorf("summary response was empty")
	}

	compressed := make([]llm.Content, 0, len(toKeep)+4)
	compressed = append(compressed, o.environmentContents()...)
	compressed = append(compressed, llm.UserText(summary))
	compressed = append(compressed, llm.ModelText(compressionAckText))
	compressed = append(compressed, toKeep...)

	newCount, err := o.generator.CountTokens(ctx, llm.Request{Model: model, Contents: compressed})
	if err != nil {
		if !force {
			o.session.setCompressionFailed()
		}
		info.Status = CompressionFailedTokenCountError
		o.logCompression(promptID, info)
		return info, nil
	}
	info.NewTokenCount = newCount

	if newCount >= originalCount {
		if !force {
			o.session.setCompressionFailed()
		}
		info.Status = CompressionFailedInflatedTokenCount
		o.logCompression(promptID, info)
		return info, nil
	}

	o.session.replaceHistory(compressed)
	info.Status = CompressionCompressed
	o.logCompression(promptID, info)
	return info, nil
}

func (o *Orchestrator) logCompression(promptID string, info CompressionInfo) {
	o.logger.Log(telemetry.Event{
		Type:     telemetry.EventChatCompression,
		PromptID: promptID,
		Model:    o.model,
		Attributes: map[string]any{
			"status":               string(info.Status),
			"original_token_count": info.OriginalTokenCount,
			"new_token_count":      info.NewTokenCount,
		},
	})
}

// findIndexAfterFraction returns the first content index after fraction
// of the history, measured by serialized character length. Character
// length is a cheap stand-in for per-content token counts; only the
// final totals are measured in tokens.
func findIndexAfterFraction(history []llm.Content, fraction float64) int {
	if fraction <= 0 || fraction >= 1 {
		return len(history)
	}
	lengths := make([]int, len(history))
	total := 0
	for i, c := range history {
		lengths[i] = llm.SerializedContentLength(c)
		total += lengths[i]
	}
	target := int(float64(total) * fraction)
	running := 0
	for i, l := range lengths {
		if running >= target {
			return i
		}
		running += l
	}
	return len(history)
}

func hasFunctionResponse(c llm.Content) bool {
	for _, part := range c.Parts {
		if part.Type == llm.PartFunctionResponse {
			return true
		}
	}
	return false
}
