package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/telemetry"
	"github.com/relaykit/relay/internal/tools"
)

// maxTurnsPerPrompt bounds the tool-call round trips a single user
// prompt may trigger, regardless of configuration.
const maxTurnsPerPrompt = 100

const continuePromptText = "Please continue."

// DelegationToolName is the registry name of the sub-agent dispatch
// tool. Agent hints are only injected when it is registered.
const DelegationToolName = "delegate_to_agent"

var (
	// ErrMaxSessionTurns means the configured session turn budget is
	// spent. No model call is made once this fires.
	ErrMaxSessionTurns = errors.New("maximum session turns exceeded, start a new session")
	// ErrSessionTokenLimit means the session history exceeds the
	// configured token budget even after compression.
	ErrSessionTokenLimit = errors.New("session token limit exceeded")
	// ErrLoopDetected means the model is repeating itself and the turn
	// was cut short.
	ErrLoopDetected = errors.New("loop detected: the model is repeating itself")
)

// Orchestrator drives one user prompt through possibly many model and
// tool round trips: it streams the model's answer, executes requested
// tools, feeds results back, and decides when the conversation settles.
// Calls against the same session must be serialized by the caller.
type Orchestrator struct {
	generator llm.ContentGenerator
	session   *Session
	tools     *tools.Registry
	logger    telemetry.Logger

	model             string
	systemInstruction string
	temperature       float32
	topP              float32
	maxOutputTokens   int

	maxSessionTurns   int
	sessionTokenLimit int
	sessionTurnCount  int
	compressionRatio  float64

	environment func() llm.Content

	skipLoopDetection bool
	skipNextSpeaker   bool
	loopDetector      *LoopDetector
	lastPromptID      string

	ideContext         IDEContextProvider
	lastSentIDEContext *IDEContext

	// agentNames lists custom sub-agents available for delegation, or
	// nil when none are registered.
	agentNames func() []string
}

// OrchestratorConfig carries the resolved settings the orchestrator
// consumes. Zero values mean "unlimited" for the budgets and "default"
// for the sampling parameters.
type OrchestratorConfig struct {
	Model             string
	SystemInstruction string
	Temperature       float32
	TopP              float32
	MaxOutputTokens   int

	MaxSessionTurns   int
	SessionTokenLimit int

	// CompressionRatio is the fraction of the model's token limit at
	// which compression triggers. Zero means the default.
	CompressionRatio float64

	SkipLoopDetection bool
	SkipNextSpeaker   bool

	IDEContext IDEContextProvider
	AgentNames func() []string

	// Environment overrides the default environment preamble builder.
	Environment func() llm.Content
}

func NewOrchestrator(generator llm.ContentGenerator, session *Session, registry *tools.Registry, logger telemetry.Logger, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	ratio := cfg.CompressionRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = compressionTokenThreshold
	}
	environment := cfg.Environment
	if environment == nil {
		environment = defaultEnvironment
	}
	return &Orchestrator{
		generator:         generator,
		session:           session,
		tools:             registry,
		logger:            logger,
		model:             cfg.Model,
		systemInstruction: cfg.SystemInstruction,
		temperature:       cfg.Temperature,
		topP:              cfg.TopP,
		maxOutputTokens:   cfg.MaxOutputTokens,
		maxSessionTurns:   cfg.MaxSessionTurns,
		sessionTokenLimit: cfg.SessionTokenLimit,
		compressionRatio:  ratio,
		environment:       environment,
		skipLoopDetection: cfg.SkipLoopDetection,
		skipNextSpeaker:   cfg.SkipNextSpeaker,
		loopDetector:      NewLoopDetector(),
		ideContext:        cfg.IDEContext,
		agentNames:        cfg.AgentNames,
	}
}

// Session returns the conversation this orchestrator drives.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Model returns the currently active model.
func (o *Orchestrator) Model() string {
	return o.model
}

// SetModel switches the active model. When the switch happens while a
// prompt is in flight (a fallback after persistent rate limiting), the
// orchestrator notices and skips the continuation check rather than
// recursing on an unexpected model.
func (o *Orchestrator) SetModel(model string) {
	o.model = model
}

// SendMessageStream runs one user prompt to completion: it streams
// canonical events from the model, executes tool calls through the
// registry between iterations, and keeps going until the model stops
// asking for tools and the next-speaker check says the user is up. The
// returned stream yields every relayed event and ends with EventDone.
func (o *Orchestrator) SendMessageStream(ctx context.Context, text, promptID string) llm.Stream {
	if promptID == "" {
		promptID = uuid.NewString()
	}
	return llm.NewEventStream(ctx, func(ctx context.Context, events chan<- llm.Event) error {
		return o.run(ctx, text, promptID, events)
	})
}

func (o *Orchestrator) run(ctx context.Context, text, promptID string, events chan<- llm.Event) error {
	newPrompt := promptID != o.lastPromptID
	if newPrompt {
		o.loopDetector.Reset()
		o.lastPromptID = promptID
	}

	o.sessionTurnCount++
	if o.maxSessionTurns > 0 && o.sessionTurnCount > o.maxSessionTurns {
		o.logger.Log(telemetry.Event{
			Type:     telemetry.EventSessionEnd,
			PromptID: promptID,
			Model:    o.model,
			Attributes: map[string]any{
				"reason":             "max_session_turns",
				"session_turn_count": o.sessionTurnCount,
			},
		})
		events <- llm.Event{Type: llm.EventError, Err: ErrMaxSessionTurns}
		return nil
	}

	// Compression runs first so the token gate below sees the smallest
	// history we can offer. A failed attempt is not fatal to the turn.
	if _, err := o.TryCompress(ctx, promptID, false); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if o.sessionTokenLimit > 0 {
		count, err := o.generator.CountTokens(ctx, llm.Request{
			Model:             o.model,
			SystemInstruction: o.systemInstruction,
			Contents:          append(o.environmentContents(), o.session.History(true)...),
		})
		if err == nil && count > o.sessionTokenLimit {
			events <- llm.Event{Type: llm.EventError, Err: fmt.Errorf(
				"%w: %d tokens against a limit of %d; use /compress or start a new session",
				ErrSessionTokenLimit, count, o.sessionTokenLimit)}
			return nil
		}
	}

	current := o.buildUserContent(text, newPrompt)

	for turn := 0; turn < maxTurnsPerPrompt; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.skipLoopDetection && o.loopDetector.Looping() {
			o.logLoopDetected(promptID)
			events <- llm.Event{Type: llm.EventError, Err: ErrLoopDetected}
			return nil
		}

		req := llm.Request{
			Model:             o.model,
			Contents:          append(o.session.History(true), current),
			SystemInstruction: o.systemInstruction,
			Tools:             o.tools.Declarations(),
			Temperature:       o.temperature,
			TopP:              o.topP,
			MaxOutputTokens:   o.maxOutputTokens,
		}
		modelAtCallStart := o.model

		stream, err := o.generator.GenerateContentStream(ctx, req, promptID)
		if err != nil {
			return err
		}
		modelContent, calls, err := o.consumeTurn(stream, events, promptID)
		if err != nil {
			if errors.Is(err, ErrLoopDetected) {
				events <- llm.Event{Type: llm.EventError, Err: ErrLoopDetected}
				return nil
			}
			return err
		}

		o.session.RecordTurn(current, []llm.Content{modelContent})

		if len(calls) > 0 {
			current = o.executeToolCalls(ctx, calls)
			continue
		}

		// Settling. An aborted context or a model switched mid-call
		// (fallback) both mean: do not continue on our own.
		if ctx.Err() != nil || o.model != modelAtCallStart || o.skipNextSpeaker {
			break
		}
		if o.checkNextSpeaker(ctx, promptID) != SpeakerModel {
			break
		}
		current = llm.UserText(continuePromptText)
	}

	events <- llm.Event{Type: llm.EventDone}
	return nil
}

// consumeTurn drains one provider stream, relaying events upward and
// collecting the model's output. Tool calls are collected, not
// executed. An EventError ends the turn after relay; a detected loop
// surfaces as ErrLoopDetected.
func (o *Orchestrator) consumeTurn(stream llm.Stream, events chan<- llm.Event, promptID string) (llm.Content, []llm.FunctionCall, error) {
	defer stream.Close()

	var (
		textBuilder    strings.Builder
		thoughtBuilder strings.Builder
		thoughtSig     []byte
		calls          []llm.FunctionCall
	)

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return llm.Content{}, nil, err
		}

		switch event.Type {
		case llm.EventContent:
			events <- event
			if event.Thought {
				thoughtBuilder.WriteString(event.Text)
				if len(event.ThoughtSignature) > 0 {
					thoughtSig = event.ThoughtSignature
				}
			} else {
				textBuilder.WriteString(event.Text)
				if !o.skipLoopDetection && o.loopDetector.CheckContent(event.Text) {
					o.logLoopDetected(promptID)
					return llm.Content{}, nil, ErrLoopDetected
				}
			}
		case llm.EventToolCall:
			events <- event
			if event.Call != nil {
				calls = append(calls, *event.Call)
				if !o.skipLoopDetection && o.loopDetector.CheckToolCall(*event.Call) {
					o.logLoopDetected(promptID)
					return llm.Content{}, nil, ErrLoopDetected
				}
			}
		case llm.EventError:
			events <- event
			return llm.Content{}, nil, event.Err
		case llm.EventDone:
			// The outer stream gets a single done event at the very end.
		default:
			events <- event
		}
	}

	var parts []llm.Part
	if thoughtBuilder.Len() > 0 {
		parts = append(parts, llm.Part{
			Type:             llm.PartText,
			Text:             thoughtBuilder.String(),
			Thought:          true,
			ThoughtSignature: thoughtSig,
		})
	}
	if textBuilder.Len() > 0 {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: textBuilder.String()})
	}
	for i := range calls {
		call := calls[i]
		parts = append(parts, llm.Part{Type: llm.PartFunctionCall, FunctionCall: &call})
	}
	return llm.Content{Role: llm.RoleModel, Parts: parts}, calls, nil
}

// executeToolCalls runs every requested tool through the registry and
// packs the results into one user turn of function responses. Tool
// failures go back to the model as error payloads so it can recover.
func (o *Orchestrator) executeToolCalls(ctx context.Context, calls []llm.FunctionCall) llm.Content {
	out := llm.Content{Role: llm.RoleUser}
	for _, call := range calls {
		tool, ok := o.tools.Get(call.Name)
		if !ok {
			errContent := llm.FunctionErrorContent(call.ID, call.Name, "unknown tool: "+call.Name)
			out.Parts = append(out.Parts, errContent.Parts...)
			continue
		}
		result, err := tool.Execute(ctx, call.Args)
		if err != nil {
			errContent := llm.FunctionErrorContent(call.ID, call.Name, err.Error())
			out.Parts = append(out.Parts, errContent.Parts...)
			continue
		}
		payload, _ := json.Marshal(map[string]string{"output": result})
		respContent := llm.FunctionResponseContent(call.ID, call.Name, payload)
		out.Parts = append(out.Parts, respContent.Parts...)
	}
	return out
}

// buildUserContent assembles the user turn for a prompt: optional IDE
// context block, optional sub-agent delegation hint, then the user's
// text. Context injection is skipped while a tool call is awaiting its
// response, since providers require the response to follow the call
// with nothing interposed.
func (o *Orchestrator) buildUserContent(text string, newPrompt bool) llm.Content {
	var parts []llm.Part

	if !o.toolCallPending() {
		if ide := o.ideContextText(); ide != "" {
			parts = append(parts, llm.Part{Type: llm.PartText, Text: ide})
		}
	}
	if newPrompt {
		if hint := o.agentHintText(); hint != "" {
			parts = append(parts, llm.Part{Type: llm.PartText, Text: hint})
		}
	}
	parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	return llm.Content{Role: llm.RoleUser, Parts: parts}
}

// toolCallPending reports whether the last recorded turn is a model
// turn that requested a tool and has not yet received its response.
func (o *Orchestrator) toolCallPending() bool {
	history := o.session.History(false)
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	if last.Role != llm.RoleModel {
		return false
	}
	for _, part := range last.Parts {
		if part.Type == llm.PartFunctionCall {
			return true
		}
	}
	return false
}

// agentHintText builds the delegation reminder: present only when
// custom sub-agents exist and the delegation tool is registered.
func (o *Orchestrator) agentHintText() string {
	if o.agentNames == nil {
		return ""
	}
	if _, ok := o.tools.Get(DelegationToolName); !ok {
		return ""
	}
	names := o.agentNames()
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf(
		"Reminder: specialized agents are available for delegation: %s. When a task matches one of these agents, use the %s tool instead of doing the work directly. Do not mention this reminder to the user.",
		strings.Join(names, ", "), DelegationToolName)
}

func (o *Orchestrator) logLoopDetected(promptID string) {
	o.logger.Log(telemetry.Event{
		Type:     telemetry.EventLoopDetected,
		PromptID: promptID,
		Model:    o.model,
	})
}
