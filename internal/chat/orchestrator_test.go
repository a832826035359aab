package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/tools"
)

// fakeGenerator replays scripted streams and responses so orchestrator
// behavior can be tested without a provider.
type fakeGenerator struct {
	streams      [][]llm.Event
	streamCalls  int
	streamReqs   []llm.Request
	responses    []*llm.Response
	responseErrs []error
	genCalls     int
	genReqs      []llm.Request
	tokenCount   func(req llm.Request) (int, error)

	// afterStream runs inside the producer after the scripted events,
	// before the stream ends. Used to simulate mid-call side effects.
	afterStream func(call int)
}

func (f *fakeGenerator) Name() string           { return "fake" }
func (f *fakeGenerator) Kind() llm.ProviderKind { return llm.KindOpenAICompatible }
func (f *fakeGenerator) AuthType() llm.AuthType { return llm.AuthAPIKey }

func (f *fakeGenerator) GenerateContent(ctx context.Context, req llm.Request, promptID string) (*llm.Response, error) {
	f.genReqs = append(f.genReqs, req)
	idx := f.genCalls
	f.genCalls++
	if idx < len(f.responseErrs) && f.responseErrs[idx] != nil {
		return nil, f.responseErrs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return &llm.Response{Content: llm.ModelText(`{"reasoning":"done","next_speaker":"user"}`)}, nil
}

func (f *fakeGenerator) GenerateContentStream(ctx context.Context, req llm.Request, promptID string) (llm.Stream, error) {
	f.streamReqs = append(f.streamReqs, req)
	idx := f.streamCalls
	f.streamCalls++
	if idx >= len(f.streams) {
		return nil, fmt.Errorf("no scripted stream for call %d", idx)
	}
	events := f.streams[idx]
	return llm.NewEventStream(ctx, func(ctx context.Context, out chan<- llm.Event) error {
		for _, ev := range events {
			out <- ev
		}
		if f.afterStream != nil {
			f.afterStream(idx)
		}
		return nil
	}), nil
}

func (f *fakeGenerator) CountTokens(ctx context.Context, req llm.Request) (int, error) {
	if f.tokenCount != nil {
		return f.tokenCount(req)
	}
	return 10, nil
}

func (f *fakeGenerator) EmbedContent(ctx context.Context, req llm.EmbedRequest) ([][]float32, error) {
	return nil, llm.ErrUnsupportedOperation
}

func drainStream(t *testing.T, stream llm.Stream) []llm.Event {
	t.Helper()
	defer stream.Close()
	var out []llm.Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, ev)
	}
}

func newTestOrchestrator(gen llm.ContentGenerator, registry *tools.Registry, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return NewOrchestrator(gen, NewSession(nil), registry, nil, cfg)
}

func TestSendMessageStreamSimpleText(t *testing.T) {
	gen := &fakeGenerator{streams: [][]llm.Event{{
		{Type: llm.EventContent, Text: "Hello"},
		{Type: llm.EventContent, Text: " world"},
		{Type: llm.EventUsage, Usage: &llm.Usage{PromptTokens: 3, CandidatesTokens: 2, TotalTokens: 5}},
		{Type: llm.EventDone, Finish: llm.FinishStop},
	}}}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{SkipNextSpeaker: true})

	events := drainStream(t, orch.SendMessageStream(context.Background(), "hi", "p1"))

	var text string
	sawDone := false
	for _, ev := range events {
		switch ev.Type {
		case llm.EventContent:
			text += ev.Text
		case llm.EventDone:
			sawDone = true
		}
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if !sawDone {
		t.Error("stream must end with EventDone")
	}

	history := orch.Session().History(false)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != llm.RoleUser || llm.ContentText(history[0]) != "hi" {
		t.Errorf("user turn = %+v", history[0])
	}
	if history[1].Role != llm.RoleModel || llm.ContentText(history[1]) != "Hello world" {
		t.Errorf("model turn = %+v", history[1])
	}
}

func TestMaxSessionTurnsNoModelCall(t *testing.T) {
	gen := &fakeGenerator{streams: [][]llm.Event{{
		{Type: llm.EventContent, Text: "first"},
		{Type: llm.EventDone},
	}}}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{SkipNextSpeaker: true, MaxSessionTurns: 1})

	drainStream(t, orch.SendMessageStream(context.Background(), "one", "p1"))
	events := drainStream(t, orch.SendMessageStream(context.Background(), "two", "p2"))

	var gotErr error
	for _, ev := range events {
		if ev.Type == llm.EventError {
			gotErr = ev.Err
		}
	}
	if !errors.Is(gotErr, ErrMaxSessionTurns) {
		t.Errorf("err = %v, want ErrMaxSessionTurns", gotErr)
	}
	if gen.streamCalls != 1 {
		t.Errorf("streamCalls = %d, want 1 (second prompt must not reach the model)", gen.streamCalls)
	}
}

func TestSessionTokenLimitExceeded(t *testing.T) {
	gen := &fakeGenerator{
		tokenCount: func(llm.Request) (int, error) { return 5000, nil },
	}
	orch := NewOrchestrator(gen, NewSession([]llm.Content{
		llm.UserText("earlier"),
		llm.ModelText("answer"),
	}), nil, nil, OrchestratorConfig{Model: "test-model", SkipNextSpeaker: true, SessionTokenLimit: 100})

	events := drainStream(t, orch.SendMessageStream(context.Background(), "more", "p1"))

	var gotErr error
	for _, ev := range events {
		if ev.Type == llm.EventError {
			gotErr = ev.Err
		}
	}
	if !errors.Is(gotErr, ErrSessionTokenLimit) {
		t.Errorf("err = %v, want ErrSessionTokenLimit", gotErr)
	}
	if gen.streamCalls != 0 {
		t.Errorf("streamCalls = %d, want 0", gen.streamCalls)
	}
}

// The token gate measures the environment preamble alongside the
// curated history.
func TestSessionTokenGateCountsEnvironment(t *testing.T) {
	var gateReq llm.Request
	gen := &fakeGenerator{
		tokenCount: func(req llm.Request) (int, error) {
			gateReq = req
			return 5000, nil
		},
	}
	orch := NewOrchestrator(gen, NewSession([]llm.Content{
		llm.UserText("earlier"),
		llm.ModelText("answer"),
	}), nil, nil, OrchestratorConfig{
		Model:             "test-model",
		SessionTokenLimit: 100,
		Environment:       func() llm.Content { return llm.UserText("env: test host") },
	})

	drainStream(t, orch.SendMessageStream(context.Background(), "more", "p1"))

	if len(gateReq.Contents) != 4 {
		t.Fatalf("gate counted %d contents, want 4", len(gateReq.Contents))
	}
	if llm.ContentText(gateReq.Contents[0]) != "env: test host" {
		t.Errorf("gate contents[0] = %q, want the environment preamble", llm.ContentText(gateReq.Contents[0]))
	}
	if gateReq.Contents[1].Role != llm.RoleModel {
		t.Errorf("gate contents[1] role = %q, want the model ack", gateReq.Contents[1].Role)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	var gotArgs string
	registry := tools.NewRegistry()
	registry.Register(&tools.FuncTool{
		Decl: llm.ToolDecl{Name: "read_file", Description: "reads a file"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			gotArgs = string(args)
			return "package main", nil
		},
	})

	gen := &fakeGenerator{streams: [][]llm.Event{
		{
			{Type: llm.EventToolCall, Call: &llm.FunctionCall{ID: "c1", Name: "read_file", Args: []byte(`{"path":"main.go"}`)}},
			{Type: llm.EventDone, Finish: llm.FinishToolCalls},
		},
		{
			{Type: llm.EventContent, Text: "The file is a Go program."},
			{Type: llm.EventDone, Finish: llm.FinishStop},
		},
	}}
	orch := newTestOrchestrator(gen, registry, OrchestratorConfig{SkipNextSpeaker: true})

	events := drainStream(t, orch.SendMessageStream(context.Background(), "what is in main.go?", "p1"))

	if gotArgs != `{"path":"main.go"}` {
		t.Errorf("tool args = %q", gotArgs)
	}
	sawCall := false
	var text string
	for _, ev := range events {
		switch ev.Type {
		case llm.EventToolCall:
			sawCall = true
		case llm.EventContent:
			text += ev.Text
		}
	}
	if !sawCall {
		t.Error("tool call event was not relayed")
	}
	if text != "The file is a Go program." {
		t.Errorf("text = %q", text)
	}

	// History: user, model(call), user(response), model(text).
	history := orch.Session().History(false)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[1].Parts[0].Type != llm.PartFunctionCall {
		t.Errorf("turn 1 = %+v", history[1])
	}
	resp := history[2].Parts[0].FunctionResponse
	if resp == nil || resp.ID != "c1" || resp.IsError {
		t.Errorf("turn 2 = %+v", history[2])
	}
	if !strings.Contains(string(resp.Response), "package main") {
		t.Errorf("tool response payload = %s", resp.Response)
	}
}

func TestUnknownToolReportedToModel(t *testing.T) {
	gen := &fakeGenerator{streams: [][]llm.Event{
		{
			{Type: llm.EventToolCall, Call: &llm.FunctionCall{ID: "c1", Name: "no_such_tool", Args: []byte(`{}`)}},
			{Type: llm.EventDone, Finish: llm.FinishToolCalls},
		},
		{
			{Type: llm.EventContent, Text: "I cannot do that."},
			{Type: llm.EventDone},
		},
	}}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{SkipNextSpeaker: true})

	drainStream(t, orch.SendMessageStream(context.Background(), "go", "p1"))

	history := orch.Session().History(false)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	resp := history[2].Parts[0].FunctionResponse
	if resp == nil || !resp.IsError {
		t.Fatalf("expected an error response, got %+v", history[2])
	}
	if !strings.Contains(string(resp.Response), "unknown tool") {
		t.Errorf("payload = %s", resp.Response)
	}
}

func TestToolFailureFedBack(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.FuncTool{
		Decl: llm.ToolDecl{Name: "read_file"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("permission denied")
		},
	})
	gen := &fakeGenerator{streams: [][]llm.Event{
		{
			{Type: llm.EventToolCall, Call: &llm.FunctionCall{ID: "c1", Name: "read_file", Args: []byte(`{}`)}},
			{Type: llm.EventDone},
		},
		{
			{Type: llm.EventContent, Text: "That failed."},
			{Type: llm.EventDone},
		},
	}}
	orch := newTestOrchestrator(gen, registry, OrchestratorConfig{SkipNextSpeaker: true})

	drainStream(t, orch.SendMessageStream(context.Background(), "go", "p1"))

	history := orch.Session().History(false)
	resp := history[2].Parts[0].FunctionResponse
	if resp == nil || !resp.IsError {
		t.Fatalf("expected an error response, got %+v", history[2])
	}
	if !strings.Contains(string(resp.Response), "permission denied") {
		t.Errorf("payload = %s", resp.Response)
	}
}

func TestLoopDetectionStopsRepeatedToolCalls(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.FuncTool{
		Decl: llm.ToolDecl{Name: "read_file"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "same", nil
		},
	})
	call := llm.FunctionCall{ID: "c1", Name: "read_file", Args: []byte(`{"path":"a"}`)}
	repeat := []llm.Event{
		{Type: llm.EventToolCall, Call: &call},
		{Type: llm.EventDone},
	}
	gen := &fakeGenerator{streams: [][]llm.Event{repeat, repeat, repeat, repeat, repeat}}
	orch := newTestOrchestrator(gen, registry, OrchestratorConfig{SkipNextSpeaker: true})

	events := drainStream(t, orch.SendMessageStream(context.Background(), "go", "p1"))

	var gotErr error
	for _, ev := range events {
		if ev.Type == llm.EventError {
			gotErr = ev.Err
		}
	}
	if !errors.Is(gotErr, ErrLoopDetected) {
		t.Errorf("err = %v, want ErrLoopDetected", gotErr)
	}
	if gen.streamCalls != 4 {
		t.Errorf("streamCalls = %d, want 4", gen.streamCalls)
	}
}

func TestContinuationWhenModelSpeaksNext(t *testing.T) {
	gen := &fakeGenerator{
		streams: [][]llm.Event{
			{
				{Type: llm.EventContent, Text: "First, I will check the files."},
				{Type: llm.EventDone},
			},
			{
				{Type: llm.EventContent, Text: "All done."},
				{Type: llm.EventDone},
			},
		},
		responses: []*llm.Response{
			{Content: llm.ModelText(`{"reasoning":"stated a next action","next_speaker":"model"}`)},
			{Content: llm.ModelText(`{"reasoning":"task complete","next_speaker":"user"}`)},
		},
	}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{})

	drainStream(t, orch.SendMessageStream(context.Background(), "tidy up", "p1"))

	if gen.streamCalls != 2 {
		t.Fatalf("streamCalls = %d, want 2", gen.streamCalls)
	}
	second := gen.streamReqs[1]
	last := second.Contents[len(second.Contents)-1]
	if llm.ContentText(last) != continuePromptText {
		t.Errorf("continuation turn = %q, want %q", llm.ContentText(last), continuePromptText)
	}
}

func TestAgentHintOnNewPromptOnly(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.FuncTool{
		Decl: llm.ToolDecl{Name: DelegationToolName},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", nil
		},
	})
	gen := &fakeGenerator{streams: [][]llm.Event{
		{{Type: llm.EventContent, Text: "ok"}, {Type: llm.EventDone}},
	}}
	orch := newTestOrchestrator(gen, registry, OrchestratorConfig{
		SkipNextSpeaker: true,
		AgentNames:      func() []string { return []string{"reviewer", "docs"} },
	})

	drainStream(t, orch.SendMessageStream(context.Background(), "review this", "p1"))

	req := gen.streamReqs[0]
	user := req.Contents[len(req.Contents)-1]
	if len(user.Parts) != 2 {
		t.Fatalf("user turn parts = %d, want hint + text", len(user.Parts))
	}
	hint := user.Parts[0].Text
	if !strings.Contains(hint, "reviewer, docs") || !strings.Contains(hint, DelegationToolName) {
		t.Errorf("hint = %q", hint)
	}
	if user.Parts[1].Text != "review this" {
		t.Errorf("text part = %q", user.Parts[1].Text)
	}
}

func TestNoAgentHintWithoutDelegationTool(t *testing.T) {
	gen := &fakeGenerator{streams: [][]llm.Event{
		{{Type: llm.EventContent, Text: "ok"}, {Type: llm.EventDone}},
	}}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{
		SkipNextSpeaker: true,
		AgentNames:      func() []string { return []string{"reviewer"} },
	})

	drainStream(t, orch.SendMessageStream(context.Background(), "hello", "p1"))

	user := gen.streamReqs[0].Contents[0]
	if len(user.Parts) != 1 {
		t.Errorf("user turn parts = %d, want just the text", len(user.Parts))
	}
}

func TestModelSwitchMidCallStopsContinuation(t *testing.T) {
	gen := &fakeGenerator{streams: [][]llm.Event{
		{{Type: llm.EventContent, Text: "partial answer"}, {Type: llm.EventDone}},
	}}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{})
	// A fallback switching models mid-flight must stop the orchestrator
	// from running the continuation check against the new model.
	gen.afterStream = func(int) { orch.SetModel("other-model") }

	drainStream(t, orch.SendMessageStream(context.Background(), "go", "p1"))

	if gen.genCalls != 0 {
		t.Errorf("genCalls = %d, want 0 (no next-speaker check after a model switch)", gen.genCalls)
	}
	if gen.streamCalls != 1 {
		t.Errorf("streamCalls = %d, want 1", gen.streamCalls)
	}
}

func TestMidStreamErrorEndsTurn(t *testing.T) {
	boom := errors.New("stream exploded")
	gen := &fakeGenerator{streams: [][]llm.Event{
		{
			{Type: llm.EventContent, Text: "partial"},
			{Type: llm.EventError, Err: boom},
		},
	}}
	orch := newTestOrchestrator(gen, nil, OrchestratorConfig{SkipNextSpeaker: true})

	stream := orch.SendMessageStream(context.Background(), "go", "p1")
	defer stream.Close()

	var events []llm.Event
	var recvErr error
	for {
		ev, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				recvErr = err
			}
			break
		}
		events = append(events, ev)
	}
	if !errors.Is(recvErr, boom) {
		t.Errorf("Recv error = %v, want the provider error", recvErr)
	}
	sawErrorEvent := false
	for _, ev := range events {
		if ev.Type == llm.EventError && errors.Is(ev.Err, boom) {
			sawErrorEvent = true
		}
	}
	if !sawErrorEvent {
		t.Error("the error event must be relayed before the stream fails")
	}
}
