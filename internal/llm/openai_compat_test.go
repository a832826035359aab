package llm

import (
	"strings"
	"testing"
)

func collectChatSSE(t *testing.T, stream string) []Event {
	t.Helper()
	g := NewOpenAICompatGenerator("http://localhost:11434/v1", "", "test-model", "Test")
	events := make(chan Event, 64)
	done := make(chan error, 1)
	go func() {
		done <- g.decodeChatSSE(strings.NewReader(stream), events)
		close(events)
	}()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	if err := <-done; err != nil {
		t.Fatalf("decodeChatSSE: %v", err)
	}
	return out
}

func TestDecodeChatSSETextAndUsage(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"Hello"}}]}

data: {"choices":[{"delta":{"content":" world"},"finish_reason":"stop"}]}

data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}

data: [DONE]

`
	events := collectChatSSE(t, stream)

	var text string
	var usage *Usage
	var finish FinishReason
	for _, ev := range events {
		switch ev.Type {
		case EventContent:
			text += ev.Text
		case EventUsage:
			usage = ev.Usage
		case EventDone:
			finish = ev.Finish
		}
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.PromptTokens != 12 || usage.CandidatesTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
	if finish != FinishStop {
		t.Errorf("finish = %q", finish)
	}
}

func TestDecodeChatSSEReasoningContent(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}

data: {"choices":[{"delta":{"content":"done"}}]}

data: [DONE]

`
	events := collectChatSSE(t, stream)
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	if !events[0].Thought || events[0].Text != "hmm" {
		t.Errorf("first event = %+v, want thought %q", events[0], "hmm")
	}
	if events[1].Thought || events[1].Text != "done" {
		t.Errorf("second event = %+v", events[1])
	}
}

// Tool call fragments arrive split across chunks keyed by index and must be
// reassembled into a single call.
func TestDecodeChatSSEToolCallAcrossChunks(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go.mod\"}"}}]},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	events := collectChatSSE(t, stream)

	var calls []*FunctionCall
	var finish FinishReason
	for _, ev := range events {
		switch ev.Type {
		case EventToolCall:
			calls = append(calls, ev.Call)
		case EventDone:
			finish = ev.Finish
		}
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	call := calls[0]
	if call.ID != "call_1" || call.Name != "read_file" {
		t.Errorf("call = %s/%s", call.ID, call.Name)
	}
	if string(call.Args) != `{"path":"go.mod"}` {
		t.Errorf("args = %s", call.Args)
	}
	if finish != FinishToolCalls {
		t.Errorf("finish = %q, want %q", finish, FinishToolCalls)
	}
}

func TestDecodeChatSSEMalformedChunkDropped(t *testing.T) {
	stream := `data: not json

data: {"choices":[{"delta":{"content":"ok"}}]}

data: [DONE]

`
	events := collectChatSSE(t, stream)
	var text string
	for _, ev := range events {
		if ev.Type == EventContent {
			text += ev.Text
		}
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
}

func TestDecodeChatSSEErrorPayload(t *testing.T) {
	g := NewOpenAICompatGenerator("http://localhost:11434/v1", "", "test-model", "Ollama")
	stream := `data: {"error":{"type":"invalid_request_error","message":"model not found"}}

`
	events := make(chan Event, 16)
	err := g.decodeChatSSE(strings.NewReader(stream), events)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %v", err)
	}
}

func TestBuildCompatMessages(t *testing.T) {
	contents := []Content{
		UserText("list the files"),
		{Role: RoleModel, Parts: []Part{
			{Type: PartText, Text: "planning", Thought: true},
			{Type: PartFunctionCall, FunctionCall: &FunctionCall{
				ID: "c1", Name: "list_directory", Args: []byte(`{"path":"."}`),
			}},
		}},
		FunctionResponseContent("c1", "list_directory", []byte(`{"output":"go.mod"}`)),
		ModelText("There is one file."),
	}

	msgs := buildCompatMessages("be terse", contents)
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != "user" {
		t.Errorf("message 1 role = %q", msgs[1].Role)
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Errorf("message 2 = %+v", msgs[2])
	}
	if msgs[2].Content != "" {
		t.Errorf("thought leaked into assistant content: %q", msgs[2].Content)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "c1" {
		t.Errorf("message 3 = %+v", msgs[3])
	}
	if msgs[4].Role != "assistant" || msgs[4].Content != "There is one file." {
		t.Errorf("message 4 = %+v", msgs[4])
	}
}

func TestBuildCompatMessagesEmptyArgsDefaulted(t *testing.T) {
	state := newCompatToolState()
	state.Add([]oaiToolCall{{Index: 0, ID: "c1"}})
	calls := state.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if string(calls[0].Args) != "{}" {
		t.Errorf("args = %s, want {}", calls[0].Args)
	}
}
