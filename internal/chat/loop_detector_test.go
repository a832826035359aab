package chat

import (
	"strings"
	"testing"

	"github.com/relaykit/relay/internal/llm"
)

func TestLoopDetectorToolCalls(t *testing.T) {
	d := NewLoopDetector()
	call := llm.FunctionCall{Name: "read_file", Args: []byte(`{"path":"a"}`)}

	for i := 1; i <= 3; i++ {
		if d.CheckToolCall(call) {
			t.Fatalf("tripped after %d identical calls", i)
		}
	}
	if !d.CheckToolCall(call) {
		t.Error("4 identical calls must trip the detector")
	}
	if !d.Looping() {
		t.Error("Looping must stay true after the trip")
	}
}

func TestLoopDetectorDifferentArgsResetRun(t *testing.T) {
	d := NewLoopDetector()
	a := llm.FunctionCall{Name: "read_file", Args: []byte(`{"path":"a"}`)}
	b := llm.FunctionCall{Name: "read_file", Args: []byte(`{"path":"b"}`)}

	d.CheckToolCall(a)
	d.CheckToolCall(a)
	d.CheckToolCall(a)
	if d.CheckToolCall(b) {
		t.Error("a different call must reset the run")
	}
	d.CheckToolCall(b)
	d.CheckToolCall(b)
	if !d.CheckToolCall(b) {
		t.Error("4 identical calls after the reset must trip")
	}
}

func TestLoopDetectorContentChunks(t *testing.T) {
	d := NewLoopDetector()
	chunk := strings.Repeat("x", 100)

	tripped := false
	for i := 1; i <= 10; i++ {
		if d.CheckContent(chunk) {
			if i < 10 {
				t.Fatalf("tripped after %d chunks", i)
			}
			tripped = true
		}
	}
	if !tripped {
		t.Error("10 identical chunks must trip the detector")
	}
}

func TestLoopDetectorContentAccumulatesSmallDeltas(t *testing.T) {
	d := NewLoopDetector()
	// 40 deltas of 25 chars = 10 chunks of 100 identical chars.
	tripped := false
	for i := 0; i < 40; i++ {
		if d.CheckContent(strings.Repeat("y", 25)) {
			tripped = true
		}
	}
	if !tripped {
		t.Error("identical chunks assembled from small deltas must trip")
	}
}

func TestLoopDetectorCrossResets(t *testing.T) {
	d := NewLoopDetector()
	call := llm.FunctionCall{Name: "ls", Args: []byte(`{}`)}

	d.CheckToolCall(call)
	d.CheckToolCall(call)
	d.CheckToolCall(call)
	// Text output breaks the tool-call run.
	d.CheckContent("some fresh output")
	if d.CheckToolCall(call) {
		t.Error("content between calls must reset the tool-call run")
	}

	d2 := NewLoopDetector()
	chunk := strings.Repeat("z", 100)
	for i := 0; i < 9; i++ {
		d2.CheckContent(chunk)
	}
	// A tool call breaks the content run.
	d2.CheckToolCall(call)
	if d2.CheckContent(chunk) {
		t.Error("a tool call between chunks must reset the content run")
	}
}

func TestLoopDetectorReset(t *testing.T) {
	d := NewLoopDetector()
	call := llm.FunctionCall{Name: "ls", Args: []byte(`{}`)}
	for i := 0; i < 4; i++ {
		d.CheckToolCall(call)
	}
	if !d.Looping() {
		t.Fatal("expected the detector to be tripped")
	}
	d.Reset()
	if d.Looping() {
		t.Error("Reset must clear the tripped state")
	}
	if d.CheckToolCall(call) {
		t.Error("the first call after Reset must not trip")
	}
}
