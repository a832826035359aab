package chat

import (
	"strings"
	"testing"

	"github.com/relaykit/relay/internal/llm"
)

func TestCuratedHistoryDropsInvalidModelTurn(t *testing.T) {
	s := NewSession([]llm.Content{
		llm.UserText("first question"),
		{Role: llm.RoleModel, Parts: []llm.Part{{Type: llm.PartText, Text: ""}}},
		llm.UserText("second question"),
		llm.ModelText("a real answer"),
	})

	curated := s.History(true)
	if len(curated) != 2 {
		t.Fatalf("curated length = %d, want 2", len(curated))
	}
	if llm.ContentText(curated[0]) != "second question" {
		t.Errorf("curated[0] = %+v", curated[0])
	}
	if llm.ContentText(curated[1]) != "a real answer" {
		t.Errorf("curated[1] = %+v", curated[1])
	}

	// The comprehensive record keeps everything.
	if got := len(s.History(false)); got != 4 {
		t.Errorf("comprehensive length = %d, want 4", got)
	}
}

func TestCuratedHistoryKeepsTrailingUserTurn(t *testing.T) {
	s := NewSession([]llm.Content{
		llm.UserText("hello"),
	})
	curated := s.History(true)
	if len(curated) != 1 {
		t.Fatalf("curated length = %d, want 1", len(curated))
	}
}

func TestRecordTurnMergesAdjacentModelContents(t *testing.T) {
	s := NewSession(nil)
	s.RecordTurn(llm.UserText("q"), []llm.Content{
		llm.ModelText("part one "),
		llm.ModelText("part two"),
	})

	history := s.History(false)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if len(history[1].Parts) != 2 {
		t.Errorf("model turn parts = %d, want merged into one content", len(history[1].Parts))
	}
}

func TestRecordTurnEmptyModelOutputKeepsPairing(t *testing.T) {
	s := NewSession(nil)
	s.RecordTurn(llm.UserText("q"), nil)

	history := s.History(false)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Role != llm.RoleModel || len(history[1].Parts) != 0 {
		t.Errorf("placeholder = %+v", history[1])
	}
}

func TestSetHistoryStripsThoughtSignatures(t *testing.T) {
	s := NewSession(nil)
	s.SetHistory([]llm.Content{
		{Role: llm.RoleModel, Parts: []llm.Part{{
			Type:             llm.PartText,
			Text:             "thinking",
			Thought:          true,
			ThoughtSignature: []byte("opaque-blob"),
		}}},
	})
	history := s.History(false)
	if history[0].Parts[0].ThoughtSignature != nil {
		t.Error("thought signature must not survive SetHistory")
	}
}

func TestHistoryReturnsCopies(t *testing.T) {
	s := NewSession([]llm.Content{llm.UserText("original")})
	got := s.History(false)
	got[0].Parts[0].Text = "mutated"
	if llm.ContentText(s.History(false)[0]) != "original" {
		t.Error("History must return an independent copy")
	}
}

func TestSanitizeDanglingToolCall(t *testing.T) {
	s := NewSession([]llm.Content{
		llm.UserText("run it"),
		{Role: llm.RoleModel, Parts: []llm.Part{{
			Type:         llm.PartFunctionCall,
			FunctionCall: &llm.FunctionCall{ID: "c9", Name: "read_file", Args: []byte(`{"path":"x"}`)},
		}}},
	})

	curated := s.History(true)
	if len(curated) != 2 {
		t.Fatalf("curated length = %d, want 2", len(curated))
	}
	part := curated[1].Parts[0]
	if part.Type != llm.PartText {
		t.Fatalf("dangling call must become text, got %+v", part)
	}
	if !strings.Contains(part.Text, "tool call interrupted") || !strings.Contains(part.Text, "c9") {
		t.Errorf("text = %q", part.Text)
	}
}

func TestSanitizeOrphanToolResponseDropped(t *testing.T) {
	s := NewSession([]llm.Content{
		llm.UserText("hello"),
		llm.ModelText("hi"),
		llm.FunctionResponseContent("never-called", "read_file", []byte(`{"output":"x"}`)),
	})

	curated := s.History(true)
	for _, c := range curated {
		for _, part := range c.Parts {
			if part.Type == llm.PartFunctionResponse {
				t.Fatalf("orphan response survived: %+v", part)
			}
		}
	}
}

func TestSanitizeMatchedPairSurvives(t *testing.T) {
	s := NewSession([]llm.Content{
		llm.UserText("run it"),
		{Role: llm.RoleModel, Parts: []llm.Part{{
			Type:         llm.PartFunctionCall,
			FunctionCall: &llm.FunctionCall{ID: "c1", Name: "ls", Args: []byte(`{}`)},
		}}},
		llm.FunctionResponseContent("c1", "ls", []byte(`{"output":"go.mod"}`)),
		llm.ModelText("there is one file"),
	})

	curated := s.History(true)
	if len(curated) != 4 {
		t.Fatalf("curated length = %d, want 4", len(curated))
	}
	if curated[1].Parts[0].Type != llm.PartFunctionCall {
		t.Errorf("call was rewritten: %+v", curated[1].Parts[0])
	}
	if curated[2].Parts[0].Type != llm.PartFunctionResponse {
		t.Errorf("response was dropped: %+v", curated[2].Parts[0])
	}
}
