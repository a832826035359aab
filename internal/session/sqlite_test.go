package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaykit/relay/internal/llm"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(DefaultConfig(), filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Provider: "gemini", Model: "gemini-2.5-pro", CWD: "/work"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Create must assign an ID")
	}
	if rec.Status != StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Provider != "gemini" || got.Model != "gemini-2.5-pro" {
		t.Errorf("got %+v", got)
	}

	rec.Summary = "fix the flaky test"
	rec.Status = StatusComplete
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Summary != "fix the flaky test" || got.Status != StatusComplete {
		t.Errorf("after update: %+v", got)
	}

	if err := store.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = store.Get(ctx, rec.ID)
	if err != nil || got != nil {
		t.Errorf("after delete: %+v, %v", got, err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := openTestStore(t)
	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestUpdateMissingSessionFails(t *testing.T) {
	store := openTestStore(t)
	err := store.Update(context.Background(), &Record{ID: "nope", Provider: "p", Model: "m"})
	if err == nil {
		t.Error("expected an error for an unknown session")
	}
}

func TestContentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Provider: "ollama", Model: "llama3"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}

	turns := []llm.Content{
		llm.UserText("what is in main.go?"),
		{Role: llm.RoleModel, Parts: []llm.Part{{
			Type:         llm.PartFunctionCall,
			FunctionCall: &llm.FunctionCall{ID: "c1", Name: "read_file", Args: []byte(`{"path":"main.go"}`)},
		}}},
		llm.FunctionResponseContent("c1", "read_file", []byte(`{"output":"package main"}`)),
		llm.ModelText("It is the entry point."),
	}
	for _, turn := range turns {
		if err := store.AddContent(ctx, rec.ID, NewStoredContent(rec.ID, turn, -1)); err != nil {
			t.Fatalf("AddContent: %v", err)
		}
	}

	history, err := store.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	for i, msg := range history {
		if msg.Sequence != i {
			t.Errorf("message %d sequence = %d", i, msg.Sequence)
		}
	}

	call := history[1].ToContent().Parts[0].FunctionCall
	if call == nil || call.Name != "read_file" || string(call.Args) != `{"path":"main.go"}` {
		t.Errorf("function call did not round-trip: %+v", call)
	}
	resp := history[2].ToContent().Parts[0].FunctionResponse
	if resp == nil || resp.ID != "c1" {
		t.Errorf("function response did not round-trip: %+v", resp)
	}
	if llm.ContentText(history[3].ToContent()) != "It is the entry point." {
		t.Errorf("text did not round-trip")
	}
}

func TestSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Provider: "gemini", Model: "gemini-2.5-pro", Name: "db work"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	contents := []llm.Content{
		llm.UserText("how do I configure the database retention policy?"),
		llm.ModelText("Set max_age_days in the sessions block."),
		llm.UserText("what about logging?"),
	}
	for _, c := range contents {
		if err := store.AddContent(ctx, rec.ID, NewStoredContent(rec.ID, c, -1)); err != nil {
			t.Fatal(err)
		}
	}

	results, err := store.Search(ctx, "retention", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].SessionID != rec.ID {
		t.Errorf("session = %q", results[0].SessionID)
	}
	if !strings.Contains(results[0].Snippet, "**retention**") {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = store.Search(ctx, "nonexistentword", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestListFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := &Record{Provider: "gemini", Model: "gemini-2.5-pro"}
	b := &Record{Provider: "ollama", Model: "llama3"}
	for _, rec := range []*Record{a, b} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d sessions", len(all))
	}

	geminiOnly, err := store.List(ctx, ListOptions{Provider: "gemini"})
	if err != nil {
		t.Fatal(err)
	}
	if len(geminiOnly) != 1 || geminiOnly[0].ID != a.ID {
		t.Errorf("filtered list = %+v", geminiOnly)
	}
}

func TestListCountsMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Provider: "gemini", Model: "m"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	store.AddContent(ctx, rec.ID, NewStoredContent(rec.ID, llm.UserText("a"), -1))
	store.AddContent(ctx, rec.ID, NewStoredContent(rec.ID, llm.ModelText("b"), -1))

	list, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].MessageCount != 2 {
		t.Errorf("list = %+v", list)
	}
}

func TestAddUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Provider: "gemini", Model: "m"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	store.AddUsage(ctx, rec.ID, 100, 20)
	store.AddUsage(ctx, rec.ID, 50, 10)

	got, _ := store.Get(ctx, rec.ID)
	if got.InputTokens != 150 || got.OutputTokens != 30 || got.UserTurns != 2 {
		t.Errorf("usage = %d/%d turns=%d", got.InputTokens, got.OutputTokens, got.UserTurns)
	}
}

func TestCurrentSessionTracking(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if cur, err := store.GetCurrent(ctx); err != nil || cur != nil {
		t.Fatalf("GetCurrent on empty store = %+v, %v", cur, err)
	}

	rec := &Record{Provider: "gemini", Model: "m"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCurrent(ctx, rec.ID); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	cur, err := store.GetCurrent(ctx)
	if err != nil || cur == nil || cur.ID != rec.ID {
		t.Fatalf("GetCurrent = %+v, %v", cur, err)
	}

	if err := store.ClearCurrent(ctx); err != nil {
		t.Fatalf("ClearCurrent: %v", err)
	}
	if cur, _ := store.GetCurrent(ctx); cur != nil {
		t.Errorf("current survived ClearCurrent: %+v", cur)
	}
}

func TestDeleteCascadesMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &Record{Provider: "gemini", Model: "m"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	store.AddContent(ctx, rec.ID, NewStoredContent(rec.ID, llm.UserText("hello"), -1))
	if err := store.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}

	history, err := store.History(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("messages survived the session delete: %d", len(history))
	}
}

func TestRetentionMaxCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Enabled: true}, path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := store.Create(ctx, &Record{Provider: "p", Model: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	store.Close()

	// Reopening with a cap prunes the oldest sessions.
	store, err = NewSQLiteStore(Config{Enabled: true, MaxCount: 2}, path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	list, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("got %d sessions after cleanup, want 2", len(list))
	}
}

func TestTruncateSummary(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short", "short"},
		{"first line\nsecond line", "first line"},
		{"  padded  ", "padded"},
		{strings.Repeat("a", 150), strings.Repeat("a", 97) + "..."},
	}
	for _, tt := range tests {
		if got := TruncateSummary(tt.in); got != tt.want {
			t.Errorf("TruncateSummary(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewStoredContentExtractsText(t *testing.T) {
	c := llm.Content{Role: llm.RoleModel, Parts: []llm.Part{
		{Type: llm.PartText, Text: "secret reasoning", Thought: true},
		{Type: llm.PartText, Text: "visible one"},
		{Type: llm.PartText, Text: "visible two"},
	}}
	msg := NewStoredContent("s1", c, 0)
	if msg.TextContent != "visible one\nvisible two" {
		t.Errorf("TextContent = %q", msg.TextContent)
	}
}

func TestNoopStore(t *testing.T) {
	store, err := NewStore(Config{Enabled: false}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*NoopStore); !ok {
		t.Fatalf("got %T, want NoopStore", store)
	}

	ctx := context.Background()
	rec := &Record{Provider: "p", Model: "m"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Error("NoopStore.Create must still assign an ID")
	}
	if err := store.AddContent(ctx, rec.ID, NewStoredContent(rec.ID, llm.UserText("x"), -1)); err != nil {
		t.Errorf("AddContent: %v", err)
	}
	history, err := store.History(ctx, rec.ID)
	if err != nil || len(history) != 0 {
		t.Errorf("History = %v, %v", history, err)
	}
}
