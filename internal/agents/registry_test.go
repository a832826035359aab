package agents

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAgent(t *testing.T, root, name, yaml, system string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "agent.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if system != "" {
		if err := os.WriteFile(filepath.Join(dir, "system.md"), []byte(system), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadFromDir(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "tester",
		"name: tester\ndescription: runs the tests\nprovider: ollama\nmodel: llama3\ntools:\n  - read_file\nmax_turns: 5\n",
		"You write and run tests.\n")

	agent, err := LoadFromDir(filepath.Join(root, "tester"), SourceUser)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if agent.Name != "tester" || agent.Description != "runs the tests" {
		t.Errorf("agent = %+v", agent)
	}
	if agent.Provider != "ollama" || agent.Model != "llama3" {
		t.Errorf("model prefs = %s/%s", agent.Provider, agent.Model)
	}
	if len(agent.Tools) != 1 || agent.Tools[0] != "read_file" {
		t.Errorf("tools = %v", agent.Tools)
	}
	if agent.MaxTurns != 5 {
		t.Errorf("max_turns = %d", agent.MaxTurns)
	}
	if agent.SystemPrompt != "You write and run tests.\n" {
		t.Errorf("system prompt = %q", agent.SystemPrompt)
	}
	if agent.Source != SourceUser {
		t.Errorf("source = %v", agent.Source)
	}
}

func TestLoadFromDirNameDefaultsToDirName(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "helper", "description: unnamed\n", "")

	agent, err := LoadFromDir(filepath.Join(root, "helper"), SourceUser)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if agent.Name != "helper" {
		t.Errorf("name = %q, want the directory name", agent.Name)
	}
}

func TestLoadFromDirMissingYAML(t *testing.T) {
	if _, err := LoadFromDir(t.TempDir(), SourceUser); err == nil {
		t.Error("expected an error without agent.yaml")
	}
}

func TestRegistryGetDiskBeforeBuiltin(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "reviewer", "name: reviewer\ndescription: custom reviewer\n", "Custom prompt.")

	r := NewRegistry(root)
	agent, err := r.Get("reviewer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.Source != SourceUser || agent.Description != "custom reviewer" {
		t.Errorf("disk agent must shadow built-in: %+v", agent)
	}
}

func TestRegistryGetBuiltinFallback(t *testing.T) {
	r := NewRegistry(t.TempDir())
	agent, err := r.Get("general")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.Source != SourceBuiltin || agent.SystemPrompt == "" {
		t.Errorf("agent = %+v", agent)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("no-such-agent"); err == nil {
		t.Error("expected an error")
	}
}

func TestRegistrySearchPathPriority(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeAgent(t, first, "shared", "name: shared\ndescription: from first\n", "")
	writeAgent(t, second, "shared", "name: shared\ndescription: from second\n", "")

	r := NewRegistry(first, second)
	agent, err := r.Get("shared")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.Description != "from first" {
		t.Errorf("got %q, want the first search path to win", agent.Description)
	}
}

func TestRegistryListBuiltinsFirst(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "aaa-custom", "name: aaa-custom\n", "")

	r := NewRegistry(root)
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("got %d agents, want 2 built-ins + 1 custom", len(list))
	}
	if list[0].Source != SourceBuiltin || list[1].Source != SourceBuiltin {
		t.Errorf("built-ins must sort first: %v, %v", list[0].Name, list[1].Name)
	}
	if list[2].Name != "aaa-custom" {
		t.Errorf("list[2] = %q", list[2].Name)
	}
}

func TestCustomNamesExcludesBuiltins(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "zeta", "name: zeta\n", "")
	writeAgent(t, root, "alpha", "name: alpha\n", "")

	r := NewRegistry(root)
	names := r.CustomNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("names = %v", names)
	}

	empty := NewRegistry(t.TempDir())
	if got := empty.CustomNames(); len(got) != 0 {
		t.Errorf("built-ins leaked into custom names: %v", got)
	}
}

func TestAgentValidate(t *testing.T) {
	if err := (&Agent{Name: "ok"}).Validate(); err != nil {
		t.Errorf("valid agent rejected: %v", err)
	}
	if err := (&Agent{Name: "  "}).Validate(); err == nil {
		t.Error("blank name accepted")
	}
	if err := (&Agent{Name: "x", MaxTurns: -1}).Validate(); err == nil {
		t.Error("negative max_turns accepted")
	}
}
