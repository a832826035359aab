package config

import (
	"path/filepath"
	"testing"
)

func baseConfig() *Config {
	return &Config{
		Provider:  "gemini",
		Gemini:    GeminiConfig{Model: "gemini-2.5-pro"},
		Responses: ResponsesConfig{Model: "gpt-5-codex"},
		Vertex:    VertexConfig{Model: "claude-sonnet-4-5", Region: "us-east5"},
		Ollama:    OllamaConfig{Model: "llama3", BaseURL: "http://localhost:11434/v1"},
		Compat:    CompatConfig{Model: "some-model", Name: "LM Studio"},
	}
}

func TestApplyOverridesProvider(t *testing.T) {
	cfg := baseConfig()
	cfg.ApplyOverrides("ollama", "")
	if cfg.Provider != "ollama" {
		t.Errorf("provider = %q", cfg.Provider)
	}
	// The other providers' models are untouched.
	if cfg.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("gemini model = %q", cfg.Gemini.Model)
	}
}

func TestApplyOverridesModelTargetsActiveProvider(t *testing.T) {
	cfg := baseConfig()
	cfg.ApplyOverrides("", "gemini-2.5-flash")
	if cfg.Gemini.Model != "gemini-2.5-flash" {
		t.Errorf("gemini model = %q", cfg.Gemini.Model)
	}

	cfg = baseConfig()
	cfg.ApplyOverrides("responses", "gpt-5-codex(high)")
	if cfg.Responses.Model != "gpt-5-codex(high)" {
		t.Errorf("responses model = %q", cfg.Responses.Model)
	}
	if cfg.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("gemini model changed: %q", cfg.Gemini.Model)
	}
}

func TestActiveModel(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"gemini", "gemini-2.5-pro"},
		{"responses", "gpt-5-codex"},
		{"vertex", "claude-sonnet-4-5"},
		{"ollama", "llama3"},
		{"openai-compat", "some-model"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		cfg := baseConfig()
		cfg.Provider = tt.provider
		if got := cfg.ActiveModel(); got != tt.want {
			t.Errorf("ActiveModel(%s) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "sk-secret")

	tests := []struct {
		in   string
		want string
	}{
		{"${RELAY_TEST_KEY}", "sk-secret"},
		{"$RELAY_TEST_KEY", "sk-secret"},
		{"${RELAY_TEST_UNSET_VAR}", ""},
		{"literal-value", "literal-value"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveCredentialsFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-gemini-key")
	t.Setenv("OPENAI_API_KEY", "env-openai-key")

	cfg := baseConfig()
	resolveCredentials(cfg)
	if cfg.Gemini.APIKey != "env-gemini-key" {
		t.Errorf("gemini key = %q", cfg.Gemini.APIKey)
	}
	if cfg.Responses.APIKey != "env-openai-key" {
		t.Errorf("responses key = %q", cfg.Responses.APIKey)
	}

	// An explicit config value wins over the environment.
	cfg = baseConfig()
	cfg.Gemini.APIKey = "from-file"
	resolveCredentials(cfg)
	if cfg.Gemini.APIKey != "from-file" {
		t.Errorf("gemini key = %q, want the config value", cfg.Gemini.APIKey)
	}
}

func TestGetConfigDirHonorsXDG(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", root)

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir: %v", err)
	}
	if dir != filepath.Join(root, "relay") {
		t.Errorf("dir = %q", dir)
	}
}

func TestGetDataDirHonorsXDG(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_DATA_HOME", root)

	if got := GetDataDir(); got != filepath.Join(root, "relay") {
		t.Errorf("dir = %q", got)
	}
}
