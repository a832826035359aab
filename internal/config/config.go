package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Provider  string          `mapstructure:"provider"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Responses ResponsesConfig `mapstructure:"responses"`
	Vertex    VertexConfig    `mapstructure:"vertex"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Compat    CompatConfig    `mapstructure:"openai-compat"`
}

// ChatConfig tunes the conversation loop.
type ChatConfig struct {
	MaxSessionTurns   int     `mapstructure:"max_session_turns"`   // <=0 means unlimited
	SessionTokenLimit int     `mapstructure:"session_token_limit"` // <=0 means unlimited
	CompressionRatio  float64 `mapstructure:"compression_ratio"`   // fraction of the token limit that triggers compression
	FallbackModel     string  `mapstructure:"fallback_model"`      // switched to after persistent rate limiting; empty disables
	SkipLoopDetection bool    `mapstructure:"skip_loop_detection"`
	SkipNextSpeaker   bool    `mapstructure:"skip_next_speaker"`
}

// TelemetryConfig configures JSONL event recording.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Override default file location
}

// SessionsConfig configures persistent session storage.
type SessionsConfig struct {
	Path string `mapstructure:"path"` // Override default database location
}

// AgentsConfig configures agent definition loading.
type AgentsConfig struct {
	Dir string `mapstructure:"dir"` // Override default agents directory
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"` // Optional proxy endpoint
}

// ResponsesConfig configures a Create Response style backend.
type ResponsesConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	AccountID string `mapstructure:"account_id"` // Optional, sent as chatgpt-account-id
}

// VertexConfig configures Claude models served through Vertex AI.
type VertexConfig struct {
	Project string `mapstructure:"project"`
	Region  string `mapstructure:"region"`
	Model   string `mapstructure:"model"`
}

// OllamaConfig configures the Ollama provider (OpenAI-compatible)
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"` // Default: http://localhost:11434/v1
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"` // Optional, Ollama ignores it
}

// CompatConfig configures a generic OpenAI-compatible server
type CompatConfig struct {
	BaseURL string `mapstructure:"base_url"` // Required - no default
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"` // Optional
	Name    string `mapstructure:"name"`    // Display name
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	// Set defaults
	viper.SetDefault("provider", "gemini")
	viper.SetDefault("chat.max_session_turns", 0)
	viper.SetDefault("chat.session_token_limit", 0)
	viper.SetDefault("chat.compression_ratio", 0.7)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("gemini.model", "gemini-2.5-pro")
	viper.SetDefault("responses.base_url", "https://api.openai.com/v1/responses")
	viper.SetDefault("responses.model", "gpt-5-codex")
	viper.SetDefault("vertex.region", "us-east5")
	viper.SetDefault("vertex.model", "claude-sonnet-4-5")
	viper.SetDefault("ollama.base_url", "http://localhost:11434/v1")
	// openai-compat has no base_url default - it's required

	// Read config file (optional - won't error if missing)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveCredentials(&cfg)
	return &cfg, nil
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the global provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		switch c.Provider {
		case "gemini":
			c.Gemini.Model = model
		case "responses":
			c.Responses.Model = model
		case "vertex":
			c.Vertex.Model = model
		case "ollama":
			c.Ollama.Model = model
		case "openai-compat":
			c.Compat.Model = model
		}
	}
}

// ActiveModel returns the configured model for the active provider.
func (c *Config) ActiveModel() string {
	switch c.Provider {
	case "gemini":
		return c.Gemini.Model
	case "responses":
		return c.Responses.Model
	case "vertex":
		return c.Vertex.Model
	case "ollama":
		return c.Ollama.Model
	case "openai-compat":
		return c.Compat.Model
	}
	return ""
}

// resolveCredentials fills API keys from the environment where the config
// file leaves them empty, and expands $VAR references.
func resolveCredentials(cfg *Config) {
	cfg.Gemini.APIKey = expandEnv(cfg.Gemini.APIKey)
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	cfg.Gemini.BaseURL = expandEnv(cfg.Gemini.BaseURL)

	cfg.Responses.APIKey = expandEnv(cfg.Responses.APIKey)
	if cfg.Responses.APIKey == "" {
		cfg.Responses.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg.Vertex.Project = expandEnv(cfg.Vertex.Project)
	if cfg.Vertex.Project == "" {
		cfg.Vertex.Project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if region := os.Getenv("GOOGLE_CLOUD_REGION"); cfg.Vertex.Region == "" && region != "" {
		cfg.Vertex.Region = region
	}

	cfg.Ollama.APIKey = expandEnv(cfg.Ollama.APIKey)
	cfg.Ollama.BaseURL = expandEnv(cfg.Ollama.BaseURL)

	cfg.Compat.APIKey = expandEnv(cfg.Compat.APIKey)
	cfg.Compat.BaseURL = expandEnv(cfg.Compat.BaseURL)
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for relay.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "relay"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "relay"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory for relay.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "relay")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "relay-data") // fallback
	}
	return filepath.Join(homeDir, ".local", "share", "relay")
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes the config to disk
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`provider: %s

chat:
  # 0 means unlimited turns per session
  max_session_turns: %d
  compression_ratio: %.2f

telemetry:
  enabled: %t

gemini:
  model: %s
  # api_key: set here or via GEMINI_API_KEY

responses:
  base_url: %s
  model: %s

vertex:
  region: %s
  model: %s
  # project: set here or via GOOGLE_CLOUD_PROJECT
`, cfg.Provider, cfg.Chat.MaxSessionTurns, cfg.Chat.CompressionRatio, cfg.Telemetry.Enabled,
		cfg.Gemini.Model, cfg.Responses.BaseURL, cfg.Responses.Model, cfg.Vertex.Region, cfg.Vertex.Model)

	return os.WriteFile(path, []byte(content), 0600)
}
