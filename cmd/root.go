package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Multi-provider AI chat for the terminal",
	Long: `relay drives streaming conversations against Gemini, OpenAI Responses,
Claude on Vertex, Ollama and any OpenAI-compatible server, with tool
calls, automatic context compression and retry/fallback handling.

Examples:
  relay chat                              # interactive chat with the default provider
  relay chat --provider vertex            # chat with Claude on Vertex AI
  relay chat --model "gpt-5-codex(high)"  # model with reasoning effort
  relay models                            # show configured providers
  relay sessions                          # list saved sessions`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var (
	flagProvider string
	flagModel    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Provider to use (gemini, responses, vertex, ollama, openai-compat)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model override, optionally with effort suffix: model(low|medium|high)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration plus command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(flagProvider, flagModel)
	return cfg, nil
}

// openTelemetry returns the configured telemetry sink. Failures degrade
// to the no-op logger; telemetry never blocks a chat.
func openTelemetry(cfg *config.Config) (telemetry.Logger, func()) {
	if !cfg.Telemetry.Enabled {
		return telemetry.NopLogger{}, func() {}
	}
	path := cfg.Telemetry.Path
	if path == "" {
		var err error
		path, err = telemetry.DefaultPath()
		if err != nil {
			return telemetry.NopLogger{}, func() {}
		}
	}
	logger, err := telemetry.NewFileLogger(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: telemetry disabled: %v\n", err)
		return telemetry.NopLogger{}, func() {}
	}
	return logger, func() { logger.Close() }
}

// openSessionStore returns the session store at its configured or
// default location.
func openSessionStore(cfg *config.Config) (session.Store, error) {
	path := cfg.Sessions.Path
	if path == "" {
		path = filepath.Join(config.GetDataDir(), "sessions.db")
	}
	return session.NewStore(session.DefaultConfig(), path)
}

// providerLabel names the generator for display.
func providerLabel(gen llm.ContentGenerator) string {
	return fmt.Sprintf("%s (%s)", gen.Name(), gen.Kind())
}
