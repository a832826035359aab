package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
	Long: `Show the resolved configuration, or write a starter config file.

Examples:
  relay config          # show resolved settings
  relay config init     # write ~/.config/relay/config.yaml`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path, _ := config.GetConfigPath()
	if config.Exists() {
		fmt.Printf("config file: %s\n\n", path)
	} else {
		fmt.Printf("no config file (would be %s); using defaults\n\n", path)
	}

	fmt.Printf("provider: %s\n", cfg.Provider)
	fmt.Printf("model: %s\n", cfg.ActiveModel())
	fmt.Printf("max session turns: %d\n", cfg.Chat.MaxSessionTurns)
	fmt.Printf("session token limit: %d\n", cfg.Chat.SessionTokenLimit)
	fmt.Printf("compression ratio: %.2f\n", cfg.Chat.CompressionRatio)
	if cfg.Chat.FallbackModel != "" {
		fmt.Printf("fallback model: %s\n", cfg.Chat.FallbackModel)
	}
	fmt.Printf("telemetry enabled: %t\n", cfg.Telemetry.Enabled)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if config.Exists() {
		path, _ := config.GetConfigPath()
		return fmt.Errorf("config already exists at %s", path)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return err
	}
	path, _ := config.GetConfigPath()
	fmt.Printf("Wrote %s\n", path)
	return nil
}
