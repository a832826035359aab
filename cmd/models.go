package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/llm"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show configured providers and their models",
	Long: `Show each provider, its configured model and context window, and
whether credentials are present.

Examples:
  relay models
  relay models --json`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

type providerInfo struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	TokenLimit int    `json:"token_limit"`
	Configured bool   `json:"configured"`
	Active     bool   `json:"active"`
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	infos := collectProviderInfo(cfg)

	if modelsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\tCONFIGURED\tACTIVE")
	for _, info := range infos {
		active := ""
		if info.Active {
			active = "*"
		}
		configured := "no"
		if info.Configured {
			configured = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			info.Provider, info.Model, info.TokenLimit, configured, active)
	}
	return w.Flush()
}

func collectProviderInfo(cfg *config.Config) []providerInfo {
	var infos []providerInfo
	for _, name := range llm.BuiltInProviderNames() {
		info := providerInfo{Provider: name, Active: name == cfg.Provider}
		switch name {
		case "gemini":
			info.Model = cfg.Gemini.Model
			info.Configured = cfg.Gemini.APIKey != ""
		case "responses":
			info.Model = cfg.Responses.Model
			info.Configured = cfg.Responses.APIKey != ""
		case "vertex":
			info.Model = cfg.Vertex.Model
			info.Configured = cfg.Vertex.Project != ""
		case "ollama":
			info.Model = cfg.Ollama.Model
			info.Configured = cfg.Ollama.BaseURL != ""
		case "openai-compat":
			info.Model = cfg.Compat.Model
			info.Configured = cfg.Compat.BaseURL != ""
		}
		base, _ := llm.ParseModelEffort(info.Model)
		info.TokenLimit = llm.TokenLimitForModel(base)
		infos = append(infos, info)
	}
	return infos
}
