package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/agents"
	"github.com/relaykit/relay/internal/chat"
	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/tools"
)

var (
	chatAgent  string
	chatResume bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat session",
	Long: `Start an interactive chat session with the configured provider.

Slash commands inside the session:
  /compress   force context compression now
  /model      show the active model
  /new        start a fresh conversation
  /quit       exit

Examples:
  relay chat
  relay chat --resume                  # continue the last session
  relay chat --agent reviewer          # use the reviewer agent's system prompt`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatAgent, "agent", "a", "", "Agent to use for this session")
	chatCmd.Flags().BoolVarP(&chatResume, "resume", "r", false, "Resume the most recent session")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLogger := openTelemetry(cfg)
	defer closeLogger()

	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	agentRegistry := agents.NewRegistry(agentSearchPaths(cfg)...)
	systemInstruction := ""
	if chatAgent != "" {
		agent, err := agentRegistry.Get(chatAgent)
		if err != nil {
			return err
		}
		systemInstruction = agent.SystemPrompt
		if agent.Provider != "" || agent.Model != "" {
			cfg.ApplyOverrides(agent.Provider, agent.Model)
		}
	}

	rec, history, err := resumeOrCreate(ctx, cfg, store)
	if err != nil {
		return err
	}

	// After persistent rate limiting the retry layer asks for an
	// alternate model; the orchestrator must learn about the switch so
	// it stops continuing on the old one.
	var orch *chat.Orchestrator
	fallback := newFallbackHandler(cfg, func(model string) {
		if orch != nil {
			orch.SetModel(model)
		}
	})

	generator, err := llm.NewGenerator(ctx, cfg, logger, rec.ID, fallback)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	cwd, _ := os.Getwd()
	registry.Register(&tools.ReadFileTool{Root: cwd})
	registry.Register(&tools.ListDirectoryTool{Root: cwd})

	sess := chat.NewSession(history)
	orch = chat.NewOrchestrator(generator, sess, registry, logger, chat.OrchestratorConfig{
		Model:             cfg.ActiveModel(),
		SystemInstruction: systemInstruction,
		MaxSessionTurns:   cfg.Chat.MaxSessionTurns,
		SessionTokenLimit: cfg.Chat.SessionTokenLimit,
		CompressionRatio:  cfg.Chat.CompressionRatio,
		SkipLoopDetection: cfg.Chat.SkipLoopDetection,
		SkipNextSpeaker:   cfg.Chat.SkipNextSpeaker,
		AgentNames:        agentRegistry.CustomNames,
	})

	fmt.Printf("relay chat - %s, model %s\n", providerLabel(generator), orch.Model())
	fmt.Println("Type /quit to exit.")

	return chatLoop(ctx, orch, store, rec)
}

// newFallbackHandler builds the persistent-rate-limit fallback: it
// switches to the configured fallback model and notifies the
// orchestrator through setModel.
func newFallbackHandler(cfg *config.Config, setModel func(string)) llm.FallbackHandler {
	return func(current string, err error) (string, bool) {
		target := cfg.Chat.FallbackModel
		if target == "" || target == current {
			return "", false
		}
		fmt.Fprintf(os.Stderr, "\n[rate limited on %s, switching to %s]\n", current, target)
		setModel(target)
		return target, true
	}
}

// agentSearchPaths returns the agent directories in priority order:
// project-local first, then the configured or default user directory.
func agentSearchPaths(cfg *config.Config) []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "relay-agents"))
	}
	if cfg.Agents.Dir != "" {
		paths = append(paths, cfg.Agents.Dir)
	} else if dir, err := config.GetConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "agents"))
	}
	return paths
}

// resumeOrCreate resumes the current session when --resume is set and
// one exists, otherwise starts a fresh record.
func resumeOrCreate(ctx context.Context, cfg *config.Config, store session.Store) (*session.Record, []llm.Content, error) {
	if chatResume {
		rec, err := store.GetCurrent(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load current session: %w", err)
		}
		if rec != nil {
			stored, err := store.History(ctx, rec.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("load session history: %w", err)
			}
			history := make([]llm.Content, 0, len(stored))
			for _, m := range stored {
				history = append(history, m.ToContent())
			}
			fmt.Printf("Resumed session %s (%d messages)\n", rec.ID[:8], len(history))
			return rec, history, nil
		}
		fmt.Println("No session to resume, starting fresh.")
	}

	cwd, _ := os.Getwd()
	rec := &session.Record{
		Provider: cfg.Provider,
		Model:    cfg.ActiveModel(),
		Agent:    chatAgent,
		CWD:      cwd,
	}
	if err := store.Create(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	if err := store.SetCurrent(ctx, rec.ID); err != nil {
		return nil, nil, fmt.Errorf("mark current session: %w", err)
	}
	return rec, nil, nil
}

func chatLoop(ctx context.Context, orch *chat.Orchestrator, store session.Store, rec *session.Record) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := handleSlashCommand(ctx, orch, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			if done {
				break
			}
			continue
		}

		seen := len(orch.Session().History(false))
		if err := streamPrompt(ctx, orch, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		persistNewTurns(ctx, store, rec, orch, seen)
	}

	if err := store.UpdateStatus(context.Background(), rec.ID, session.StatusComplete); err == nil {
		_ = store.ClearCurrent(context.Background())
	}
	return nil
}

// streamPrompt runs one prompt and renders its events.
func streamPrompt(ctx context.Context, orch *chat.Orchestrator, text string) error {
	stream := orch.SendMessageStream(ctx, text, "")
	defer stream.Close()

	var totalUsage llm.Usage
	inThought := false
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch event.Type {
		case llm.EventContent:
			if event.Thought {
				if !inThought {
					fmt.Print("\n[thinking] ")
					inThought = true
				}
				continue
			}
			if inThought {
				fmt.Println()
				inThought = false
			}
			fmt.Print(event.Text)
		case llm.EventToolCall:
			if event.Call != nil {
				fmt.Printf("\n[tool] %s %s\n", event.Call.Name, string(event.Call.Args))
			}
		case llm.EventRetry:
			fmt.Printf("\n[retry %d/%d, waiting %.1fs]\n",
				event.RetryAttempt, event.RetryMaxAttempts, event.RetryWaitSecs)
		case llm.EventUsage:
			if event.Usage != nil {
				totalUsage.PromptTokens += event.Usage.PromptTokens
				totalUsage.CandidatesTokens += event.Usage.CandidatesTokens
			}
		case llm.EventError:
			return event.Err
		}
	}
	fmt.Println()
	if totalUsage.PromptTokens > 0 || totalUsage.CandidatesTokens > 0 {
		fmt.Printf("[%d in / %d out tokens]\n", totalUsage.PromptTokens, totalUsage.CandidatesTokens)
	}
	return nil
}

// persistNewTurns saves everything the prompt appended to history.
func persistNewTurns(ctx context.Context, store session.Store, rec *session.Record, orch *chat.Orchestrator, seen int) {
	history := orch.Session().History(false)
	for _, c := range history[seen:] {
		msg := session.NewStoredContent(rec.ID, c, -1)
		if err := store.AddContent(ctx, rec.ID, msg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to save turn: %v\n", err)
			return
		}
	}
	if rec.Summary == "" && len(history) > 0 {
		rec.Summary = session.TruncateSummary(firstUserText(history))
		_ = store.Update(ctx, rec)
	}
}

func firstUserText(history []llm.Content) string {
	for _, c := range history {
		if c.Role != llm.RoleUser {
			continue
		}
		for _, p := range c.Parts {
			if p.Type == llm.PartText && p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}

// handleSlashCommand runs one command; returns true when the session
// should end.
func handleSlashCommand(ctx context.Context, orch *chat.Orchestrator, line string) (bool, error) {
	switch cmd := strings.Fields(line)[0]; cmd {
	case "/quit", "/exit":
		return true, nil
	case "/model":
		fmt.Printf("model: %s\n", orch.Model())
		return false, nil
	case "/new":
		orch.Session().SetHistory(nil)
		fmt.Println("started a fresh conversation")
		return false, nil
	case "/compress":
		info, err := orch.TryCompress(ctx, "", true)
		if err != nil {
			return false, err
		}
		fmt.Printf("compression: %s (%d -> %d tokens)\n",
			info.Status, info.OriginalTokenCount, info.NewTokenCount)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}
