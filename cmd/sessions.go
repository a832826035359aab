package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/llm"
	"github.com/relaykit/relay/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved chat sessions",
	Long: `List, search, show and delete saved chat sessions.

Examples:
  relay sessions                     # list recent sessions
  relay sessions search "deadlock"
  relay sessions show <id>
  relay sessions delete <id>`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search session messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsSearch,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsSearchCmd, sessionsShowCmd, sessionsDeleteCmd)
}

func withSessionStore(fn func(ctx context.Context, store session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withSessionStore(func(ctx context.Context, store session.Store) error {
		summaries, err := store.List(ctx, session.ListOptions{})
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No saved sessions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUPDATED\tPROVIDER\tMODEL\tMSGS\tTOKENS\tSUMMARY")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
				shortID(s.ID), s.UpdatedAt.Format("2006-01-02 15:04"),
				s.Provider, s.Model, s.MessageCount,
				s.InputTokens, s.OutputTokens, s.Summary)
		}
		return w.Flush()
	})
}

func runSessionsSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return withSessionStore(func(ctx context.Context, store session.Store) error {
		results, err := store.Search(ctx, query, 20)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, r := range results {
			name := r.SessionName
			if name == "" {
				name = r.Summary
			}
			fmt.Printf("%s  %s\n    %s\n", shortID(r.SessionID), name, r.Snippet)
		}
		return nil
	})
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	return withSessionStore(func(ctx context.Context, store session.Store) error {
		rec, err := resolveSession(ctx, store, args[0])
		if err != nil {
			return err
		}
		history, err := store.History(ctx, rec.ID)
		if err != nil {
			return err
		}

		fmt.Printf("Session %s - %s / %s, %s\n\n", rec.ID, rec.Provider, rec.Model,
			rec.CreatedAt.Format("2006-01-02 15:04"))
		for _, msg := range history {
			fmt.Printf("[%s]\n", msg.Role)
			for _, p := range msg.Parts {
				switch p.Type {
				case llm.PartText:
					if p.Thought {
						continue
					}
					fmt.Println(p.Text)
				case llm.PartFunctionCall:
					fmt.Printf("  tool call: %s %s\n", p.FunctionCall.Name, string(p.FunctionCall.Args))
				case llm.PartFunctionResponse:
					fmt.Printf("  tool result: %s\n", p.FunctionResponse.Name)
				}
			}
			fmt.Println()
		}
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withSessionStore(func(ctx context.Context, store session.Store) error {
		rec, err := resolveSession(ctx, store, args[0])
		if err != nil {
			return err
		}
		if err := store.Delete(ctx, rec.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", shortID(rec.ID))
		return nil
	})
}

// resolveSession accepts a full id or an unambiguous prefix.
func resolveSession(ctx context.Context, store session.Store, id string) (*session.Record, error) {
	rec, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	summaries, err := store.List(ctx, session.ListOptions{Limit: 1000})
	if err != nil {
		return nil, err
	}
	var match *session.Record
	for _, s := range summaries {
		if strings.HasPrefix(s.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous session id prefix: %s", id)
			}
			full, err := store.Get(ctx, s.ID)
			if err != nil {
				return nil, err
			}
			match = full
		}
	}
	if match == nil {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
