package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/leadchat/internal/composer"
	"github.com/kalambet/leadchat/internal/config"
	"github.com/kalambet/leadchat/internal/intent"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
	"github.com/kalambet/leadchat/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Generate leads for a prompt",
	Long: `Generate leads for a natural-language prompt and print them.

Examples:
  leadchat ask "generate 20 leads of plumbers in Texas"
  leadchat ask --source scraper "dentists in Austin"
  leadchat ask --conversation team-1 --max 100 "roofers in Denver"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		source, _ := cmd.Flags().GetString("source")
		maxResults, _ := cmd.Flags().GetInt("max")
		id, _ := cmd.Flags().GetString("conversation")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		req, err := cfg.RequestDefaults().Build(prompt, source, maxResults)
		if err != nil {
			return err
		}
		if id == "" {
			id = uuid.NewString()
		}

		return withConversation(cmd.Context(), cfg, id, func(ctx context.Context, c *session.Controller) error {
			if err := c.Start(req); err != nil {
				return err
			}
			if !asJSON {
				printStep("%s", searchLine(req))
			}
			out, err := c.Wait(ctx)
			if err != nil {
				return err
			}
			return reportOutcome(os.Stdout, id, out, asJSON)
		})
	},
}

// searchLine restates what the prompt asks for before the search runs.
func searchLine(req lead.AcquisitionRequest) string {
	return fmt.Sprintf("Searching %s for %s (up to %d)...", req.Source, intent.Parse(req.Prompt).Describe(), req.MaxResults)
}

func init() {
	askCmd.Flags().String("source", "", "lead source: apify, apollo or scraper (default from config)")
	askCmd.Flags().Int("max", 0, "maximum number of leads (default derived from the prompt)")
	askCmd.Flags().String("conversation", "", "conversation id (default: a new one)")
	askCmd.Flags().Bool("json", false, "print the outcome as JSON")
}

// --- resume ---

var resumeCmd = &cobra.Command{
	Use:   "resume <conversation> <token>",
	Short: "Submit a verification token and finish a paused search",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, proof := args[0], args[1]
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}

		return withConversation(cmd.Context(), cfg, id, func(ctx context.Context, c *session.Controller) error {
			if err := c.Resume(proof); err != nil {
				return err
			}
			out, err := c.Wait(ctx)
			if err != nil {
				return err
			}
			return reportOutcome(os.Stdout, id, out, asJSON)
		})
	},
}

func init() {
	resumeCmd.Flags().Bool("json", false, "print the outcome as JSON")
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <conversation>",
	Short: "Discard the pending verification of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		return withConversation(cmd.Context(), cfg, args[0], func(_ context.Context, c *session.Controller) error {
			if err := c.Cancel(); err != nil {
				return err
			}
			printSuccess("Verification for %s cancelled", args[0])
			return nil
		})
	},
}

// withConversation runs fn against the controller of id in a fresh runtime.
// A challenge left pending by an earlier run is restored first. Interrupts
// cancel ctx.
func withConversation(parent context.Context, cfg config.Config, id string, fn func(context.Context, *session.Controller) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress := &progressPrinter{}
	rt, err := openRuntime(cfg, func(string) session.Listener { return progress.listener() })
	if err != nil {
		return err
	}
	defer rt.Close()

	c, err := rt.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	err = fn(ctx, c)
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted")
	}
	return err
}

// outcomeView is the JSON rendering of a finished turn.
type outcomeView struct {
	ConversationID string                 `json:"conversationId"`
	State          lead.SessionState      `json:"state"`
	Reply          string                 `json:"reply"`
	Records        []lead.Record          `json:"records,omitempty"`
	Challenge      *lead.ChallengeContext `json:"challenge,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// reportOutcome prints the reply for out. A failed turn is returned as an
// error carrying the failure text.
func reportOutcome(w io.Writer, id string, out session.Outcome, asJSON bool) error {
	view := outcomeView{
		ConversationID: id,
		State:          out.State,
		Records:        out.Records,
		Challenge:      out.Challenge,
	}
	switch out.State {
	case lead.StateCompleted:
		view.Reply = composer.Reply(out.Request.Prompt, out.Request.Source, out.Records)
	case lead.StateAwaitingChallenge:
		if out.Challenge != nil {
			view.Reply = composer.Challenge(*out.Challenge)
		}
	case lead.StateFailed:
		view.Reply = composer.Failure(out.Message)
		view.Error = out.Message
	default:
		view.Reply = fmt.Sprintf("Search ended without a result (%s).", out.Message)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			return err
		}
		if out.State == lead.StateFailed {
			return errors.New(view.Reply)
		}
		return nil
	}

	switch out.State {
	case lead.StateCompleted:
		fmt.Fprintln(w, view.Reply)
	case lead.StateAwaitingChallenge:
		printWarning("%s", view.Reply)
		if out.Challenge != nil {
			printStatus("Conversation", "%s", id)
			printStatus("Session", "%s", out.Challenge.SessionID)
			printStatus("Site key", "%s", out.Challenge.ChallengeSiteKey)
		}
		printStep("Run: leadchat resume %s <token>", id)
	case lead.StateFailed:
		return errors.New(view.Reply)
	default:
		printWarning("%s", view.Reply)
	}
	return nil
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Browse the session journal",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		conversation, _ := cmd.Flags().GetString("conversation")

		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		sessions, err := store.ListSessions(conversation, limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		printSessions(os.Stdout, sessions)
		return nil
	},
}

func printSessions(w io.Writer, sessions []storage.SessionRecord) {
	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s  %s  %-8s %-10s %4d  %s\n",
			colorize(colorCyan, id),
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Source,
			s.Outcome,
			s.Records,
			truncate(s.Prompt, 60),
		)
	}
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		rec, err := store.GetSession(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
		if err != nil {
			return err
		}
		records, err := store.GetRecords(rec.ID)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"session": rec, "records": records})
		}
		printSession(os.Stdout, rec, records)
		return nil
	},
}

func printSession(w io.Writer, rec storage.SessionRecord, records []lead.Record) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Session"), rec.ID)
	fmt.Fprintf(w, "  Conversation: %s\n", rec.ConversationID)
	fmt.Fprintf(w, "  Prompt:       %s\n", rec.Prompt)
	fmt.Fprintf(w, "  Source:       %s (max %d)\n", rec.Source, rec.MaxResults)
	fmt.Fprintf(w, "  Transport:    %s\n", rec.Transport)
	fmt.Fprintf(w, "  Outcome:      %s\n", rec.Outcome)
	if rec.Message != "" {
		fmt.Fprintf(w, "  Message:      %s\n", rec.Message)
	}
	fmt.Fprintf(w, "  Started:      %s\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if !rec.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Finished:     %s\n", rec.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(records) == 0 {
		return
	}
	fmt.Fprintln(w)
	for i, r := range records {
		fmt.Fprintln(w, composer.Line(i+1, r))
	}
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsListCmd.Flags().String("conversation", "", "only sessions of this conversation")
	sessionsShowCmd.Flags().Bool("json", false, "print as JSON")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
