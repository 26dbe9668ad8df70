package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/confbroker/internal/config"
	"github.com/roach88/confbroker/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Session       string
	Method        string
	Limit         int
	Notifications bool
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Journal       string                 `json:"journal"`
	Calls         []journal.Call         `json:"calls"`
	Notifications []journal.Notification `json:"notifications,omitempty"`
	Stats         TraceStats             `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Calls         int            `json:"calls"`
	Failed        int            `json:"failed"`
	Outcomes      map[string]int `json:"outcomes"`
	Sessions      int            `json:"sessions"`
	Notifications int            `json:"notifications"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print the call journal",
		Long: `Print the calls recorded in a journal, oldest first.

The journal is the --journal flag, or the journal field of the config file.
Every call shows its request id, method, canonical params, duration and
outcome (ok, or the kind of error the datastore returned).

Examples:
  confbroker trace --journal ./broker.db
  confbroker trace --journal ./broker.db --method query --limit 20
  confbroker trace --journal ./broker.db --notifications --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "only this journal session")
	cmd.Flags().StringVar(&opts.Method, "method", "", "only calls of this method")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "only the most recent n rows")
	cmd.Flags().BoolVar(&opts.Notifications, "notifications", false, "also print pushed notifications")

	return cmd
}

// journalPath returns --journal, or the journal named by the config file.
func journalPath(opts *RootOptions) (string, error) {
	if opts.Journal != "" {
		return opts.Journal, nil
	}
	if path := os.Getenv(config.EnvConfig); opts.Config != "" || path != "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return "", err
		}
		if cfg.Journal != "" {
			return cfg.Journal, nil
		}
	}
	return "", NewExitError(ExitCommandError, "no journal: pass --journal or set journal in the config file")
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	path, err := journalPath(opts.RootOptions)
	if err != nil {
		return err
	}
	// Open would create an empty journal.
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}

	j, err := journal.Open(path, newLogger(cmd.ErrOrStderr(), opts.Verbose))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	result, err := readTrace(ctx, j, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	result.Journal = path

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

func readTrace(ctx context.Context, j *journal.Journal, opts *TraceOptions) (TraceResult, error) {
	filter := journal.Filter{SessionID: opts.Session, Method: opts.Method, Limit: opts.Limit}

	calls, err := j.Calls(ctx, filter)
	if err != nil {
		return TraceResult{}, err
	}
	result := TraceResult{
		Calls: calls,
		Stats: TraceStats{Calls: len(calls), Outcomes: make(map[string]int)},
	}

	sessions := make(map[string]bool)
	for _, c := range calls {
		result.Stats.Outcomes[c.Outcome]++
		if c.Outcome != journal.OutcomeOK {
			result.Stats.Failed++
		}
		sessions[c.SessionID] = true
	}
	result.Stats.Sessions = len(sessions)

	if opts.Notifications {
		result.Notifications, err = j.Notifications(ctx, filter)
		if err != nil {
			return TraceResult{}, err
		}
		result.Stats.Notifications = len(result.Notifications)
	}
	return result, nil
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Journal: %s\n", result.Journal)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Calls ===")
	if len(result.Calls) == 0 {
		fmt.Fprintln(w, "  (no calls)")
	}
	for _, c := range result.Calls {
		formatCall(w, c, verbose)
	}
	fmt.Fprintln(w)

	if len(result.Notifications) > 0 {
		fmt.Fprintln(w, "=== Notifications ===")
		for _, n := range result.Notifications {
			fmt.Fprintf(w, "  [%d] %s %s %s\n", n.Seq, n.Operation, n.Keypath, n.Value)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Calls:    %d\n", result.Stats.Calls)
	fmt.Fprintf(w, "  Failed:   %d\n", result.Stats.Failed)
	fmt.Fprintf(w, "  Sessions: %d\n", result.Stats.Sessions)
	if result.Stats.Notifications > 0 {
		fmt.Fprintf(w, "  Notifications: %d\n", result.Stats.Notifications)
	}

	return nil
}

// formatCall formats a single call for text output.
func formatCall(w io.Writer, c journal.Call, verbose bool) {
	fmt.Fprintf(w, "  [%d] #%d %s %s (%s)\n", c.Seq, c.RequestID, c.Method, c.Outcome, c.Duration)
	if c.Message != "" {
		fmt.Fprintf(w, "       Message: %s\n", c.Message)
	}
	if verbose {
		fmt.Fprintf(w, "       Params: %s\n", c.Params)
		fmt.Fprintf(w, "       Session: %s\n", truncateID(c.SessionID))
	}
}

// truncateID shortens long ids for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
