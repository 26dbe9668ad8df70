package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // YAML config file; falls back to $CONFBROKER_CONFIG
	BaseURL string // overrides base_url
	Journal string // overrides journal
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the confbroker CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "confbroker",
		Short: "confbroker - configuration datastore broker",
		Long: `A client for a JSON-RPC configuration datastore.

Reads and writes go through the datastore's transactions, the same way the
web UI drives them: one read transaction and one edit transaction per scope,
validate before commit, live queries patched from the comet channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (default $CONFBROKER_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "datastore web server, e.g. http://localhost:8080")
	cmd.PersistentFlags().StringVar(&opts.Journal, "journal", "", "SQLite journal of every call")

	// Add subcommands
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewActionCommand(opts))
	cmd.AddCommand(NewChangesCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewRevertCommand(opts))
	cmd.AddCommand(NewSettingCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are reported on stdout as a JSON response when --format json is given,
// otherwise on stderr.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	code := GetExitCode(err)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		// cobra's own errors: unknown command, bad flag, wrong arg count.
		code = ExitCommandError
	}

	formatter := &OutputFormatter{Format: "text", Writer: stderr}
	if slices.Contains(args, "--format=json") || formatJSONArg(args) {
		formatter = &OutputFormatter{Format: "json", Writer: stdout}
	}
	_ = formatter.Error(code, err.Error(), nil)
	return code
}

func formatJSONArg(args []string) bool {
	for i, a := range args {
		if a == "--format" && i+1 < len(args) && args[i+1] == "json" {
			return true
		}
	}
	return false
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
