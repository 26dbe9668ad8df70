package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/confbroker/internal/broker"
	"github.com/roach88/confbroker/internal/trans"
)

// ActionOptions holds flags for the action command.
type ActionOptions struct {
	*RootOptions
	Write bool
	Scope string
}

// NewActionCommand creates the action command.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "action <path> [param=value...]",
		Short: "Invoke an action",
		Long: `Invoke the action at path with the given parameters.

Actions run in the read transaction unless --write is given. --scope runs
the action in a transaction of its own, created with that action path.
A result made of name/value pairs is printed as a map.

Examples:
  confbroker action '/ncs:devices/device{ce0}/ping'
  confbroker action /ncs:devices/sync-from device=ce0 --write`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid action parameters", err)
			}
			req := broker.ActionRequest{Path: args[0], Params: params, Scope: opts.Scope}
			if opts.Write {
				req.Type = trans.TypeReadWrite
			}
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				result, err := c.broker.Action(ctx, req)
				if err != nil {
					return err
				}
				return c.out.Emit(result, func(w io.Writer) {
					writeResult(w, result)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Write, "write", false, "run in the edit transaction")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "action scope transaction")

	return cmd
}

// parseParams turns name=value arguments into action parameters. No
// arguments yields nil so that no params object is sent.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q is not name=value", arg)
		}
		params[name] = value
	}
	return params, nil
}

func writeResult(w io.Writer, result any) {
	m, ok := result.(map[string]any)
	if !ok {
		fmt.Fprintln(w, formatValue(result))
		return
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, formatValue(m[name]))
	}
}

// NewSettingCommand creates the setting command.
func NewSettingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setting <operation>",
		Short: "Read a system setting",
		Long: `Read a system setting, e.g. "version", "capabilities" or "user".

Example:
  confbroker setting version`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				raw, err := c.broker.SystemSetting(ctx, args[0])
				if err != nil {
					return err
				}
				var value any
				if len(raw) > 0 {
					if err := unmarshalJSON(raw, &value); err != nil {
						return err
					}
				}
				return c.out.Emit(value, func(w io.Writer) {
					fmt.Fprintln(w, formatValue(value))
				})
			})
		},
	}
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the datastore login session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				if err := c.broker.Logout(ctx); err != nil {
					return err
				}
				return c.out.Success("logged out")
			})
		},
	}
}
