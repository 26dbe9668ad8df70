package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/confbroker/internal/broker"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <keypath>",
		Short: "Read one leaf",
		Long: `Read the value of the leaf at keypath inside the read transaction.

A node that no longer exists prints null.

Example:
  confbroker get '/ncs:devices/device{ce0}/address'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				value, err := c.broker.GetValue(ctx, args[0])
				if err != nil {
					return err
				}
				return c.out.Emit(map[string]any{"keypath": args[0], "value": value}, func(w io.Writer) {
					fmt.Fprintln(w, formatValue(value))
				})
			})
		},
	}
}

// SetOptions holds flags for the set command.
type SetOptions struct {
	*RootOptions
	Scope string
	JSON  bool
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <keypath> <leaf> <value>",
		Short: "Write one leaf in the edit transaction",
		Long: `Write a leaf of the node at keypath. The write lands in the main edit
transaction (created on demand) unless --scope names an action scope.

Examples:
  confbroker set '/ncs:devices/device{ce0}' address 10.0.0.1
  confbroker set '/ncs:devices/device{ce0}' port 830 --json
  confbroker set '' port 22 --scope '/ncs:devices/device{ce0}/connect'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any = args[2]
			if opts.JSON {
				if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
					return WrapExitError(ExitCommandError, "invalid JSON value", err)
				}
			}
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				err := c.broker.SetValue(ctx, broker.SetValueRequest{
					Keypath: args[0],
					Leaf:    args[1],
					Value:   value,
					Scope:   opts.Scope,
				})
				if err != nil {
					return err
				}
				return c.out.Success("ok")
			})
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "", "action scope to write in")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "parse value as JSON")

	return cmd
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <keypath> [name]",
		Short: "Create a list entry or presence container",
		Long: `Create the list entry name under keypath, or the presence container at
keypath when no name is given.

Example:
  confbroker create /ncs:devices/device ce9`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 2 {
				name = args[1]
			}
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				if err := c.broker.Create(ctx, args[0], name, nil); err != nil {
					return err
				}
				return c.out.Success("ok")
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <keypath>",
		Short: "Delete a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				if err := c.broker.DeletePath(ctx, args[0]); err != nil {
					return err
				}
				return c.out.Success("ok")
			})
		},
	}
}

// formatValue renders a decoded JSON value on one line. Strings are
// printed bare.
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
