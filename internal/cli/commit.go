package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "changes",
		Short: "Count the pending changes of the edit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				n, err := c.broker.TransChanges(ctx)
				if err != nil {
					return err
				}
				return c.out.Emit(map[string]int{"changes": n}, func(w io.Writer) {
					fmt.Fprintf(w, "%d pending changes\n", n)
				})
			})
		},
	}
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Validate and commit the edit",
		Long: `Validate the edit transaction and commit it.

A validation failure exits with code 4 and leaves the edit in place for
review; nothing is committed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				if err := c.broker.Apply(ctx); err != nil {
					return err
				}
				return c.out.Success("applied")
			})
		},
	}
}

// NewRevertCommand creates the revert command.
func NewRevertCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revert",
		Short: "Discard the edit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				if err := c.broker.Revert(ctx); err != nil {
					return err
				}
				return c.out.Success("reverted")
			})
		},
	}
}

func unmarshalJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
