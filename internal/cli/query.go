package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/confbroker/internal/broker"
	"github.com/roach88/confbroker/internal/cache"
)

// QueryOptions holds flags for the query and watch commands.
type QueryOptions struct {
	*RootOptions
	Selection []string
	LeafList  bool
	Updates   int // watch only: stop after this many changes (0 = until interrupted)
}

func (o *QueryOptions) query(xpath string, live bool) broker.Query {
	return broker.Query{
		XPath:     xpath,
		Selection: o.Selection,
		LeafList:  o.LeafList,
		Live:      live,
	}
}

func addQueryFlags(cmd *cobra.Command, opts *QueryOptions) {
	cmd.Flags().StringSliceVar(&opts.Selection, "select", nil, "selection path expressions, first one names the record (required)")
	_ = cmd.MarkFlagRequired("select")
	cmd.Flags().BoolVar(&opts.LeafList, "leaf-list", false, "xpath selects leaf-list items")
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <xpath>",
		Short: "Select fields of the nodes an XPath matches",
		Long: `Run a query and print one record per matched node.

Each --select expression becomes a field. The first field is "name";
"../name" becomes "parentName"; other expressions are camel-cased.

Example:
  confbroker query /ncs:devices/device --select name,address,../name`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				lease, records, err := c.broker.Query(ctx, opts.query(args[0], false))
				if err != nil {
					return err
				}
				defer lease.Release()
				return emitRecords(c.out, records)
			})
		},
	}
	addQueryFlags(cmd, opts)

	return cmd
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <xpath>",
		Short: "Run a live query and print it on every change",
		Long: `Run a query, subscribe it on the comet channel and print the records
again each time a pushed change patches them. Runs until interrupted.

With --format json every print is one line.

Example:
  confbroker watch /ncs:devices/device --select name,state/admin-state`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			cmd.SetContext(ctx)
			return withClient(rootOpts, cmd, func(ctx context.Context, c *client) error {
				return watch(ctx, c, opts, args[0])
			})
		},
	}
	addQueryFlags(cmd, opts)
	cmd.Flags().IntVar(&opts.Updates, "updates", 0, "exit after this many changes")

	return cmd
}

func watch(ctx context.Context, c *client, opts *QueryOptions, xpath string) error {
	changed := make(chan struct{}, 1)
	c.broker.Cache().OnChange(func(key string) {
		if key != xpath {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	lease, records, err := c.broker.Query(ctx, opts.query(xpath, true))
	if err != nil {
		return err
	}
	defer lease.Release()
	if err := emitRecords(c.out, records); err != nil {
		return err
	}
	last := fingerprint(records)

	notifications := c.broker.Notifications()
	updates := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notifications.Done():
			return notifications.Err()
		case <-changed:
		}

		records := lease.Records()
		current := fingerprint(records)
		if bytes.Equal(current, last) {
			continue
		}
		last = current
		c.out.VerboseLog("%s changed", xpath)
		if err := emitRecords(c.out, records); err != nil {
			return err
		}
		updates++
		if opts.Updates > 0 && updates >= opts.Updates {
			return nil
		}
	}
}

func fingerprint(records []cache.Record) []byte {
	raw, _ := json.Marshal(records)
	return raw
}

func emitRecords(out *OutputFormatter, records []cache.Record) error {
	return out.Emit(records, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintln(w, "(no records)")
			return
		}
		for _, r := range records {
			writeRecord(w, r)
		}
		fmt.Fprintln(w)
	})
}

func writeRecord(w io.Writer, r cache.Record) {
	if r.Keypath != "" {
		fmt.Fprintln(w, r.Keypath)
	} else {
		fmt.Fprintln(w, "-")
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, formatValue(r.Fields[name]))
	}
}
