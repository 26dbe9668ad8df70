package cli

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/confbroker/internal/broker"
	"github.com/roach88/confbroker/internal/comet"
	"github.com/roach88/confbroker/internal/config"
	"github.com/roach88/confbroker/internal/journal"
	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
)

// closeTimeout bounds the unsubscribes sent when a command finishes.
const closeTimeout = 5 * time.Second

// client is one command's connection to the datastore.
type client struct {
	broker  *broker.Broker
	journal *journal.Journal
	out     *OutputFormatter
	logger  *slog.Logger
}

// loadConfig reads the config file named by --config or $CONFBROKER_CONFIG
// with the global flags applied on top.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(config.Path(opts.Config), map[string]string{
		"base_url": opts.BaseURL,
		"journal":  opts.Journal,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openClient builds a broker from the configuration. The caller must Close
// the client.
func openClient(opts *RootOptions, cmd *cobra.Command) (*client, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	c := &client{out: newFormatter(opts, cmd), logger: logger}

	var calls rpc.Observer
	var notifications comet.Observer
	if cfg.Journal != "" {
		c.journal, err = journal.Open(cfg.Journal, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		calls, notifications = c.journal, c.journal
		c.out.VerboseLog("journal %s session %s", cfg.Journal, c.journal.SessionID())
	}

	transport, err := rpc.New(rpc.Config{
		BaseURL:  cfg.BaseURL,
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.RequestTimeout,
		Observer: calls,
		Logger:   logger,
	})
	if err != nil {
		c.closeJournal()
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	// The session outlives the command context so that Close can still
	// unsubscribe after an interrupt.
	s := session.New(context.WithoutCancel(cmd.Context()), session.UUIDGenerator{Prefix: cfg.CometPrefix})
	c.broker, err = broker.New(broker.Config{
		Transport:        transport,
		Session:          s,
		LoginURL:         cfg.URL(cfg.LoginURL),
		CommitManagerURL: cfg.URL(cfg.CommitManagerURL),
		TransactionTag:   cfg.TransactionTag,
		KeepUnused:       cfg.KeepUnused,
		Notifications:    notifications,
		Logger:           logger,
	})
	if err != nil {
		s.Close()
		c.closeJournal()
		return nil, WrapExitError(ExitCommandError, "failed to create broker", err)
	}
	return c, nil
}

// Close unsubscribes live queries, abandons the comet loop and closes the
// journal. The server-side login session is left alone; see logout.
func (c *client) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.broker.UnsubscribeAll(ctx); err != nil {
		c.logger.Warn("unsubscribe failed", "error", err)
	}
	c.broker.Session().Close()
	c.closeJournal()
}

func (c *client) closeJournal() {
	if c.journal == nil {
		return
	}
	if err := c.journal.Close(); err != nil {
		c.logger.Warn("journal close failed", "error", err)
	}
}

// withClient opens a client, runs fn and closes the client. Errors from fn
// are mapped to exit codes.
func withClient(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, c *client) error) error {
	c, err := openClient(opts, cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := fn(cmd.Context(), c); err != nil {
		return requestError(err)
	}
	return nil
}
