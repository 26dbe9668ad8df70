// Package commit sequences validate_commit and commit as one operation.
package commit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
	"github.com/roach88/confbroker/internal/trans"
)

// Resolver supplies and invalidates transactions. Implemented by
// *trans.Coordinator.
type Resolver interface {
	Resolve(ctx context.Context, tt trans.Type, scope string) (handle int64, ok bool, err error)
	Invalidate(ctx context.Context) error
}

// Config holds configuration for creating a Controller.
type Config struct {
	// Caller issues the calls. Should be the classify guard.
	Caller rpc.Caller
	// Transactions supplies the main edit transaction.
	Transactions Resolver
	// Indicators receives write pending and commit in progress.
	Indicators *session.Indicators
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Controller applies the main edit.
type Controller struct {
	caller       rpc.Caller
	transactions Resolver
	indicators   *session.Indicators
	logger       *slog.Logger
}

// New creates a Controller.
func New(config Config) *Controller {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	indicators := config.Indicators
	if indicators == nil {
		indicators = &session.Indicators{}
	}
	return &Controller{
		caller:       config.Caller,
		transactions: config.Transactions,
		indicators:   indicators,
		logger:       logger,
	}
}

// Apply validates the main edit and, only if that succeeds, commits it.
// Commit in progress is set for the whole sequence. On success write pending
// is cleared and the transaction list is invalidated; on failure both are
// left as they were so the edit can resume.
func (c *Controller) Apply(ctx context.Context) error {
	c.indicators.SetCommitInProgress(true)
	defer c.indicators.SetCommitInProgress(false)

	th, _, err := c.transactions.Resolve(ctx, trans.TypeReadWrite, "")
	if err != nil {
		return fmt.Errorf("commit: resolve transaction: %w", err)
	}
	params := rpc.Params{"th": th}

	if _, err := c.caller.Call(ctx, rpc.MethodValidateCommit, params); err != nil {
		c.logger.Info("validation failed", "th", th, "error", err)
		return fmt.Errorf("commit: validate: %w", err)
	}
	if _, err := c.caller.Call(ctx, rpc.MethodCommit, params); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.indicators.SetWritePending(false)
	if err := c.transactions.Invalidate(ctx); err != nil {
		return fmt.Errorf("commit: invalidate transactions: %w", err)
	}
	c.logger.Info("edit committed", "th", th)
	return nil
}
