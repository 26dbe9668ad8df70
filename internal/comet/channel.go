// Package comet runs the session's long-poll notification loop.
//
// The loop issues a comet call carrying the session's comet id, applies the
// notifications in the result to the cache, and reissues the call at once.
// It stops when the session context is done: the pending request is
// abandoned and its outcome ignored. It also stops on the first failed call,
// after the failure has been classified.
package comet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/confbroker/internal/cache"
	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
)

// Patcher applies a field patch to cached records. Implemented by
// *cache.Cache.
type Patcher interface {
	SetValue(keypath, leaf string, value any) bool
}

// Observer sees every decoded notification, applied or not.
type Observer interface {
	ObserveNotification(Notification)
}

// Config holds configuration for creating a Channel.
type Config struct {
	// Caller issues the comet calls. Should be the classify guard.
	Caller rpc.Caller
	// Session supplies the comet id and the loop's lifetime.
	Session *session.Session
	// Cache receives value_set patches.
	Cache Patcher
	// Observer, if set, sees every notification.
	Observer Observer
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel is the comet loop of one session.
type Channel struct {
	caller   rpc.Caller
	session  *session.Session
	cache    Patcher
	observer Observer
	logger   *slog.Logger

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a Channel. The loop does not run until Start.
func New(config Config) *Channel {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		caller:   config.Caller,
		session:  config.Session,
		cache:    config.Cache,
		observer: config.Observer,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the loop under the session context. Only the first call has
// an effect.
func (c *Channel) Start() {
	c.once.Do(func() {
		go func() {
			defer close(c.done)
			c.err = c.run(c.session.Context())
		}()
	})
}

// Done is closed when the loop has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the loop, or nil if it stopped because
// the session ended. Only meaningful after Done is closed.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) run(ctx context.Context) error {
	id := c.session.CometID()
	c.logger.Debug("comet loop started", "comet_id", id)
	for polls := 0; ; polls++ {
		if ctx.Err() != nil {
			c.logger.Debug("comet loop stopped", "comet_id", id, "polls", polls)
			return nil
		}

		raw, err := c.caller.Call(ctx, rpc.MethodComet, rpc.Params{"comet_id": id})
		if ctx.Err() != nil {
			// Abandoned: whatever came back is no longer wanted.
			continue
		}
		if err != nil {
			c.logger.Warn("comet loop failed", "comet_id", id, "error", err)
			return err
		}

		notifications, err := Decode(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable comet batch", "error", err)
			continue
		}
		c.Apply(notifications)
	}
}

// Apply feeds notifications to the cache. A value_set patches the record
// owning the leaf keypath; other operations are logged and ignored.
func (c *Channel) Apply(notifications []Notification) {
	for _, n := range notifications {
		if c.observer != nil {
			c.observer.ObserveNotification(n)
		}
		if n.Operation != OpValueSet {
			c.logger.Debug("ignoring push operation", "op", n.Operation, "keypath", n.Keypath)
			continue
		}
		owner, leaf, ok := cache.SplitLeaf(n.Keypath)
		if !ok {
			c.logger.Debug("ignoring push without leaf", "keypath", n.Keypath)
			continue
		}
		if c.cache.SetValue(owner, leaf, n.Value) {
			c.logger.Debug("cache patched", "keypath", owner, "leaf", leaf)
		}
	}
}
