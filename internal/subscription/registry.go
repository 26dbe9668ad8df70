// Package subscription binds live queries to server-side path
// subscriptions.
//
// A tracked query is subscribed once its cache entry holds a first result
// and unsubscribed when the entry is evicted. Eviction may overtake the
// subscribe call; the registry then waits for that call to settle,
// unsubscribes if it produced a handle, and drops its error unseen.
package subscription

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/confbroker/internal/cache"
	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
)

// ErrorHandler classifies a failed call. Implemented by
// *classify.Classifier.
type ErrorHandler interface {
	Handle(err error) error
}

// Starter starts the notification loop. Implemented by *comet.Channel.
type Starter interface {
	Start()
}

// Subscription is one active server-side subscription.
type Subscription struct {
	Handle json.RawMessage `json:"handle"`
	Path   string          `json:"path"`
	Owner  string          `json:"owner"`
}

// Config holds configuration for creating a Registry.
type Config struct {
	// Caller issues the subscription calls. It must not classify errors on
	// its own (pass the bare transport): the registry decides whether an
	// error is still relevant before handing it to Errors.
	Caller rpc.Caller
	// Errors classifies relevant failures. If nil, errors are only logged.
	Errors ErrorHandler
	// Session supplies the comet id and the lifetime of all watchers.
	Session *session.Session
	// Channel, if set, is started before the first subscribe.
	Channel Starter
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Registry tracks the subscriptions of live queries. Safe for concurrent use.
type Registry struct {
	caller  rpc.Caller
	errors  ErrorHandler
	session *session.Session
	channel Starter
	logger  *slog.Logger

	wg      sync.WaitGroup
	closing chan struct{}

	mu     sync.Mutex
	closed bool
	active map[string]Subscription
}

// New creates a Registry.
func New(config Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caller:  config.Caller,
		errors:  config.Errors,
		session: config.Session,
		channel: config.Channel,
		logger:  logger,
		closing: make(chan struct{}),
		active:  make(map[string]Subscription),
	}
}

// Track subscribes path on behalf of entry once entry is loaded, and
// unsubscribes it when entry is removed or the registry is closed. Tracking
// a closed registry does nothing.
func (r *Registry) Track(entry *cache.Entry, path string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.watch(r.session.Context(), entry, path)
	}()
}

// Active returns the active subscriptions, ordered by owner.
func (r *Registry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Subscription) int { return cmp.Compare(a.Owner, b.Owner) })
	return out
}

// Close unsubscribes every tracked query and waits for the unsubscribe
// calls to settle, or for ctx to be done. Idempotent.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.closing)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) watch(ctx context.Context, entry *cache.Entry, path string) {
	select {
	case <-entry.Loaded():
	case <-entry.Removed():
		return
	case <-r.closing:
		return
	case <-ctx.Done():
		return
	}

	handle, err := r.subscribe(ctx, path)
	if err != nil {
		if irrelevant(entry, r.closing) || ctx.Err() != nil {
			r.logger.Debug("discarding error of abandoned subscribe", "path", path, "error", err)
			return
		}
		r.fail(err)
		return
	}

	sub := Subscription{Handle: handle, Path: path, Owner: entry.Key()}
	if !irrelevant(entry, r.closing) {
		r.mu.Lock()
		r.active[sub.Owner] = sub
		r.mu.Unlock()

		if _, err := r.caller.Call(ctx, rpc.MethodStartSubscription, rpc.Params{"handle": handle}); err != nil {
			r.fail(err)
		}
		r.logger.Debug("subscribed", "path", path, "handle", string(handle))

		select {
		case <-entry.Removed():
		case <-r.closing:
		case <-ctx.Done():
			// The server forgets subscriptions with the session.
			return
		}
	}

	r.mu.Lock()
	if bytes.Equal(r.active[sub.Owner].Handle, handle) {
		delete(r.active, sub.Owner)
	}
	r.mu.Unlock()

	if _, err := r.caller.Call(ctx, rpc.MethodUnsubscribe, rpc.Params{"handle": handle}); err != nil {
		r.fail(err)
		return
	}
	r.logger.Debug("unsubscribed", "path", path, "handle", string(handle))
}

type subscribeResult struct {
	Handle json.RawMessage `json:"handle"`
}

func (r *Registry) subscribe(ctx context.Context, path string) (json.RawMessage, error) {
	cometID := r.session.CometID()
	if r.channel != nil {
		r.channel.Start()
	}
	raw, err := r.caller.Call(ctx, rpc.MethodSubscribeCdbOper, rpc.Params{
		"path":     path,
		"comet_id": cometID,
	})
	if err != nil {
		return nil, err
	}
	var result subscribeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("subscription: decode subscribe_cdboper: %w", err)
		}
	}
	if len(result.Handle) == 0 || string(result.Handle) == "null" {
		return nil, fmt.Errorf("subscription: subscribe_cdboper returned no handle")
	}
	return result.Handle, nil
}

func (r *Registry) fail(err error) {
	if r.errors != nil {
		err = r.errors.Handle(err)
	}
	if err != nil {
		r.logger.Warn("subscription call failed", "error", err)
	}
}

// irrelevant reports whether entry is gone or the registry is closing.
func irrelevant(entry *cache.Entry, closing <-chan struct{}) bool {
	select {
	case <-entry.Removed():
		return true
	case <-closing:
		return true
	default:
		return false
	}
}
