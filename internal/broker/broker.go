// Package broker is the entry point UI code talks to.
//
// A Broker owns one login session and composes the transport, the error
// classifier, the transaction coordinator, the query cache, the comet loop,
// the subscription registry and the commit controller. Every call goes
// through the same path: the coordinator picks the transaction handle, the
// classify guard sends the call and classifies its failure, and on success
// the cache is patched so reads stay consistent without a refetch.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/confbroker/internal/cache"
	"github.com/roach88/confbroker/internal/classify"
	"github.com/roach88/confbroker/internal/comet"
	"github.com/roach88/confbroker/internal/commit"
	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
	"github.com/roach88/confbroker/internal/subscription"
	"github.com/roach88/confbroker/internal/trans"
)

// Config holds configuration for creating a Broker.
type Config struct {
	// Transport sends calls. Pass the bare *rpc.Transport; the broker adds
	// classification itself.
	Transport rpc.Caller
	// Session is the login session. Required.
	Session *session.Session

	// LoginURL and CommitManagerURL are the redirect boundaries.
	LoginURL         string
	CommitManagerURL string
	// Redirector and Notifier are the UI collaborators of the classifier.
	Redirector classify.Redirector
	Notifier   classify.Notifier

	// TransactionTag is sent with new_trans. Defaults to trans.DefaultTag.
	TransactionTag string
	// KeepUnused delays eviction of unused queries.
	KeepUnused time.Duration
	// Notifications, if set, sees every pushed notification.
	Notifications comet.Observer

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Broker mediates between UI consumers and the datastore. Safe for
// concurrent use.
type Broker struct {
	session      *session.Session
	classifier   *classify.Classifier
	guard        rpc.Caller
	transactions *trans.Coordinator
	cache        *cache.Cache
	channel      *comet.Channel
	registry     *subscription.Registry
	commit       *commit.Controller
	logger       *slog.Logger

	fetches singleflight.Group

	mu   sync.Mutex
	live map[string]*cache.Entry
}

// New creates a Broker.
func New(config Config) (*Broker, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("broker: Transport is required")
	}
	if config.Session == nil {
		return nil, fmt.Errorf("broker: Session is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	indicators := config.Session.Indicators()

	classifier := classify.New(classify.Config{
		LoginURL:         config.LoginURL,
		CommitManagerURL: config.CommitManagerURL,
		Redirector:       config.Redirector,
		Notifier:         config.Notifier,
		Logger:           logger,
	})
	guard := classifier.Wrap(config.Transport)

	transactions := trans.New(trans.Config{
		Caller:     guard,
		Indicators: indicators,
		Tag:        config.TransactionTag,
		Logger:     logger,
	})
	c := cache.New(cache.Config{KeepUnused: config.KeepUnused, Logger: logger})
	channel := comet.New(comet.Config{
		Caller:   guard,
		Session:  config.Session,
		Cache:    c,
		Observer: config.Notifications,
		Logger:   logger,
	})
	registry := subscription.New(subscription.Config{
		Caller:  config.Transport,
		Errors:  classifier,
		Session: config.Session,
		Channel: channel,
		Logger:  logger,
	})
	controller := commit.New(commit.Config{
		Caller:       guard,
		Transactions: transactions,
		Indicators:   indicators,
		Logger:       logger,
	})

	b := &Broker{
		session:      config.Session,
		classifier:   classifier,
		guard:        guard,
		transactions: transactions,
		cache:        c,
		channel:      channel,
		registry:     registry,
		commit:       controller,
		logger:       logger,
		live:         make(map[string]*cache.Entry),
	}
	c.OnEvict(b.forget)
	return b, nil
}

// Session returns the broker's session.
func (b *Broker) Session() *session.Session {
	return b.session
}

// Cache returns the query cache, for observing changes.
func (b *Broker) Cache() *cache.Cache {
	return b.cache
}

// Notifications returns the comet loop.
func (b *Broker) Notifications() *comet.Channel {
	return b.channel
}

// Subscriptions returns the active subscriptions.
func (b *Broker) Subscriptions() []subscription.Subscription {
	return b.registry.Active()
}

// Transactions returns the session's transaction list.
func (b *Broker) Transactions(ctx context.Context) ([]trans.Transaction, error) {
	return b.transactions.Transactions(ctx)
}

// Request is one call.
type Request struct {
	Method string
	Params rpc.Params
	// Type overrides the transaction type the method normally needs.
	Type trans.Type
	// Scope is the action scope; empty means the main edit.
	Scope string
}

// Call resolves the transaction for req, sends it and classifies its
// failure. A swallowed error yields a nil result and no error.
func (b *Broker) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	tt := req.Type
	if tt == trans.TypeNone {
		tt = trans.TypeFor(req.Method)
	}
	th, ok, err := b.transactions.Resolve(ctx, tt, req.Scope)
	if err != nil {
		return nil, err
	}

	params := req.Params.Clone()
	if ok {
		params["th"] = th
	}
	switch req.Method {
	case rpc.MethodComet, rpc.MethodSubscribeCdbOper:
		params["comet_id"] = b.session.CometID()
	}
	return b.guard.Call(ctx, req.Method, params)
}

// GetValue returns the value of the leaf at keypath. A deleted node yields
// nil.
func (b *Broker) GetValue(ctx context.Context, keypath string) (any, error) {
	raw, err := b.Call(ctx, Request{Method: rpc.MethodGetValue, Params: rpc.Params{"path": keypath}})
	if err != nil {
		return nil, err
	}
	var result struct {
		Value any `json:"value"`
	}
	if err := unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("broker: decode get_value: %w", err)
	}
	return result.Value, nil
}

// SetValueRequest describes one leaf write.
type SetValueRequest struct {
	// Keypath is the node owning the leaf.
	Keypath string
	Leaf    string
	Value   any
	// Scope, if set, writes inside that action's transaction; the path is
	// then Scope/Leaf and the cache is left alone.
	Scope string
}

// SetValue writes a leaf and patches the cached record.
func (b *Broker) SetValue(ctx context.Context, req SetValueRequest) error {
	base := req.Keypath
	if req.Scope != "" {
		base = req.Scope
	}
	_, err := b.Call(ctx, Request{
		Method: rpc.MethodSetValue,
		Params: rpc.Params{"path": base + "/" + req.Leaf, "value": req.Value},
		Scope:  req.Scope,
	})
	if err != nil {
		return err
	}
	if req.Scope == "" {
		b.cache.SetValue(req.Keypath, req.Leaf, req.Value)
	}
	return nil
}

// Create creates the list entry name under keypath, or the presence node at
// keypath when name is empty, and adds it to the cached list with fields
// (keys as given).
func (b *Broker) Create(ctx context.Context, keypath, name string, fields map[string]any) error {
	path := keypath
	if name != "" {
		path = cache.ChildKeypath(keypath, name)
	}
	if _, err := b.Call(ctx, Request{Method: rpc.MethodCreate, Params: rpc.Params{"path": path}}); err != nil {
		return err
	}
	if name != "" {
		b.cache.Create(keypath, name, fields)
	}
	return nil
}

// DeletePath deletes the node at keypath and drops its cached record.
func (b *Broker) DeletePath(ctx context.Context, keypath string) error {
	if _, err := b.Call(ctx, Request{Method: rpc.MethodDelete, Params: rpc.Params{"path": keypath}}); err != nil {
		return err
	}
	b.cache.DeletePath(keypath)
	return nil
}

// ActionRequest describes one action invocation.
type ActionRequest struct {
	Path   string
	Params map[string]any
	// Type overrides the default read transaction, e.g. for actions that
	// modify configuration.
	Type trans.Type
	// Scope runs the action in its own transaction.
	Scope string
}

// Action invokes an action. A result of {name, value} pairs is collapsed
// into a map; any other result is returned decoded as is.
func (b *Broker) Action(ctx context.Context, req ActionRequest) (any, error) {
	params := rpc.Params{"path": req.Path}
	if req.Params != nil {
		params["params"] = req.Params
	}
	raw, err := b.Call(ctx, Request{
		Method: rpc.MethodAction,
		Params: params,
		Type:   req.Type,
		Scope:  req.Scope,
	})
	if err != nil {
		return nil, err
	}
	var result any
	if err := unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("broker: decode action: %w", err)
	}
	return collapsePairs(result), nil
}

func collapsePairs(result any) any {
	list, ok := result.([]any)
	if !ok {
		return result
	}
	out := make(map[string]any, len(list))
	for _, item := range list {
		pair, ok := item.(map[string]any)
		if !ok {
			return result
		}
		name, _ := pair["name"].(string)
		out[name] = pair["value"]
	}
	return out
}

// TransChanges returns the number of pending changes in the main edit.
func (b *Broker) TransChanges(ctx context.Context) (int, error) {
	raw, err := b.Call(ctx, Request{
		Method: rpc.MethodGetTransChanges,
		Params: rpc.Params{"output": "compact"},
	})
	if err != nil {
		return 0, err
	}
	var result struct {
		Changes []json.RawMessage `json:"changes"`
	}
	if err := unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("broker: decode get_trans_changes: %w", err)
	}
	return len(result.Changes), nil
}

// SystemSetting returns a system setting.
func (b *Broker) SystemSetting(ctx context.Context, operation string) (json.RawMessage, error) {
	return b.Call(ctx, Request{
		Method: rpc.MethodGetSystemSetting,
		Params: rpc.Params{"operation": operation},
	})
}

// Revert discards the main edit. Afterwards the transaction list is fetched
// again and every cached query is refetched on next use.
func (b *Broker) Revert(ctx context.Context) error {
	if _, err := b.Call(ctx, Request{Method: rpc.MethodDeleteTrans}); err != nil {
		return err
	}
	if err := b.transactions.Invalidate(ctx); err != nil {
		return fmt.Errorf("broker: invalidate transactions: %w", err)
	}
	b.session.Indicators().SetWritePending(false)
	b.cache.InvalidateAll()
	b.logger.Info("edit reverted")
	return nil
}

// Apply validates and commits the main edit.
func (b *Broker) Apply(ctx context.Context) error {
	return b.commit.Apply(ctx)
}

// Logout unsubscribes every live query, ends the server session and closes
// the local one. The comet loop is abandoned.
func (b *Broker) Logout(ctx context.Context) error {
	if err := b.registry.Close(ctx); err != nil {
		return fmt.Errorf("broker: unsubscribe all: %w", err)
	}
	_, err := b.guard.Call(ctx, rpc.MethodLogout, nil)
	b.session.Close()
	b.cache.Clear()
	if err != nil {
		return err
	}
	b.logger.Info("logged out")
	return nil
}

// UnsubscribeAll unsubscribes every live query without ending the session,
// e.g. before navigating away. Live queries made afterwards are not
// subscribed.
func (b *Broker) UnsubscribeAll(ctx context.Context) error {
	return b.registry.Close(ctx)
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
