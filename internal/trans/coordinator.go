// Package trans decides which datastore transaction accompanies a call.
//
// The coordinator keeps the session's transaction list: at most one read
// transaction with no action scope, and at most one read_write transaction
// per action scope (the empty scope being the main edit). Missing
// transactions are created on demand.
//
// Both server round trips it makes are coalesced through a keyed in-flight
// map (singleflight): concurrent callers share one get_trans per
// invalidation cycle, and one new_trans per (mode, scope). A failed flight is
// forgotten so the next caller retries.
package trans

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/confbroker/internal/rpc"
	"github.com/roach88/confbroker/internal/session"
)

// Type is a transaction mode. TypeNone means no transaction is attached.
type Type string

const (
	TypeNone      Type = ""
	TypeRead      Type = "read"
	TypeReadWrite Type = "read_write"
)

// DefaultTag tags the transactions this broker creates.
const DefaultTag = "webui-one"

// Transaction is one entry of the session's transaction list.
type Transaction struct {
	Handle int64  `json:"th"`
	Mode   Type   `json:"mode"`
	Scope  string `json:"action_path,omitempty"`
}

// TypeFor returns the transaction type a method needs when the caller does
// not say otherwise.
func TypeFor(method string) Type {
	switch method {
	case rpc.MethodGetTransChanges,
		rpc.MethodCreate,
		rpc.MethodDelete,
		rpc.MethodSetValue,
		rpc.MethodDeleteTrans,
		rpc.MethodValidateCommit,
		rpc.MethodCommit:
		return TypeReadWrite
	case rpc.MethodQuery,
		rpc.MethodGetValue,
		rpc.MethodAction:
		return TypeRead
	default:
		return TypeNone
	}
}

// Config holds configuration for creating a Coordinator.
type Config struct {
	// Caller issues get_trans and new_trans. It should be the classify guard
	// so these calls are classified like any other.
	Caller rpc.Caller
	// Indicators receives the write pending flag.
	Indicators *session.Indicators
	// Tag is sent with new_trans. Defaults to DefaultTag.
	Tag string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Coordinator owns the transaction list. Safe for concurrent use.
type Coordinator struct {
	caller     rpc.Caller
	indicators *session.Indicators
	tag        string
	logger     *slog.Logger

	flights singleflight.Group

	mu         sync.Mutex
	list       []Transaction
	loaded     bool
	generation uint64
}

// New creates a Coordinator.
func New(config Config) *Coordinator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tag := config.Tag
	if tag == "" {
		tag = DefaultTag
	}
	indicators := config.Indicators
	if indicators == nil {
		indicators = &session.Indicators{}
	}
	return &Coordinator{
		caller:     config.Caller,
		indicators: indicators,
		tag:        tag,
		logger:     logger,
	}
}

// Resolve returns the handle to attach to a call of type tt in action scope
// scope. ok is false when tt is TypeNone.
//
// An existing read_write transaction for the scope always wins, even for
// reads. Otherwise a read falls back to the unscoped read transaction.
// Otherwise a transaction of mode tt is created for the scope.
func (c *Coordinator) Resolve(ctx context.Context, tt Type, scope string) (handle int64, ok bool, err error) {
	if tt == TypeNone {
		return 0, false, nil
	}

	list, err := c.transactions(ctx)
	if err != nil {
		return 0, false, err
	}

	if t, found := findWrite(list, scope); found {
		c.indicators.SetWritePending(true)
		return t.Handle, true, nil
	}

	if tt == TypeRead {
		if t, found := findRead(list); found {
			return t.Handle, true, nil
		}
	}

	t, err := c.create(ctx, tt, scope)
	if err != nil {
		return 0, false, err
	}
	return t.Handle, true, nil
}

// Transactions returns the transaction list, fetching it if needed.
func (c *Coordinator) Transactions(ctx context.Context) ([]Transaction, error) {
	return c.transactions(ctx)
}

// Invalidate drops the cached transaction list. The next Resolve fetches it
// again. A get_trans still in flight from before the invalidation is awaited
// (its result is discarded) so that a stale list can never be read
// afterwards.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	stale := c.generation
	c.generation++
	c.list = nil
	c.loaded = false
	c.mu.Unlock()

	// Joins the stale flight if there is one; otherwise returns at once.
	ch := c.flights.DoChan(listKey(stale), func() (any, error) { return nil, nil })
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// share runs fn once per key among concurrent callers. fn runs detached
// from any one caller's cancellation; each caller stops waiting when its own
// ctx is done.
func (c *Coordinator) share(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error, bool) {
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) { return fn(detached) })
	select {
	case r := <-ch:
		return r.Val, r.Err, r.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

func listKey(generation uint64) string {
	return "get_trans:" + strconv.FormatUint(generation, 10)
}

func createKey(tt Type, scope string) string {
	return "new_trans:" + string(tt) + ":" + scope
}

func (c *Coordinator) transactions(ctx context.Context) ([]Transaction, error) {
	for {
		c.mu.Lock()
		if c.loaded {
			list := slices.Clone(c.list)
			c.mu.Unlock()
			return list, nil
		}
		generation := c.generation
		c.mu.Unlock()

		v, err, _ := c.share(ctx, listKey(generation), func(ctx context.Context) (any, error) {
			return c.fetch(ctx, generation)
		})
		if err != nil {
			return nil, err
		}
		// Joining the placeholder flight of Invalidate yields no list; the
		// generation has moved on, so look again.
		if list, ok := v.([]Transaction); ok {
			return slices.Clone(list), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// getTransResult is the result of get_trans.
type getTransResult struct {
	Trans []struct {
		DB         string `json:"db"`
		Handle     int64  `json:"th"`
		Mode       Type   `json:"mode"`
		ActionPath string `json:"action_path"`
	} `json:"trans"`
}

func (c *Coordinator) fetch(ctx context.Context, generation uint64) ([]Transaction, error) {
	// A flight for this generation may have settled between our check and
	// joining the group.
	c.mu.Lock()
	if c.loaded && c.generation == generation {
		list := slices.Clone(c.list)
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()

	raw, err := c.caller.Call(ctx, rpc.MethodGetTrans, nil)
	if err != nil {
		return nil, fmt.Errorf("trans: get_trans: %w", err)
	}

	var result getTransResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("trans: decode get_trans: %w", err)
		}
	}

	list := make([]Transaction, 0, len(result.Trans))
	for _, t := range result.Trans {
		if t.DB != "running" && t.DB != "cs_trans" {
			continue
		}
		list = append(list, Transaction{Handle: t.Handle, Mode: t.Mode, Scope: t.ActionPath})
	}

	c.mu.Lock()
	if c.generation == generation {
		c.list = list
		c.loaded = true
	}
	c.mu.Unlock()

	c.logger.Debug("transaction list loaded", "count", len(list))
	return slices.Clone(list), nil
}

// newTransResult is the result of new_trans.
type newTransResult struct {
	Handle *int64 `json:"th"`
}

func (c *Coordinator) create(ctx context.Context, tt Type, scope string) (Transaction, error) {
	v, err, shared := c.share(ctx, createKey(tt, scope), func(ctx context.Context) (any, error) {
		c.mu.Lock()
		generation := c.generation
		if c.loaded {
			if i := slices.IndexFunc(c.list, func(t Transaction) bool {
				return t.Mode == tt && t.Scope == scope
			}); i >= 0 {
				t := c.list[i]
				c.mu.Unlock()
				return t, nil
			}
		}
		c.mu.Unlock()

		params := rpc.Params{
			"db":        "running",
			"conf_mode": "private",
			"mode":      string(tt),
			"tag":       c.tag,
		}
		if scope != "" {
			params["action_path"] = scope
		}
		raw, err := c.caller.Call(ctx, rpc.MethodNewTrans, params)
		if err != nil {
			return nil, fmt.Errorf("trans: new_trans: %w", err)
		}

		var result newTransResult
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, fmt.Errorf("trans: decode new_trans: %w", err)
			}
		}
		if result.Handle == nil {
			return nil, fmt.Errorf("trans: new_trans returned no handle")
		}

		t := Transaction{Handle: *result.Handle, Mode: tt, Scope: scope}
		c.mu.Lock()
		if c.loaded && c.generation == generation {
			c.list = append(c.list, t)
		}
		c.mu.Unlock()

		c.logger.Debug("transaction created", "th", t.Handle, "mode", string(tt), "scope", scope)
		return t, nil
	})
	if err != nil {
		return Transaction{}, err
	}

	t := v.(Transaction)
	if tt == TypeReadWrite {
		c.indicators.SetWritePending(true)
	}
	if shared {
		c.logger.Debug("joined in-flight new_trans", "th", t.Handle, "scope", scope)
	}
	return t, nil
}

func findWrite(list []Transaction, scope string) (Transaction, bool) {
	for _, t := range list {
		if t.Mode == TypeReadWrite && t.Scope == scope {
			return t, true
		}
	}
	return Transaction{}, false
}

func findRead(list []Transaction) (Transaction, bool) {
	for _, t := range list {
		if t.Mode == TypeRead && t.Scope == "" {
			return t, true
		}
	}
	return Transaction{}, false
}
