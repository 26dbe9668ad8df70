package broker

import (
	"context"
	"sync"

	"github.com/roach88/confbroker/internal/cache"
	"github.com/roach88/confbroker/internal/rpc"
)

// Query selects fields of the nodes an XPath expression matches.
type Query struct {
	// XPath is the query expression. It is also the cache key.
	XPath string
	// Selection lists the path expressions of each result column.
	Selection []string
	// LeafList is set when XPath selects leaf-list items.
	LeafList bool
	// Live subscribes the query so pushed changes patch its records.
	Live bool
}

func (q Query) projection() cache.Projection {
	return cache.Projection{Selection: q.Selection, LeafList: q.LeafList}
}

// Lease is one consumer's hold on a cached query. The entry is evicted (and
// a live query unsubscribed) once every lease is released and the
// keep-unused delay has passed.
type Lease struct {
	key   string
	cache *cache.Cache
	once  sync.Once
}

// Key returns the cache key of the query.
func (l *Lease) Key() string {
	return l.key
}

// Records returns the current records of the query.
func (l *Lease) Records() []cache.Record {
	records, _ := l.cache.Records(l.key)
	return records
}

// Release gives up the lease. Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() { l.cache.Release(l.key) })
}

// Query returns the records of q, fetching them unless the cache holds a
// fresh result. Concurrent fetches of the same query are coalesced. The
// caller must release the lease; on error no lease is held.
func (b *Broker) Query(ctx context.Context, q Query) (*Lease, []cache.Record, error) {
	key := q.XPath
	entry, created := b.cache.Acquire(key)
	lease := &Lease{key: key, cache: b.cache}
	if created {
		b.logger.Debug("query cached", "xpath", key)
	}
	if q.Live {
		b.track(entry, q.XPath)
	}

	if !b.cache.Fresh(key) {
		err := b.shareFetch(ctx, key, func(ctx context.Context) error {
			if b.cache.Fresh(key) {
				return nil
			}
			return b.fetch(ctx, q)
		})
		if err != nil {
			lease.Release()
			return nil, nil, err
		}
	}
	return lease, lease.Records(), nil
}

// Refetch queries the datastore again for q and replaces the cached
// records. The query must be held by a lease.
func (b *Broker) Refetch(ctx context.Context, q Query) ([]cache.Record, error) {
	err := b.shareFetch(ctx, q.XPath, func(ctx context.Context) error {
		return b.fetch(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	records, _ := b.cache.Records(q.XPath)
	return records, nil
}

// shareFetch runs fn once per key among concurrent callers, detached from
// any one caller's cancellation. Each caller stops waiting when its own ctx
// is done.
func (b *Broker) shareFetch(ctx context.Context, key string, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	ch := b.fetches.DoChan(key, func() (any, error) { return nil, fn(detached) })
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) fetch(ctx context.Context, q Query) error {
	raw, err := b.Call(ctx, Request{
		Method: rpc.MethodQuery,
		Params: rpc.Params{
			"xpath_expr": q.XPath,
			"result_as":  "keypath-value",
			"selection":  q.Selection,
		},
	})
	if err != nil {
		return err
	}
	rows, err := cache.DecodeRows(raw)
	if err != nil {
		return err
	}
	b.cache.Store(q.XPath, q.projection().Project(rows))
	return nil
}

// track subscribes a live query once per cache entry.
func (b *Broker) track(entry *cache.Entry, path string) {
	b.mu.Lock()
	if b.live[entry.Key()] == entry {
		b.mu.Unlock()
		return
	}
	b.live[entry.Key()] = entry
	b.mu.Unlock()

	b.registry.Track(entry, path)
}

// forget runs as an evict hook, after the cache lock is released. By then a
// new entry for key may already be tracked; only a removed entry is
// forgotten.
func (b *Broker) forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.live[key]
	if !ok {
		return
	}
	select {
	case <-entry.Removed():
		delete(b.live, key)
	default:
	}
}
