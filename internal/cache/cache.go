package cache

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultKeepUnused is how long an entry without consumers is kept before
// eviction.
const DefaultKeepUnused = 300 * time.Second

// Entry is the cached result of one query.
type Entry struct {
	key string

	// Guarded by Cache.mu.
	records []Record
	refs    int
	hasData bool
	stale   bool
	timer   *time.Timer

	loaded  chan struct{}
	removed chan struct{}
}

// Key returns the entry's query key.
func (e *Entry) Key() string {
	return e.key
}

// Loaded is closed once the entry holds its first result.
func (e *Entry) Loaded() <-chan struct{} {
	return e.loaded
}

// Removed is closed when the entry is evicted.
func (e *Entry) Removed() <-chan struct{} {
	return e.removed
}

// Config holds configuration for creating a Cache.
type Config struct {
	// KeepUnused delays eviction of entries without consumers. Zero evicts
	// at once; negative values are treated as zero.
	KeepUnused time.Duration
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Cache holds query entries. Safe for concurrent use; hooks run outside the
// lock on the goroutine that caused them.
type Cache struct {
	keepUnused time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	entries     map[string]*Entry
	evictHooks  []func(key string)
	changeHooks []func(key string)
}

// New creates a Cache.
func New(config Config) *Cache {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keep := config.KeepUnused
	if keep < 0 {
		keep = 0
	}
	return &Cache{
		keepUnused: keep,
		logger:     logger,
		entries:    make(map[string]*Entry),
	}
}

// OnEvict registers fn to run after an entry is evicted.
func (c *Cache) OnEvict(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictHooks = append(c.evictHooks, fn)
}

// OnChange registers fn to run after an entry's records change.
func (c *Cache) OnChange(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeHooks = append(c.changeHooks, fn)
}

// Acquire adds a consumer to the entry for key, creating the entry if
// needed. A pending eviction is cancelled.
func (c *Cache) Acquire(key string) (entry *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &Entry{
			key:     key,
			loaded:  make(chan struct{}),
			removed: make(chan struct{}),
		}
		c.entries[key] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.refs++
	return e, !ok
}

// Release removes a consumer. When the last one leaves, the entry is
// evicted after the keep-unused delay.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.refs == 0 {
		c.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}
	if c.keepUnused > 0 {
		e.timer = time.AfterFunc(c.keepUnused, func() { c.evictIfUnused(e) })
		c.mu.Unlock()
		return
	}
	c.removeLocked(e)
	hooks := slices.Clone(c.evictHooks)
	c.mu.Unlock()

	c.runHooks(hooks, key)
}

func (c *Cache) evictIfUnused(e *Entry) {
	c.mu.Lock()
	if c.entries[e.key] != e || e.refs > 0 {
		c.mu.Unlock()
		return
	}
	c.removeLocked(e)
	hooks := slices.Clone(c.evictHooks)
	c.mu.Unlock()

	c.runHooks(hooks, e.key)
}

func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.key)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	close(e.removed)
	c.logger.Debug("cache entry evicted", "key", e.key)
}

// Clear evicts every entry regardless of consumers.
func (c *Cache) Clear() {
	c.mu.Lock()
	var keys []string
	for _, e := range c.entries {
		keys = append(keys, e.key)
		c.removeLocked(e)
	}
	hooks := slices.Clone(c.evictHooks)
	c.mu.Unlock()

	slices.Sort(keys)
	for _, key := range keys {
		c.runHooks(hooks, key)
	}
}

// Store replaces the records of the entry for key. Ignored if the entry was
// evicted meanwhile.
func (c *Cache) Store(key string, records []Record) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.records = cloneRecords(records)
	e.stale = false
	if !e.hasData {
		e.hasData = true
		close(e.loaded)
	}
	hooks := slices.Clone(c.changeHooks)
	c.mu.Unlock()

	c.runHooks(hooks, key)
}

// Records returns a copy of the records of the entry for key. ok is false
// if the entry does not exist or holds no result yet.
func (c *Cache) Records(key string) (records []Record, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || !e.hasData {
		return nil, false
	}
	return cloneRecords(e.records), true
}

// Fresh reports whether the entry for key holds a result that has not been
// invalidated.
func (c *Cache) Fresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.hasData && !e.stale
}

// Keys returns the keys of all entries, sorted.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// InvalidateAll marks every entry stale. Records stay readable until the
// next Store.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.stale = true
	}
}

func (c *Cache) runHooks(hooks []func(string), key string) {
	for _, fn := range hooks {
		fn(key)
	}
}
