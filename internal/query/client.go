// Package query is a small keyed cache for remote reads.
//
// A Client owns every cache entry. Queries (see New) read through it, share
// in-flight fetches per key, and may own a polling timer that is re-armed
// after each successful fetch from a predicate over the fetched value.
// Invalidation only marks entries stale; the next read refetches.
package query

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// ErrDisabled is returned by Get when the query's Enabled predicate is false.
var ErrDisabled = errors.New("query: disabled")

const (
	DefaultStaleTime = 30 * time.Second
	DefaultGCTime    = 5 * time.Minute
)

type entry struct {
	value     any
	fetchedAt time.Time
	stale     bool
	// seq is the invalidation sequence observed when the fetch started.
	seq uint64
}

type poller interface {
	disarm()
	close()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimers replaces the timer factory.
func WithTimers(t Timers) ClientOption {
	return func(c *Client) { c.timers = t }
}

// WithStaleTime sets how long a fetched value counts as fresh.
func WithStaleTime(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.staleTime = d
		}
	}
}

// WithGCTime sets how long an unused entry is kept.
func WithGCTime(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.gcTime = d
		}
	}
}

// WithClock replaces time.Now for staleness checks.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client holds the cache entries and the registered queries.
type Client struct {
	store     *cache.Cache
	group     singleflight.Group
	timers    Timers
	now       func() time.Time
	staleTime time.Duration
	gcTime    time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	queries   map[uint64]queryReg
	nextQuery uint64
	observers []func(Key)
	closed    bool

	// seq counts invalidations; invalidated maps a prefix to the seq of its
	// latest invalidation so fetches that straddle one store stale data.
	seq         uint64
	invalidated map[string]uint64
	inflight    map[string]int
}

type queryReg struct {
	key string
	p   poller
}

// NewClient creates an empty cache.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		timers:    realTimers{},
		now:       time.Now,
		staleTime: DefaultStaleTime,
		gcTime:    DefaultGCTime,
		logger:    slog.Default(),
		queries:   make(map[uint64]queryReg),

		invalidated: make(map[string]uint64),
		inflight:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = cache.New(c.gcTime, c.gcTime)
	c.store.OnEvicted(c.evicted)
	return c
}

// evicted stops the polling of any query whose entry was collected.
func (c *Client) evicted(key string, _ any) {
	c.mu.Lock()
	var pollers []poller
	for _, reg := range c.queries {
		if reg.key == key {
			pollers = append(pollers, reg.p)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("cache entry collected", "key", parseKey(key))
	for _, p := range pollers {
		p.disarm()
	}
}

func (c *Client) load(key Key) (*entry, bool) {
	v, ok := c.store.Get(key.String())
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	// Reading an entry keeps it alive for another GC period.
	c.store.SetDefault(key.String(), e)
	return e, true
}

// Data returns the cached value for key, fresh or not.
func (c *Client) Data(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.load(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// SetData replaces the entry for key with a fresh value.
func (c *Client) SetData(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.SetDefault(key.String(), &entry{value: value, fetchedAt: c.now(), seq: c.seq})
}

// beginFetch records an in-flight fetch of key and returns the current
// invalidation sequence.
func (c *Client) beginFetch(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[key.String()]++
	return c.seq
}

func (c *Client) endFetch(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := key.String()
	c.inflight[s]--
	if c.inflight[s] <= 0 {
		delete(c.inflight, s)
	}
	// Only in-flight fetches compare against past invalidations.
	if len(c.inflight) == 0 {
		clear(c.invalidated)
	}
}

// storeFetched stores the result of a fetch that started at sequence start.
// If a matching invalidation happened since, the value is stored stale. A
// result older than the current entry is dropped.
func (c *Client) storeFetched(key Key, value any, start uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := key.String()
	if v, ok := c.store.Get(s); ok && v.(*entry).seq > start {
		return
	}
	c.store.SetDefault(s, &entry{
		value:     value,
		fetchedAt: c.now(),
		stale:     c.invalidatedSinceLocked(key, start),
		seq:       start,
	})
}

func (c *Client) invalidatedSinceLocked(key Key, start uint64) bool {
	for p, seq := range c.invalidated {
		if seq > start && key.HasPrefix(parseKey(p)) {
			return true
		}
	}
	return false
}

// IsStale reports whether the next read of key must refetch. Missing
// entries are stale.
func (c *Client) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, fresh := c.freshLocked(key, c.staleTime)
	return !fresh
}

func (c *Client) freshLocked(key Key, staleTime time.Duration) (any, bool) {
	e, ok := c.load(key)
	if !ok || e.stale {
		return nil, false
	}
	if staleTime > 0 && c.now().Sub(e.fetchedAt) > staleTime {
		return nil, false
	}
	return e.value, true
}

// Invalidate marks every entry whose key starts with prefix as stale and
// returns the keys it touched. Fetches of matching keys that are in flight
// store their result stale, and later reads do not join them. Observers are
// notified with prefix.
func (c *Client) Invalidate(prefix Key) []Key {
	c.mu.Lock()
	c.seq++
	c.invalidated[prefix.String()] = c.seq
	for s := range c.inflight {
		if parseKey(s).HasPrefix(prefix) {
			c.group.Forget(s)
		}
	}

	var touched []Key
	for s, item := range c.store.Items() {
		k := parseKey(s)
		if !k.HasPrefix(prefix) {
			continue
		}
		item.Object.(*entry).stale = true
		touched = append(touched, k)
	}
	observers := append([]func(Key){}, c.observers...)
	c.mu.Unlock()

	c.logger.Debug("cache invalidated", "prefix", prefix, "entries", len(touched))
	for _, fn := range observers {
		fn(prefix)
	}
	return touched
}

// Remove drops the entry for key.
func (c *Client) Remove(key Key) {
	c.store.Delete(key.String())
}

// OnInvalidate registers fn to be called after every Invalidate.
func (c *Client) OnInvalidate(fn func(Key)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Client) register(key Key, p poller) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.nextQuery++
	c.queries[c.nextQuery] = queryReg{key: key.String(), p: p}
	return c.nextQuery, true
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queries, id)
}

// Close closes every registered query, stopping their timers. Queries
// created afterwards never poll.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	pollers := make([]poller, 0, len(c.queries))
	for _, reg := range c.queries {
		pollers = append(pollers, reg.p)
	}
	c.mu.Unlock()

	for _, p := range pollers {
		p.close()
	}
}
