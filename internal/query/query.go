package query

import (
	"context"
	"sync"
	"time"
)

// Options describe one query.
type Options[T any] struct {
	Key   Key
	Fetch func(ctx context.Context) (T, error)

	// Enabled gates every fetch. Nil means always enabled.
	Enabled func() bool

	// RefetchInterval is evaluated after each successful fetch; a positive
	// result schedules the next background fetch, zero stops polling.
	RefetchInterval func(T) time.Duration

	// StaleTime overrides the client default.
	StaleTime time.Duration

	// OnResult is called with every value this query fetches, foreground or
	// background, and with the error of a failed background fetch.
	OnResult func(T, error)
}

// Query is a typed view of one cache entry plus its polling timer.
type Query[T any] struct {
	client *Client
	opts   Options[T]
	id     uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timer  Timer
	closed bool
}

// New registers a query on c. Nothing is fetched until Get.
func New[T any](c *Client, opts Options[T]) *Query[T] {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Query[T]{client: c, opts: opts, ctx: ctx, cancel: cancel}
	if opts.StaleTime <= 0 {
		q.opts.StaleTime = c.staleTime
	}
	id, ok := c.register(opts.Key, q)
	if !ok {
		q.closed = true
		cancel()
	}
	q.id = id
	return q
}

// Key returns the cache key.
func (q *Query[T]) Key() Key {
	return q.opts.Key
}

func (q *Query[T]) enabled() bool {
	return q.opts.Enabled == nil || q.opts.Enabled()
}

// Get returns the cached value when it is fresh, otherwise fetches it.
func (q *Query[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if !q.enabled() {
		return zero, ErrDisabled
	}

	q.client.mu.Lock()
	v, fresh := q.client.freshLocked(q.opts.Key, q.opts.StaleTime)
	q.client.mu.Unlock()
	if fresh {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	return q.fetch(ctx)
}

// Refetch fetches regardless of freshness.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	var zero T
	if !q.enabled() {
		return zero, ErrDisabled
	}
	return q.fetch(ctx)
}

// Data returns the cached value without fetching.
func (q *Query[T]) Data() (T, bool) {
	var zero T
	v, ok := q.client.Data(q.opts.Key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// IsStale reports whether the next Get will fetch.
func (q *Query[T]) IsStale() bool {
	q.client.mu.Lock()
	defer q.client.mu.Unlock()
	_, fresh := q.client.freshLocked(q.opts.Key, q.opts.StaleTime)
	return !fresh
}

func (q *Query[T]) fetch(ctx context.Context) (T, error) {
	var zero T
	key := q.opts.Key
	v, err, _ := q.client.group.Do(key.String(), func() (any, error) {
		start := q.client.beginFetch(key)
		defer q.client.endFetch(key)
		t, err := q.opts.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		q.client.storeFetched(key, t, start)
		return t, nil
	})
	if err != nil {
		q.client.logger.Debug("query fetch failed", "key", key, "error", err)
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, nil
	}
	q.arm(t)
	if q.opts.OnResult != nil {
		q.opts.OnResult(t, nil)
	}
	return t, nil
}

// arm replaces the polling timer based on the freshly fetched value.
func (q *Query[T]) arm(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.opts.RefetchInterval == nil {
		return
	}
	d := q.opts.RefetchInterval(v)
	if d <= 0 {
		return
	}
	q.timer = q.client.timers.AfterFunc(d, q.poll)
}

func (q *Query[T]) poll() {
	q.mu.Lock()
	q.timer = nil
	closed := q.closed
	q.mu.Unlock()
	if closed || !q.enabled() {
		return
	}

	if _, err := q.fetch(q.ctx); err != nil && q.opts.OnResult != nil {
		var zero T
		q.opts.OnResult(zero, err)
	}
}

// Polling reports whether a background fetch is scheduled.
func (q *Query[T]) Polling() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer != nil
}

func (q *Query[T]) disarm() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Query[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.cancel()
}

// Close stops the polling timer and unregisters the query. The cache entry
// stays until it is collected.
func (q *Query[T]) Close() {
	q.close()
	q.client.unregister(q.id)
}
