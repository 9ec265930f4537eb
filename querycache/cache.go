// Package querycache is a keyed cache of asynchronous query results.
//
// Reads never block on the network: Query returns whatever is cached and
// refreshes in the background once the data is older than its stale time.
// Fetch is the blocking variant for callers that need a settled value.
// Invalidate marks every key under a prefix stale and refetches the ones that
// have been read, so views converge after local mutations and change-feed events.
package querycache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"library-circulation/metrics"
)

const (
	defaultGCTime      = 5 * time.Minute
	minCleanupInterval = time.Second
)

type fetchFunc func(ctx context.Context) (any, error)

// entry is guarded by Cache.mu.
type entry struct {
	key  Key
	hash string

	data      any
	hasData   bool
	updatedAt time.Time
	err       error

	fetch    fetchFunc
	opts     Options
	lastRead time.Time

	// gen is bumped by every invalidation; a fetch that started under an
	// older generation cannot mark the entry fresh.
	gen          uint64
	fetchGen     uint64
	call         uint64
	fetching     bool
	invalidated  bool
	refetchAfter bool
}

// Cache holds query results keyed by Key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	calls   uint64

	defaults Options
	gcTime   time.Duration
	online   func() bool
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaults sets the options used for zero fields of per-query Options.
func WithDefaults(o Options) Option {
	return func(c *Cache) {
		c.defaults = o.withDefaults(DefaultOptions())
	}
}

// WithGCTime sets how long an unread entry survives.
func WithGCTime(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.gcTime = d
		}
	}
}

// WithConnectivity installs the online check consulted by network modes.
func WithConnectivity(online func() bool) Option {
	return func(c *Cache) {
		c.online = online
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics records hits, misses and fetch errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache and starts its garbage collector.
func New(opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:  make(map[string]*entry),
		defaults: DefaultOptions(),
		gcTime:   defaultGCTime,
		online:   func() bool { return true },
		now:      time.Now,
		logger:   zap.NewNop(),
		baseCtx:  ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.collectGarbage()
	return c
}

// Close stops the garbage collector and cancels background fetches.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cancel()
	})
}

// Result is the state of one query as seen by a reader.
type Result[T any] struct {
	Data       T
	IsLoading  bool // no data yet and a fetch is pending
	IsFetching bool // a fetch is in flight, with or without data
	IsStale    bool
	IsPaused   bool // offline and the network mode forbids fetching
	IsError    bool
	Err        error
	UpdatedAt  time.Time
}

type snapshot struct {
	data      any
	hasData   bool
	fetching  bool
	stale     bool
	paused    bool
	err       error
	updatedAt time.Time
}

// Query returns the cached state of key immediately. A missing or stale value
// starts a background fetch; fresh values never refetch. The fetch runs on the
// cache's own context, so ctx only decides whether one may start: a reader
// whose ctx is already done gets the cached state and triggers nothing.
func Query[T any](c *Cache, ctx context.Context, key Key, fetch func(context.Context) (T, error), opts Options) Result[T] {
	snap := c.read(key, wrap(fetch), opts, ctx.Err() == nil)
	return toResult[T](snap)
}

// Fetch returns a settled value for key, waiting for a fetch when the cached
// value is missing or stale. Concurrent callers share one fetch.
func Fetch[T any](c *Cache, ctx context.Context, key Key, fetch func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	v, err := c.fetchSettled(ctx, key, wrap(fetch), opts)
	if err != nil {
		return zero, err
	}
	data, _ := v.(T)
	return data, nil
}

// Peek returns the cached value of key without fetching.
func Peek[T any](c *Cache, key Key) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !e.hasData {
		return zero, false
	}
	data, ok := e.data.(T)
	return data, ok
}

// SetData replaces the cached value of key and marks it fresh.
func SetData[T any](c *Cache, key Key, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryFor(key)
	e.data = data
	e.hasData = true
	e.err = nil
	e.updatedAt = c.now()
	e.lastRead = e.updatedAt
	e.invalidated = false
}

// Invalidate marks every entry whose key starts with prefix as stale and
// refetches those that have a fetcher. It returns the number of entries hit.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		n++
		c.invalidateLocked(e)
	}
	if n > 0 {
		c.logger.Debug("invalidated queries",
			zap.String("prefix", prefix.String()),
			zap.Int("count", n))
	}
	return n
}

// InvalidateAll marks every entry stale.
func (c *Cache) InvalidateAll() int {
	return c.Invalidate(Key{})
}

// Remove drops every entry under prefix.
func (c *Cache) Remove(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			if e.fetching {
				c.group.Forget(hash)
			}
			delete(c.entries, hash)
		}
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) invalidateLocked(e *entry) {
	e.gen++
	e.invalidated = true
	if e.fetch == nil {
		return
	}
	if e.fetching {
		e.refetchAfter = true
		return
	}
	if c.canFetch(e.opts.NetworkMode) {
		c.startFetchLocked(e)
	}
}

func (c *Cache) read(key Key, fetch fetchFunc, opts Options, mayFetch bool) snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryFor(key)
	e.fetch = fetch
	e.opts = opts.withDefaults(c.defaults)
	e.lastRead = c.now()

	online := c.online()
	stale := c.isStaleLocked(e)

	switch {
	case e.hasData && !stale:
		c.metrics.CacheLookup(metrics.CacheHit)
		return c.snapshotLocked(e, false)

	case e.hasData:
		c.metrics.CacheLookup(metrics.CacheStale)
		if !online && e.opts.NetworkMode != Always {
			// offline: serve what we have, no fetch
			return c.snapshotLocked(e, e.opts.NetworkMode == Online)
		}
		if mayFetch && !e.fetching {
			c.startFetchLocked(e)
		}
		return c.snapshotLocked(e, false)

	default:
		c.metrics.CacheLookup(metrics.CacheMiss)
		if !online && e.opts.NetworkMode == Online {
			return c.snapshotLocked(e, true)
		}
		if mayFetch && !e.fetching {
			c.startFetchLocked(e)
		}
		return c.snapshotLocked(e, false)
	}
}

func (c *Cache) fetchSettled(ctx context.Context, key Key, fetch fetchFunc, opts Options) (any, error) {
	for {
		c.mu.Lock()
		e := c.entryFor(key)
		e.fetch = fetch
		e.opts = opts.withDefaults(c.defaults)
		e.lastRead = c.now()

		if e.hasData && !c.isStaleLocked(e) {
			c.metrics.CacheLookup(metrics.CacheHit)
			data := e.data
			c.mu.Unlock()
			return data, nil
		}
		if e.hasData {
			c.metrics.CacheLookup(metrics.CacheStale)
		} else {
			c.metrics.CacheLookup(metrics.CacheMiss)
		}

		if !c.online() && e.opts.NetworkMode != Always {
			if e.hasData {
				data := e.data
				c.mu.Unlock()
				return data, nil
			}
			if e.opts.NetworkMode == Online {
				c.mu.Unlock()
				return nil, ErrOffline
			}
		}

		var ch <-chan singleflight.Result
		if e.fetching {
			ch = c.group.DoChan(e.hash, nil)
		} else {
			ch = c.startFetchLocked(e)
		}
		gen := e.fetchGen
		c.mu.Unlock()

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}

		c.mu.Lock()
		current, ok := c.entries[e.hash]
		// A fetch that raced an invalidation is outdated; go again.
		outdated := ok && current == e && e.gen != gen
		c.mu.Unlock()
		if outdated {
			continue
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

// startFetchLocked launches the fetch for e on the cache's own context so a
// cancelled reader never aborts a shared refresh.
func (c *Cache) startFetchLocked(e *entry) <-chan singleflight.Result {
	c.calls++
	e.call = c.calls
	e.fetching = true
	e.fetchGen = e.gen
	call := e.call
	gen := e.gen
	hash := e.hash
	fetch := e.fetch
	opts := e.opts
	onlyOnce := !c.online() && opts.NetworkMode == OfflineFirst

	return c.group.DoChan(hash, func() (any, error) {
		v, err := c.runWithRetry(fetch, opts, onlyOnce)
		c.settle(hash, call, gen, v, err)
		return v, err
	})
}

func (c *Cache) runWithRetry(fetch fetchFunc, opts Options, onlyOnce bool) (any, error) {
	retries := opts.Retry
	if onlyOnce {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		v, err := fetch(c.baseCtx)
		if err == nil {
			return v, nil
		}
		if attempt >= retries || isPermanent(err) || c.baseCtx.Err() != nil {
			return nil, err
		}
		if !c.canFetch(opts.NetworkMode) {
			return nil, err
		}
		delay := opts.RetryDelay(attempt)
		c.logger.Debug("query fetch failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-c.baseCtx.Done():
			return nil, err
		case <-time.After(delay):
		}
	}
}

func (c *Cache) settle(hash string, call, gen uint64, v any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok || e.call != call {
		// removed while fetching
		return
	}
	// Forget the singleflight call before a follow-up fetch can start,
	// otherwise DoChan would join the call that is finishing right now.
	c.group.Forget(hash)
	e.fetching = false

	if err != nil {
		e.err = err
		c.metrics.CacheFetchError()
		c.logger.Warn("query fetch failed",
			zap.String("key", hash),
			zap.Error(err))
	} else {
		e.data = v
		e.hasData = true
		e.err = nil
		e.updatedAt = c.now()
		if e.gen == gen {
			e.invalidated = false
		}
	}

	if e.refetchAfter || (e.gen != gen && err == nil) {
		e.refetchAfter = false
		if c.canFetch(e.opts.NetworkMode) {
			c.startFetchLocked(e)
		}
	}
}

func (c *Cache) entryFor(key Key) *entry {
	hash := key.String()
	e, ok := c.entries[hash]
	if !ok {
		e = &entry{key: append(Key(nil), key...), hash: hash}
		c.entries[hash] = e
	}
	return e
}

func (c *Cache) isStaleLocked(e *entry) bool {
	if !e.hasData || e.invalidated {
		return true
	}
	return c.now().Sub(e.updatedAt) >= e.opts.StaleTime
}

func (c *Cache) canFetch(mode NetworkMode) bool {
	return mode == Always || c.online()
}

func (c *Cache) snapshotLocked(e *entry, paused bool) snapshot {
	return snapshot{
		data:      e.data,
		hasData:   e.hasData,
		fetching:  e.fetching,
		stale:     c.isStaleLocked(e),
		paused:    paused,
		err:       e.err,
		updatedAt: e.updatedAt,
	}
}

func (c *Cache) collectGarbage() {
	interval := c.gcTime / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for hash, e := range c.entries {
		if e.fetching || now.Sub(e.lastRead) < c.gcTime {
			continue
		}
		delete(c.entries, hash)
		removed++
	}
	if removed > 0 {
		c.logger.Debug("collected unused queries", zap.Int("count", removed))
	}
	return removed
}

func wrap[T any](fetch func(context.Context) (T, error)) fetchFunc {
	return func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}
}

func toResult[T any](s snapshot) Result[T] {
	var data T
	if s.hasData {
		data, _ = s.data.(T)
	}
	return Result[T]{
		Data:       data,
		IsLoading:  !s.hasData && !s.paused,
		IsFetching: s.fetching,
		IsStale:    s.stale,
		IsPaused:   s.paused,
		IsError:    s.err != nil,
		Err:        s.err,
		UpdatedAt:  s.updatedAt,
	}
}
