package cache

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/robustcache/bucket"
	"github.com/IvanBrykalov/robustcache/internal/util"
	"github.com/IvanBrykalov/robustcache/internal/worker"
)

// horizonDisabled marks a freshness horizon that never triggers.
const horizonDisabled int64 = -1

// sharedPool runs background refreshes for caches without an explicit
// Executor, sized to GOMAXPROCS.
var sharedPool = worker.NewPool(0)

// ftCache is a segmented cache that keeps serving cached entries while
// their reloads fail. All methods are safe for concurrent use.
type ftCache[K comparable, V any] struct {
	segments  []*segment[K, V]
	refresher *refresher[K, V]
	queue     *refreshQueue[K, V]
}

// New constructs a cache with the provided Options.
// See Options for the defaults applied here.
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.ConcurrencyLevel <= 0 {
		opt.ConcurrencyLevel = 4
	}
	if opt.BulkReloadSizeLimit <= 0 {
		opt.BulkReloadSizeLimit = 100
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Clock == nil {
		opt.Clock = systemClock{}
	}
	if opt.Executor == nil {
		opt.Executor = sharedPool.Submit
	}
	if opt.ExceptionListener == nil {
		opt.ExceptionListener = func(err error) {
			slog.Warn("cache refresh failed", "error", err)
		}
	}

	var gate *bucket.LeakyBucket
	if rl := opt.FailureRateLimit; rl != nil {
		gate = bucket.New(bucket.Options{
			Capacity: rl.BurstLimit,
			LeakRate: rl.PerSecond,
			Clock:    opt.Clock,
		})
	}

	r := &refresher[K, V]{
		loader:   opt.Loader,
		reloader: opt.Reloader,
		gate:     gate,
		listener: opt.ExceptionListener,
		metrics:  opt.Metrics,
		clock:    opt.Clock,
	}
	q := &refreshQueue[K, V]{
		executor:  opt.Executor,
		refresher: r,
		bulkLimit: opt.BulkReloadSizeLimit,
	}

	numSegments := opt.ConcurrencyLevel
	maxPerSegment := 0
	if opt.MaximumSize > 0 {
		maxPerSegment = max((opt.MaximumSize+numSegments-1)/numSegments, 1)
	}

	segments := make([]*segment[K, V], numSegments)
	for i := range segments {
		segments[i] = &segment[K, V]{
			m:            make(map[K]*entry[K, V]),
			maxSize:      maxPerSegment,
			expireMillis: horizonMillis(opt.ExpireAfterWrite),
			syncMillis:   horizonMillis(opt.RefreshAfterWrite),
			asyncMillis:  horizonMillis(opt.AsyncRefreshAfterWrite),
			refresher:    r,
			queue:        q,
			metrics:      opt.Metrics,
		}
	}

	return &ftCache[K, V]{segments: segments, refresher: r, queue: q}
}

// horizonMillis converts a configured horizon to milliseconds; a
// non-positive duration disables the horizon.
func horizonMillis(d time.Duration) int64 {
	if d <= 0 {
		return horizonDisabled
	}
	return d.Milliseconds()
}

// ---- Cache[K,V] implementation ----

// Get returns the cached value for key, loading or refreshing as the
// age of the entry demands. See the interface documentation for the
// exact tiering.
func (c *ftCache[K, V]) Get(key K) (V, error) {
	return c.segmentOf(key).get(key)
}

// GetIfPresent returns the cached value without ever loading.
func (c *ftCache[K, V]) GetIfPresent(key K) (V, bool) {
	return c.segmentOf(key).getIfPresent(key)
}

// Invalidate removes key from the cache.
// Returns true if the key was cached.
func (c *ftCache[K, V]) Invalidate(key K) bool {
	return c.segmentOf(key).invalidate(key)
}

// InvalidateKeys removes the given keys from the cache.
// Returns true if at least one of them was cached.
func (c *ftCache[K, V]) InvalidateKeys(keys []K) bool {
	changed := false
	for _, key := range keys {
		if c.segmentOf(key).invalidate(key) {
			changed = true
		}
	}
	return changed
}

// InvalidateAll removes every key from the cache.
func (c *ftCache[K, V]) InvalidateAll() {
	for _, s := range c.segments {
		s.invalidateAll()
	}
}

// Refresh reloads the entries that are due for refresh, on the calling
// goroutine. Hard-expired entries are dropped instead of reloaded.
// Reload failures never surface.
func (c *ftCache[K, V]) Refresh() {
	c.refreshImpl(false)
}

// RefreshNow reloads every cached entry whether or not it is due for
// refresh, on the calling goroutine. Hard-expired entries are dropped
// instead of reloaded. Reload failures never surface.
func (c *ftCache[K, V]) RefreshNow() {
	c.refreshImpl(true)
}

func (c *ftCache[K, V]) refreshImpl(all bool) {
	var toBeRefreshed []*entry[K, V]
	for _, s := range c.segments {
		toBeRefreshed = s.collectEntriesToRefresh(toBeRefreshed, all)
	}
	if len(toBeRefreshed) == 0 {
		return
	}
	c.queue.addAllNoRun(toBeRefreshed)
	c.queue.run()
}

// Len returns the total number of resident entries across all segments.
func (c *ftCache[K, V]) Len() int {
	total := 0
	for _, s := range c.segments {
		total += s.len()
	}
	return total
}

// segmentOf picks a segment by hashing the key.
func (c *ftCache[K, V]) segmentOf(key K) *segment[K, V] {
	h := util.Hash64(key)
	return c.segments[h%uint64(len(c.segments))]
}
