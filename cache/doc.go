// Package cache provides a fault tolerant, in-memory key/value cache
// for data loaded from unreliable upstreams.
//
// The cache keeps serving cached entries while reloads fail. This is
// useful when a system loads data from a remote server and must stay
// alive while that server is down: during the outage, callers see
// cached entries for longer than the regular refresh interval.
//
// The worst case is an upstream that is not down but extremely slow.
// To isolate the impact, the cache refreshes entries on background
// goroutines once AsyncRefreshAfterWrite has passed. The calling
// goroutine loads when an entry is past RefreshAfterWrite (falling back
// to the cached value on error), or when it is older than the
// configured hard limit or not cached at all, in which case the
// loader's error passes through to the caller.
//
// Freshness is tiered by three horizons counted from the time a value
// was written (all optional, each disabled when zero):
//
//	AsyncRefreshAfterWrite  use cached value, refresh in background
//	RefreshAfterWrite       refresh in foreground, fall back on error
//	ExpireAfterWrite        value unusable, reload or fail
//
// Concurrent reloads of a key are coalesced: one goroutine loads while
// the others either wait for its result or keep the stale value,
// depending on which horizon fired. A batch Reloader can replace the
// per-key Loader for queued background refreshes, and a failure rate
// limit can stop a persistently failing loader from being hammered.
//
// Construct instances with New and an Options struct:
//
//	c := cache.New(cache.Options[string, string]{
//		MaximumSize:            10_000,
//		AsyncRefreshAfterWrite: 30 * time.Second,
//		ExpireAfterWrite:       10 * time.Minute,
//		Loader:                 fetchFromUpstream,
//	})
package cache
