package cache

// Cache is a segmented, in-memory key/value cache that prefers serving
// a stale value over surfacing a reload failure.
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] interface {
	// Get returns the cached value for key, or loads it via the
	// configured Loader. Depending on how long ago the value was
	// written, Get behaves differently:
	//
	//   - past ExpireAfterWrite, or not loaded yet: the Loader runs on
	//     the calling goroutine and its error is returned.
	//   - past RefreshAfterWrite: the Loader runs on the calling
	//     goroutine; on error the cached value is returned instead.
	//   - past AsyncRefreshAfterWrite: the cached value is returned and
	//     the key is enqueued for a background refresh.
	//   - otherwise: the cached value is returned.
	Get(key K) (V, error)

	// GetIfPresent returns the cached value for key, if any. It never
	// triggers loading; hard-expired entries are reported as absent.
	GetIfPresent(key K) (V, bool)

	// Invalidate removes key. Returns true if it was cached.
	Invalidate(key K) bool

	// InvalidateKeys removes the given keys. Returns true if at least
	// one of them was cached.
	InvalidateKeys(keys []K) bool

	// InvalidateAll removes every key.
	InvalidateAll()

	// Refresh reloads entries that are due for refresh and drops
	// hard-expired ones. Runs on the calling goroutine; reload
	// failures never surface.
	Refresh()

	// RefreshNow reloads every cached entry whether or not it is due
	// for refresh. Hard-expired entries are dropped instead of reloaded.
	RefreshNow()

	// Len returns the number of resident entries across all segments.
	Len() int
}
