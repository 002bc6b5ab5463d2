package cache

import (
	"time"
)

// Loader fetches the value for a single key. It runs on the caller's
// goroutine for foreground loads and on the executor for background
// refreshes.
type Loader[K comparable, V any] func(key K) (V, error)

// Reloader refreshes a batch of keys at once. For every key it can
// produce a value for, it must call produce(key, value); keys left
// unproduced are treated as failed with the returned error (or
// ErrReloadNotProduced when the error is nil).
type Reloader[K comparable, V any] func(keys []K, produce func(key K, value V)) error

// Executor runs background refresh work. The default is a shared
// bounded worker pool; tests may substitute an inline executor.
type Executor func(task func())

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// FailureRateLimit enables skipping of load attempts while the loader
// keeps failing. Failures fill a leaky bucket of BurstLimit capacity
// which drains at PerSecond; when the bucket has less than one unit of
// room, attempts fail fast with ErrFailureRateLimited.
type FailureRateLimit struct {
	BurstLimit float64
	PerSecond  float64
}

// Options configures a fault tolerant cache. Zero values are safe;
// defaults are applied in New():
//   - ConcurrencyLevel <= 0    => 4
//   - BulkReloadSizeLimit <= 0 => 100
//   - nil Metrics              => NoopMetrics
//   - nil Executor             => shared bounded worker pool
//   - nil ExceptionListener    => slog.Warn on refresh failures
type Options[K comparable, V any] struct {
	// MaximumSize is the entry count limit across all segments
	// (0 = unlimited). When exceeded, the least recently used entry of
	// the affected segment is removed.
	MaximumSize int

	// ConcurrencyLevel is the number of lock segments.
	ConcurrencyLevel int

	// AsyncRefreshAfterWrite triggers a background refresh of an entry
	// on use once this much time has passed since its value was
	// written. Failures never surface to callers. 0 disables.
	AsyncRefreshAfterWrite time.Duration

	// RefreshAfterWrite triggers a foreground refresh on use. A failed
	// refresh falls back to the cached value instead of surfacing the
	// error. 0 disables. Usually shorter than ExpireAfterWrite.
	RefreshAfterWrite time.Duration

	// ExpireAfterWrite is the hard limit: past it the cached value is
	// unusable, Get must reload and reload errors surface to the
	// caller. 0 disables. This duration should be long enough to ride
	// out upstream outages.
	ExpireAfterWrite time.Duration

	// Loader fetches a single key. Required for Get; a cache without a
	// Loader serves GetIfPresent only and Get fails with ErrNoLoader.
	Loader Loader[K, V]

	// Reloader, when set, replaces Loader for queued background
	// refreshes so that multiple keys are fetched in one call.
	Reloader Reloader[K, V]

	// BulkReloadSizeLimit caps the number of keys handed to Reloader at
	// once. Smaller values mean more Reloader calls.
	BulkReloadSizeLimit int

	// FailureRateLimit, when non-nil, skips load attempts while the
	// loader keeps failing. See the type documentation.
	FailureRateLimit *FailureRateLimit

	// ExceptionListener observes refresh failures, including rate
	// limited skips. It runs on whichever goroutine hit the failure;
	// keep it lightweight.
	ExceptionListener func(err error)

	// Executor runs background refreshes (nil => shared pool).
	Executor Executor

	// Metrics receives observability callbacks (nil => NoopMetrics).
	Metrics Metrics

	// Clock overrides the time source (tests). Nil => time.Now().
	Clock Clock
}
