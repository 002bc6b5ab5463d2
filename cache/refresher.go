package cache

import (
	"time"

	"github.com/IvanBrykalov/robustcache/bucket"
)

// refresher coordinates concurrent reloads of a key. The first
// goroutine to CAS a flight into entry.refreshLock becomes the owner
// and runs the loader; every other goroutine either joins (waits on
// the flight) or leaves. The same protocol applies to bulk reloading.
//
// Completion order matters: the owner publishes the new version to the
// entry, clears the lock slot, and only then wakes followers. Readers
// that observe a non-nil lock therefore never miss the version the
// owner produced.
type refresher[K comparable, V any] struct {
	loader   Loader[K, V]
	reloader Reloader[K, V]

	// gate is nil unless failure rate limiting is enabled.
	gate     *bucket.LeakyBucket
	listener func(err error)
	metrics  Metrics
	clock    Clock
}

func (r *refresher[K, V]) bulkAvailable() bool {
	return r.reloader != nil
}

// milliTime is the cache-wide timestamp unit for version freshness.
func (r *refresher[K, V]) milliTime() int64 {
	return r.clock.NowUnixNano() / int64(time.Millisecond)
}

// refreshOrJoin refreshes the entry or waits for the refresh already in
// flight, returning the resulting version. Used on foreground paths.
func (r *refresher[K, V]) refreshOrJoin(e *entry[K, V]) (*version[V], error) {
	return r.refresh(e, true)
}

// refreshOrLeave refreshes the entry unless a refresh is already in
// flight, in which case it returns immediately. Used by queue workers;
// the outcome is dropped because nobody is waiting for it.
func (r *refresher[K, V]) refreshOrLeave(e *entry[K, V]) {
	if e.evicted.Load() {
		return
	}
	_, _ = r.refresh(e, false)
}

func (r *refresher[K, V]) refresh(e *entry[K, V], join bool) (*version[V], error) {
	for {
		if f := e.refreshLock.Load(); f != nil {
			// Another goroutine owns the reload.
			if !join {
				return nil, nil
			}
			return f.wait()
		}
		f := newFlight[V]()
		if e.refreshLock.CompareAndSwap(nil, f) {
			return r.load(e, f)
		}
		// Lost the installation race; reread the slot.
	}
}

// load runs on the owner of f and always completes it.
func (r *refresher[K, V]) load(e *entry[K, V], f *flight[V]) (*version[V], error) {
	if r.loader == nil {
		r.complete(e, f, nil, ErrNoLoader)
		return nil, ErrNoLoader
	}
	if r.gate != nil && r.gate.AvailableCapacity() < 1 {
		r.complete(e, f, nil, ErrFailureRateLimited)
		r.notify(ErrFailureRateLimited)
		return nil, ErrFailureRateLimited
	}
	value, err := r.loader(e.key)
	if err != nil {
		r.complete(e, f, nil, err)
		if r.gate != nil {
			r.gate.FlowIn(1)
		}
		r.metrics.LoadFailure()
		r.notify(err)
		return nil, err
	}
	ver := &version[V]{value: value, writtenAt: r.milliTime()}
	r.complete(e, f, ver, nil)
	return ver, nil
}

// refreshOrLeaveBulk reloads a batch of queued entries through the
// Reloader, claiming the lock slot of each entry that has no reload in
// flight; evicted entries are skipped. Entries the Reloader produces no value for are completed with
// its error, or with ErrReloadNotProduced when it returned nil. Errors
// never propagate to the queue worker.
func (r *refresher[K, V]) refreshOrLeaveBulk(entries []*entry[K, V]) {
	if r.gate != nil && r.gate.AvailableCapacity() < 1 {
		r.notify(ErrFailureRateLimited)
		return
	}

	claimed := make(map[K]*entry[K, V], len(entries))
	keys := make([]K, 0, len(entries))
	for _, e := range entries {
		if e.evicted.Load() {
			continue
		}
		if _, dup := claimed[e.key]; dup {
			continue
		}
		f := newFlight[V]()
		if e.refreshLock.CompareAndSwap(nil, f) {
			claimed[e.key] = e
			keys = append(keys, e.key)
		}
	}

	produce := func(key K, value V) {
		e, ok := claimed[key]
		if !ok {
			return
		}
		ver := &version[V]{value: value, writtenAt: r.milliTime()}
		r.complete(e, e.refreshLock.Load(), ver, nil)
		r.metrics.Refresh(RefreshBulk)
		delete(claimed, key)
	}

	err := r.reloader(keys, produce)
	if err != nil {
		if r.gate != nil {
			r.gate.FlowIn(1)
		}
		r.metrics.LoadFailure()
		r.notify(err)
	}

	// Entries the reloader did not produce: release their locks and
	// fail their followers.
	if len(claimed) > 0 {
		cause := err
		if cause == nil {
			cause = ErrReloadNotProduced
		}
		for _, e := range claimed {
			r.complete(e, e.refreshLock.Load(), nil, cause)
		}
	}
}

// complete publishes the outcome of f: on success the entry's current
// version advances, the lock slot is cleared, and followers wake.
func (r *refresher[K, V]) complete(e *entry[K, V], f *flight[V], ver *version[V], err error) {
	f.ver, f.err = ver, err
	if err == nil {
		e.current.Store(ver)
	}
	e.refreshLock.Store(nil)
	close(f.done)
}

func (r *refresher[K, V]) notify(err error) {
	if r.listener != nil {
		r.listener(err)
	}
}
