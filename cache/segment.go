package cache

import "sync"

// segment is an independent partition of the cache: a mutex, a map, and
// an access-order list (head=MRU, tail=LRU). Freshness horizons are in
// milliseconds; a negative horizon is disabled.
type segment[K comparable, V any] struct {
	mu   sync.Mutex
	m    map[K]*entry[K, V]
	list accessOrderList[K, V]

	// maxSize is this segment's resident entry limit (0 = unlimited).
	maxSize int

	expireMillis int64
	syncMillis   int64
	asyncMillis  int64

	refresher *refresher[K, V]
	queue     *refreshQueue[K, V]
	metrics   Metrics
}

// invalidate removes the key. Returns true if it was cached.
func (s *segment[K, V]) invalidate(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok {
		return false
	}
	delete(s.m, key)
	s.list.remove(e)
	e.evicted.Store(true)
	s.metrics.Evict(EvictInvalidate)
	s.metrics.Size(len(s.m))
	return true
}

// invalidateAll removes every entry of the segment.
func (s *segment[K, V]) invalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.m {
		e.evicted.Store(true)
	}
	clear(s.m)
	s.list.clear()
	s.metrics.Size(0)
}

// getIfPresent returns the cached value without ever loading. Entries
// past the hard expiration are reported as absent.
func (s *segment[K, V]) getIfPresent(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok {
		s.metrics.Miss()
		var zero V
		return zero, false
	}
	ver := e.current.Load()
	if s.hardExpired(ver, s.refresher.milliTime()) {
		s.metrics.Miss()
		var zero V
		return zero, false
	}
	s.list.moveToHead(e)
	s.metrics.Hit()
	return ver.value, true
}

// get returns the cached value, loading or refreshing it as its age
// demands. The classification happens under the segment lock; loading
// and waiting happen outside it.
func (s *segment[K, V]) get(key K) (V, error) {
	var (
		toBeRefreshed     *entry[K, V]
		allowCurrent      bool
		allowAsyncRefresh bool
	)
	now := s.refresher.milliTime()

	s.mu.Lock()
	e, ok := s.m[key]
	switch {
	case !ok:
		// Not cached yet. Insert the cell first so concurrent gets for
		// the same key find it and join the same reload.
		s.ensureRoomBeforeAdd(1)
		e = newEntry[K, V](key)
		s.list.pushHead(e)
		s.m[key] = e
		s.metrics.Miss()
		s.metrics.Size(len(s.m))
		toBeRefreshed = e
	case s.hardExpired(e.current.Load(), now):
		// Unusable. Reload or surface the error.
		s.list.moveToHead(e)
		s.metrics.Miss()
		toBeRefreshed = e
	case s.refreshWanted(e.current.Load(), now):
		// Usable but due for refresh. Keep the current value available
		// as the fallback.
		s.list.moveToHead(e)
		s.metrics.Hit()
		toBeRefreshed = e
		allowCurrent = true
		allowAsyncRefresh = !s.syncRefreshWanted(e.current.Load(), now)
	default:
		s.list.moveToHead(e)
		s.metrics.Hit()
		ver := e.current.Load()
		s.mu.Unlock()
		return ver.value, nil
	}
	s.mu.Unlock()

	switch {
	case !allowCurrent:
		// No usable value. Reload, or wait for the reload in flight.
		s.metrics.Refresh(RefreshSync)
		ver, err := s.refresher.refreshOrJoin(toBeRefreshed)
		if err != nil {
			var zero V
			return zero, err
		}
		return ver.value, nil
	case allowAsyncRefresh:
		// Usable value and the age only warrants a background refresh.
		s.metrics.Refresh(RefreshAsync)
		ver := toBeRefreshed.current.Load()
		s.queue.add(toBeRefreshed)
		return ver.value, nil
	default:
		// Usable value but a foreground refresh is wanted. Fall back to
		// the current value when the refresh fails.
		s.metrics.Refresh(RefreshSync)
		ver, err := s.refresher.refreshOrJoin(toBeRefreshed)
		if err != nil {
			ver = toBeRefreshed.current.Load()
		}
		return ver.value, nil
	}
}

// ensureRoomBeforeAdd evicts LRU entries until numToAdd more fit.
func (s *segment[K, V]) ensureRoomBeforeAdd(numToAdd int) {
	if s.maxSize <= 0 {
		return
	}
	for len(s.m) > s.maxSize-numToAdd {
		e := s.list.removeTail()
		if e == nil {
			return
		}
		delete(s.m, e.key)
		e.evicted.Store(true)
		s.metrics.Evict(EvictCapacity)
	}
}

// collectEntriesToRefresh appends refresh candidates in MRU-first order.
// Hard-expired entries are dropped from the segment instead; with all
// set, every surviving entry is a candidate.
func (s *segment[K, V]) collectEntriesToRefresh(results []*entry[K, V], all bool) []*entry[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.refresher.milliTime()
	s.list.forEach(func(e *entry[K, V]) {
		if s.hardExpired(e.current.Load(), now) {
			s.list.remove(e)
			delete(s.m, e.key)
			e.evicted.Store(true)
			s.metrics.Evict(EvictExpired)
		} else if all || s.refreshWanted(e.current.Load(), now) {
			results = append(results, e)
		}
	})
	s.metrics.Size(len(s.m))
	return results
}

// len reports resident entries.
func (s *segment[K, V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// ---- freshness classification ----
//
// An entry with no version yet counts as expired for every horizon, so
// the first get always loads.

func (s *segment[K, V]) hardExpired(ver *version[V], now int64) bool {
	if ver == nil {
		return true
	}
	return s.expireMillis >= 0 && ver.writtenAt+s.expireMillis < now
}

func (s *segment[K, V]) syncRefreshWanted(ver *version[V], now int64) bool {
	if ver == nil {
		return true
	}
	return s.syncMillis >= 0 && ver.writtenAt+s.syncMillis < now
}

func (s *segment[K, V]) refreshWanted(ver *version[V], now int64) bool {
	if ver == nil {
		return true
	}
	return (s.syncMillis >= 0 && ver.writtenAt+s.syncMillis < now) ||
		(s.asyncMillis >= 0 && ver.writtenAt+s.asyncMillis < now)
}
