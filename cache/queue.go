package cache

import "sync"

// refreshQueue holds entries scheduled for background refresh. Each
// entry is in the queue at most once (deduper); drains may run on any
// number of goroutines concurrently and cooperate over the shared FIFO.
type refreshQueue[K comparable, V any] struct {
	mu    sync.Mutex
	items []*entry[K, V]

	// deduper tracks enqueued entries, keyed by identity.
	deduper sync.Map // *entry[K, V] -> struct{}

	executor  Executor
	refresher *refresher[K, V]
	bulkLimit int
}

// add enqueues the entry and schedules a drain on the executor. Entries
// already queued are left alone.
func (q *refreshQueue[K, V]) add(e *entry[K, V]) {
	if _, queued := q.deduper.LoadOrStore(e, struct{}{}); queued {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.executor(q.run)
}

// addAllNoRun enqueues the not-yet-queued entries without scheduling a
// drain; the caller drains on its own goroutine afterwards.
func (q *refreshQueue[K, V]) addAllNoRun(entries []*entry[K, V]) {
	fresh := make([]*entry[K, V], 0, len(entries))
	for _, e := range entries {
		if _, queued := q.deduper.LoadOrStore(e, struct{}{}); !queued {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, fresh...)
	q.mu.Unlock()
}

// run drains the queue until it is empty. With a Reloader configured,
// entries are drained in batches of bulkLimit; otherwise one by one.
func (q *refreshQueue[K, V]) run() {
	if q.refresher.bulkAvailable() {
		q.runBulk()
	} else {
		q.runSingle()
	}
}

func (q *refreshQueue[K, V]) runSingle() {
	for {
		e := q.pop()
		if e == nil {
			return
		}
		q.refresher.refreshOrLeave(e)
		q.deduper.Delete(e)
	}
}

func (q *refreshQueue[K, V]) runBulk() {
	for {
		batch := q.popBulk()
		if len(batch) == 0 {
			return
		}
		q.refresher.refreshOrLeaveBulk(batch)
		for _, e := range batch {
			q.deduper.Delete(e)
		}
	}
}

func (q *refreshQueue[K, V]) pop() *entry[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e
}

func (q *refreshQueue[K, V]) popBulk() []*entry[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(q.bulkLimit, len(q.items))
	if n == 0 {
		return nil
	}
	batch := make([]*entry[K, V], n)
	copy(batch, q.items[:n])
	for i := range q.items[:n] {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	return batch
}
