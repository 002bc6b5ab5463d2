// Package worker provides a small bounded worker pool for background
// tasks.
package worker

import (
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted tasks on at most size goroutines. Tasks queue in
// an unbounded backlog; workers are spawned lazily and exit once the
// backlog drains.
type Pool struct {
	mu      sync.Mutex
	backlog []func()

	// sem counts live worker goroutines.
	sem *semaphore.Weighted
}

// NewPool creates a pool running at most size tasks concurrently.
// A non-positive size defaults to GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit enqueues task and makes sure a worker will pick it up. It
// never blocks the caller.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	p.backlog = append(p.backlog, task)
	p.mu.Unlock()

	if p.sem.TryAcquire(1) {
		go p.work()
	}
}

func (p *Pool) work() {
	for {
		for {
			task, ok := p.pop()
			if !ok {
				break
			}
			task()
		}
		p.sem.Release(1)

		// A task may have been enqueued between the last pop and the
		// release; if so and no slot is free, an active worker will
		// pick it up. Otherwise claim a slot again and keep going.
		p.mu.Lock()
		empty := len(p.backlog) == 0
		p.mu.Unlock()
		if empty || !p.sem.TryAcquire(1) {
			return
		}
	}
}

func (p *Pool) pop() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		return nil, false
	}
	task := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	return task, true
}
