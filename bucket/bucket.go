// Package bucket implements the leaky bucket algorithm over fractional
// volumes.
//
// This is useful for rate limiting. Build a LeakyBucket with the
// desired Capacity (maximum burst) and LeakRate (sustained rate per
// second). When a request comes in, call TryFlowIn(1) and process the
// request only if it returns true. Available capacity recovers over
// time at LeakRate per second, up to Capacity.
package bucket

import (
	"sync"
	"time"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Options configures a LeakyBucket. The zero value is a bucket that
// holds nothing and leaks nothing; set at least Capacity and LeakRate.
type Options struct {
	// Capacity is the size of the bucket. Flowing in can burst at most
	// this amount.
	Capacity float64

	// LeakRate is the volume removed from the bucket every second.
	LeakRate float64

	// AllowedNegativeCapacity lets the available capacity go below
	// zero, down to this value (it must be negative to be effective;
	// use math.Inf(-1) for no floor). By default overfilling clamps at
	// zero; a negative floor instead penalizes overuse, which can
	// happen when concurrent fillers skip the TryFlowIn check.
	AllowedNegativeCapacity float64

	// InitialVolume is the volume already flowed in at construction.
	// This option is less common. Default is 0.
	InitialVolume float64

	// Clock overrides the time source (tests). Nil => time.Now().
	Clock Clock
}

// LeakyBucket is a thread-safe fractional token meter.
type LeakyBucket struct {
	mu sync.Mutex

	available float64
	last      int64 // nanotime of the last adjustment

	capacity        float64
	leakRate        float64
	allowedNegative float64
	clock           Clock
}

// New creates a LeakyBucket with the given Options.
func New(opt Options) *LeakyBucket {
	if opt.Clock == nil {
		opt.Clock = systemClock{}
	}
	return &LeakyBucket{
		available:       opt.Capacity - opt.InitialVolume,
		last:            opt.Clock.NowUnixNano(),
		capacity:        opt.Capacity,
		leakRate:        opt.LeakRate,
		allowedNegative: opt.AllowedNegativeCapacity,
		clock:           opt.Clock,
	}
}

// AvailableCapacity returns the current remaining capacity of the
// bucket. The value grows over time at LeakRate per second, up to the
// configured Capacity.
func (b *LeakyBucket) AvailableCapacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjustWithDelta(0)
	return b.available
}

// TryFlowIn fills the bucket by amount if at least that much capacity
// is available, and reports whether it did. The check and the fill
// happen atomically.
func (b *LeakyBucket) TryFlowIn(amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjustWithDelta(0)
	if b.available < amount {
		return false
	}
	b.available = b.clamp(b.available - amount)
	return true
}

// FlowIn fills the bucket by amount unconditionally. The available
// capacity drops to AllowedNegativeCapacity at the lowest.
func (b *LeakyBucket) FlowIn(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjustWithDelta(-amount)
}

// SetLeakRate changes the leaking rate.
func (b *LeakyBucket) SetLeakRate(leakRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leakRate = leakRate
}

// Clear resets the available capacity to the full Capacity.
func (b *LeakyBucket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.capacity
	b.last = b.clock.NowUnixNano()
}

// adjustWithDelta folds the leak since the last adjustment together
// with delta into the available capacity, clamped to the allowed
// range. Callers hold b.mu.
func (b *LeakyBucket) adjustWithDelta(delta float64) {
	now := b.clock.NowUnixNano()
	leaked := float64(now-b.last) * b.leakRate / 1e9
	b.available = b.clamp(b.available + delta + leaked)
	b.last = now
}

func (b *LeakyBucket) clamp(v float64) float64 {
	return max(b.allowedNegative, min(b.capacity, v))
}
