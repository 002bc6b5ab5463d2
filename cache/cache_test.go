package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// inlineExecutor runs background refreshes on the calling goroutine so
// tests observe them deterministically.
func inlineExecutor(task func()) { task() }

func TestCache_LoadOnce(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	if v, err := c.Get("a"); err != nil || v != "av" {
		t.Fatalf("Get a: v=%q err=%v", v, err)
	}
	if v, err := c.Get("a"); err != nil || v != "av" {
		t.Fatalf("Get a again: v=%q err=%v", v, err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loader must run once, got %d", got)
	}
}

func TestCache_GetIfPresentAndInvalidate(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	if _, ok := c.GetIfPresent("a"); ok {
		t.Fatal("GetIfPresent must not load")
	}
	if loads.Load() != 0 {
		t.Fatal("no load expected yet")
	}

	if v, _ := c.Get("a"); v != "av" {
		t.Fatalf("Get a: %q", v)
	}
	if loads.Load() != 1 {
		t.Fatal("one load expected")
	}

	if !c.Invalidate("a") {
		t.Fatal("Invalidate a must be true")
	}
	if c.Invalidate("a") {
		t.Fatal("second Invalidate must be false")
	}
	if _, ok := c.GetIfPresent("a"); ok {
		t.Fatal("a must be absent after Invalidate")
	}
	if loads.Load() != 1 {
		t.Fatal("Invalidate must not load")
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	_, _ = c.Get("a")
	_, _ = c.Get("b")
	if loads.Load() != 2 {
		t.Fatal("two loads expected")
	}

	c.InvalidateAll()

	if _, ok := c.GetIfPresent("a"); ok {
		t.Fatal("a must be gone")
	}
	if _, ok := c.GetIfPresent("b"); ok {
		t.Fatal("b must be gone")
	}
	if c.Len() != 0 {
		t.Fatalf("Len=%d after InvalidateAll", c.Len())
	}

	_, _ = c.Get("a")
	_, _ = c.Get("b")
	if loads.Load() != 4 {
		t.Fatalf("reload expected after InvalidateAll, loads=%d", loads.Load())
	}
}

func TestCache_InvalidateKeys(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	_, _ = c.Get("a")
	_, _ = c.Get("b")
	_, _ = c.Get("c")

	if !c.InvalidateKeys([]string{"a", "b"}) {
		t.Fatal("InvalidateKeys must report a change")
	}
	if c.InvalidateKeys([]string{"a", "b"}) {
		t.Fatal("second InvalidateKeys must report no change")
	}

	if _, ok := c.GetIfPresent("a"); ok {
		t.Fatal("a must be gone")
	}
	if _, ok := c.GetIfPresent("b"); ok {
		t.Fatal("b must be gone")
	}
	if v, ok := c.GetIfPresent("c"); !ok || v != "cv" {
		t.Fatal("c must survive")
	}
	if loads.Load() != 3 {
		t.Fatal("InvalidateKeys must not load")
	}
}

// Deterministic LRU eviction: single segment, MaximumSize 5.
// Both Get and GetIfPresent promote entries to MRU.
func TestCache_EvictionOrderByMaximumSize(t *testing.T) {
	t.Parallel()

	c := New(Options[string, string]{
		MaximumSize:      5,
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
		Loader: func(key string) (string, error) {
			return key + "v", nil
		},
	})

	for i := 0; i < 7; i++ {
		_, _ = c.Get(fmt.Sprintf("a%d", i))
	}
	// Check in key order: GetIfPresent promotes hits, and ascending order
	// leaves a2..a6 in their insertion order (a6 most recently used).
	present := map[string]bool{
		"a0": false, "a1": false, "a2": true, "a3": true,
		"a4": true, "a5": true, "a6": true,
	}
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("a%d", i)
		if _, ok := c.GetIfPresent(key); ok != present[key] {
			t.Fatalf("%s present=%v, want %v", key, ok, present[key])
		}
	}

	_, _ = c.Get("a2")          // promote a2
	_, _ = c.GetIfPresent("a3") // promote a3
	_, _ = c.Get("a7")
	_, _ = c.Get("a8")

	for key, want := range map[string]bool{
		"a0": false, "a1": false, "a2": true, "a3": true,
		"a4": false, "a5": false, "a6": true, "a7": true, "a8": true,
	} {
		if _, ok := c.GetIfPresent(key); ok != want {
			t.Fatalf("%s present=%v, want %v", key, ok, want)
		}
	}
	if c.Len() != 5 {
		t.Fatalf("Len=%d, want 5", c.Len())
	}
}

// A value past RefreshAfterWrite is still served by GetIfPresent; past
// ExpireAfterWrite it is reported as absent. Neither call loads.
func TestCache_Expire(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel:  1,
		RefreshAfterWrite: 1 * time.Second,
		ExpireAfterWrite:  2 * time.Second,
		Clock:             clk,
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	_, _ = c.Get("a0")
	if loads.Load() != 1 {
		t.Fatal("one load expected")
	}

	clk.add(1200 * time.Millisecond)
	// Past the refresh horizon, still cached.
	if v, ok := c.GetIfPresent("a0"); !ok || v != "a0v" {
		t.Fatalf("soft-expired value must be served, got %q ok=%v", v, ok)
	}
	if loads.Load() != 1 {
		t.Fatal("GetIfPresent must not load")
	}

	clk.add(1 * time.Second)
	// Past the hard limit, not cached.
	if _, ok := c.GetIfPresent("a0"); ok {
		t.Fatal("hard-expired value must be absent")
	}
	if loads.Load() != 1 {
		t.Fatal("GetIfPresent must not load")
	}
}

func TestCache_SynchronousRefreshOnHardExpire(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel:  1,
		RefreshAfterWrite: 1 * time.Second,
		ExpireAfterWrite:  2 * time.Second,
		Clock:             clk,
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	_, _ = c.Get("a0")
	clk.add(2200 * time.Millisecond)

	if v, err := c.Get("a0"); err != nil || v != "a0v" {
		t.Fatalf("Get after hard expire: v=%q err=%v", v, err)
	}
	if loads.Load() != 2 {
		t.Fatalf("loads=%d, want 2", loads.Load())
	}
}

func TestCache_SynchronousRefreshOnSoftExpire(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel:  1,
		RefreshAfterWrite: 1 * time.Second,
		ExpireAfterWrite:  2 * time.Second,
		Clock:             clk,
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return key + "v", nil
		},
	})

	_, _ = c.Get("a0")
	clk.add(1200 * time.Millisecond)

	if v, err := c.Get("a0"); err != nil || v != "a0v" {
		t.Fatalf("Get after soft expire: v=%q err=%v", v, err)
	}
	if loads.Load() != 2 {
		t.Fatalf("loads=%d, want 2", loads.Load())
	}
}

// Past AsyncRefreshAfterWrite, Get serves the cached value and the
// refresh runs on the executor. The inline executor makes it visible
// on the next call.
func TestCache_AsynchronousRefresh(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var loads atomic.Int64
	c := New(Options[string, string]{
		ConcurrencyLevel:       1,
		AsyncRefreshAfterWrite: 1 * time.Second,
		ExpireAfterWrite:       10 * time.Second,
		Clock:                  clk,
		Executor:               inlineExecutor,
		Loader: func(key string) (string, error) {
			n := loads.Add(1)
			return fmt.Sprintf("%s#%d", key, n), nil
		},
	})

	if v, _ := c.Get("a"); v != "a#1" {
		t.Fatalf("first Get: %q", v)
	}

	clk.add(1200 * time.Millisecond)
	// The stale value is returned; the refresh happens inline after.
	if v, _ := c.Get("a"); v != "a#1" {
		t.Fatalf("async Get must serve the cached value, got %q", v)
	}
	if loads.Load() != 2 {
		t.Fatalf("background refresh expected, loads=%d", loads.Load())
	}
	if v, _ := c.Get("a"); v != "a#2" {
		t.Fatalf("refreshed value expected, got %q", v)
	}
}

// A failed foreground refresh falls back to the cached value; the
// same failure past the hard limit surfaces.
func TestCache_StaleFallbackOnRefreshFailure(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var failing atomic.Bool
	var seen atomic.Int64
	errBoom := errors.New("boom")

	c := New(Options[string, string]{
		ConcurrencyLevel:  1,
		RefreshAfterWrite: 1 * time.Second,
		ExpireAfterWrite:  10 * time.Second,
		Clock:             clk,
		ExceptionListener: func(err error) {
			if errors.Is(err, errBoom) {
				seen.Add(1)
			}
		},
		Loader: func(key string) (string, error) {
			if failing.Load() {
				return "", errBoom
			}
			return key + "v", nil
		},
	})

	if v, err := c.Get("a"); err != nil || v != "av" {
		t.Fatalf("initial Get: v=%q err=%v", v, err)
	}

	failing.Store(true)
	clk.add(1200 * time.Millisecond)
	if v, err := c.Get("a"); err != nil || v != "av" {
		t.Fatalf("stale fallback expected: v=%q err=%v", v, err)
	}
	if seen.Load() != 1 {
		t.Fatalf("listener must observe the failure, seen=%d", seen.Load())
	}

	clk.add(10 * time.Second)
	if _, err := c.Get("a"); !errors.Is(err, errBoom) {
		t.Fatalf("hard-expired failure must surface, err=%v", err)
	}
}

func TestCache_ErrNoLoader(t *testing.T) {
	t.Parallel()

	c := New(Options[string, string]{ConcurrencyLevel: 1, Clock: &fakeClock{}})
	if _, err := c.Get("a"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("err=%v, want ErrNoLoader", err)
	}
	if _, ok := c.GetIfPresent("a"); ok {
		t.Fatal("nothing must be cached")
	}
}

// Once the failure bucket is drained, load attempts fail fast with
// ErrFailureRateLimited instead of calling the loader.
func TestCache_FailureRateLimit(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	errBoom := errors.New("boom")
	c := New(Options[string, string]{
		ConcurrencyLevel: 1,
		Clock:            &fakeClock{},
		FailureRateLimit: &FailureRateLimit{BurstLimit: 1, PerSecond: 0.001},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			return "", errBoom
		},
	})

	if _, err := c.Get("a"); !errors.Is(err, errBoom) {
		t.Fatalf("first failure must surface, err=%v", err)
	}
	if _, err := c.Get("b"); !errors.Is(err, ErrFailureRateLimited) {
		t.Fatalf("rate limited failure expected, err=%v", err)
	}
	if loads.Load() != 1 {
		t.Fatalf("rate limited attempt must not call the loader, loads=%d", loads.Load())
	}
}

// Concurrent Gets for an uncached key coalesce into one load.
func TestCache_SingleFlight(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	gate := make(chan struct{})
	c := New(Options[string, string]{
		Clock: &fakeClock{},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			<-gate
			return "v:" + key, nil
		},
	})

	const N = 64
	var g errgroup.Group
	started := make(chan struct{}, N)
	for i := 0; i < N; i++ {
		g.Go(func() error {
			started <- struct{}{}
			v, err := c.Get("k")
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	for i := 0; i < N; i++ {
		<-started
	}
	time.Sleep(10 * time.Millisecond) // let the stragglers reach the join
	close(gate)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
}

// Followers joining a failing load observe the owner's error unchanged.
func TestCache_FollowersObserveOwnerError(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	gate := make(chan struct{})
	errBoom := errors.New("boom")
	c := New(Options[string, string]{
		Clock: &fakeClock{},
		Loader: func(key string) (string, error) {
			loads.Add(1)
			<-gate
			return "", errBoom
		},
	})

	const N = 16
	var g errgroup.Group
	started := make(chan struct{}, N)
	for i := 0; i < N; i++ {
		g.Go(func() error {
			started <- struct{}{}
			if _, err := c.Get("k"); !errors.Is(err, errBoom) {
				return fmt.Errorf("follower err=%v, want errBoom", err)
			}
			return nil
		})
	}
	for i := 0; i < N; i++ {
		<-started
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
}
