// Command bench runs a synthetic workload against the cache and exposes an optional pprof endpoint and a Prometheus /metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/robustcache/cache"
	pmet "github.com/IvanBrykalov/robustcache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		maxSize     = flag.Int("max", 100_000, "maximum cache size (entries)")
		concurrency = flag.Int("concurrency", 4, "number of lock segments")

		asyncRefresh = flag.Duration("async_refresh", 2*time.Second, "async refresh horizon (0 = disabled)")
		syncRefresh  = flag.Duration("refresh", 10*time.Second, "foreground refresh horizon (0 = disabled)")
		expire       = flag.Duration("expire", time.Minute, "hard expiration horizon (0 = disabled)")

		bulk       = flag.Int("bulk", 0, "use a bulk reloader with this batch limit (0 = per-key loader only)")
		loadDelay  = flag.Duration("load_delay", 0, "simulated upstream latency per load")
		failPct    = flag.Int("fail", 0, "percentage of loads that fail [0..100]")
		rateBurst  = flag.Float64("rate_burst", 0, "failure rate limit burst (0 = disabled)")
		ratePerSec = flag.Float64("rate_persec", 1, "failure rate limit drain per second")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")

		keys  = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "robustcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Simulated upstream ----
	var loads, loadFails uint64
	errUpstream := errors.New("simulated upstream failure")

	fetch := func(r *rand.Rand, key string) (string, error) {
		atomic.AddUint64(&loads, 1)
		if *loadDelay > 0 {
			time.Sleep(*loadDelay)
		}
		if *failPct > 0 && int(r.Int31n(100)) < *failPct {
			atomic.AddUint64(&loadFails, 1)
			return "", errUpstream
		}
		return "v:" + key, nil
	}

	// The loader needs its own RNG; rand.Rand is NOT goroutine-safe and
	// loads run both on callers and on the background executor.
	var loaderMu sync.Mutex
	loaderRand := rand.New(rand.NewSource(*seed))
	loader := func(key string) (string, error) {
		loaderMu.Lock()
		defer loaderMu.Unlock()
		return fetch(loaderRand, key)
	}

	// ---- Build cache ----
	opt := cache.Options[string, string]{
		MaximumSize:            *maxSize,
		ConcurrencyLevel:       *concurrency,
		AsyncRefreshAfterWrite: *asyncRefresh,
		RefreshAfterWrite:      *syncRefresh,
		ExpireAfterWrite:       *expire,
		Loader:                 loader,
		Metrics:                metrics,
		ExceptionListener:      func(error) {}, // failures are counted by the loader itself
	}
	if *bulk > 0 {
		opt.BulkReloadSizeLimit = *bulk
		opt.Reloader = func(batch []string, produce func(string, string)) error {
			loaderMu.Lock()
			defer loaderMu.Unlock()
			for _, key := range batch {
				v, err := fetch(loaderRand, key)
				if err != nil {
					return err
				}
				produce(key, v)
			}
			return nil
		}
	}
	if *rateBurst > 0 {
		opt.FailureRateLimit = &cache.FailureRateLimit{BurstLimit: *rateBurst, PerSecond: *ratePerSec}
	}
	c := cache.New(opt)

	// ---- Snapshot flags for goroutines ----
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var gets, errs, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				atomic.AddUint64(&gets, 1)
				if _, err := c.Get(keyByZipf()); err != nil {
					atomic.AddUint64(&errs, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	getsN := atomic.LoadUint64(&gets)
	errsN := atomic.LoadUint64(&errs)
	loadsN := atomic.LoadUint64(&loads)
	loadFailsN := atomic.LoadUint64(&loadFails)

	loadRate := 0.0
	if getsN > 0 {
		loadRate = float64(loadsN) / float64(getsN) * 100
	}

	fmt.Printf("max=%d segments=%d workers=%d keys=%d dur=%v seed=%d bulk=%d fail=%d%%\n",
		*maxSize, *concurrency, workersN, *keys, elapsed, seedBase, *bulk, *failPct)
	fmt.Printf("ops=%d (%.0f ops/s)  get-errors=%d\n",
		ops, float64(ops)/elapsed.Seconds(), errsN)
	fmt.Printf("loads=%d (%.2f%% of gets)  load-failures=%d\n", loadsN, loadRate, loadFailsN)
	fmt.Printf("Len()=%d\n", c.Len())
}
