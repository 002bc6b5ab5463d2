// Package retry executes operations with exponential back-off
// retrying.
//
// Build an Executor with Options and hand it functions to run:
//
//	x := retry.New(retry.Options{RetryLimit: 3})
//	err := x.Run(func() error { return callUpstream() })
//
// When retrying is given up, the returned error is a *GiveupError
// wrapping the first failure (or, with RunContext, the cancellation
// cause when the context is cancelled during a wait).
package retry

import (
	"context"
	"math"
	"time"
)

// GiveupError is returned when retrying stops, either because the
// retry limit was hit, the failure was not retryable, the giveup
// timeout would be exceeded, or the context was cancelled. It wraps
// the first failure of the run, or the context's cancellation cause
// when a cancelled context aborted the wait.
type GiveupError struct {
	Cause error
}

func (e *GiveupError) Error() string { return "retry: gave up: " + e.Cause.Error() }

func (e *GiveupError) Unwrap() error { return e.Cause }

// Options configures an Executor. Zero values are replaced with the
// defaults noted per field.
type Options struct {
	// RetryLimit is the maximum number of retries (default 5).
	RetryLimit int

	// InitialRetryWait is the wait before the first retry
	// (default 500ms).
	InitialRetryWait time.Duration

	// MaxRetryWait caps the wait between retries (default 5m).
	MaxRetryWait time.Duration

	// WaitGrowRate multiplies the wait after each retry (default 2.0).
	WaitGrowRate float64

	// GiveupTimeout bounds the total duration from the initial run.
	// Retrying stops early rather than wait past it. 0 disables.
	GiveupTimeout time.Duration

	// RetryIf decides whether a failure is retryable. Nil retries
	// every failure.
	RetryIf func(err error) bool

	// OnRetry is called before each wait, e.g. to log
	// "retrying (count/limit) after wait: err".
	OnRetry func(err error, retryCount, retryLimit int, wait time.Duration)

	// OnGiveup is called when retrying is given up, with the first and
	// last failures. The *GiveupError is still returned afterwards. It is
	// not called when a cancelled context aborts the wait.
	OnGiveup func(first, last error)
}

// Executor runs operations with retrying. It is immutable and safe
// for concurrent use.
type Executor struct {
	opt Options
}

// New creates an Executor with the given Options.
func New(opt Options) *Executor {
	if opt.RetryLimit == 0 {
		opt.RetryLimit = 5
	}
	if opt.InitialRetryWait == 0 {
		opt.InitialRetryWait = 500 * time.Millisecond
	}
	if opt.MaxRetryWait == 0 {
		opt.MaxRetryWait = 5 * time.Minute
	}
	if opt.WaitGrowRate == 0 {
		opt.WaitGrowRate = 2.0
	}
	return &Executor{opt: opt}
}

// Run executes op until it succeeds or retrying is given up. The waits
// between attempts are plain sleeps; use RunContext when they must be
// interruptible.
func (x *Executor) Run(op func() error) error {
	return x.run(context.Background(), op)
}

// RunContext executes op like Run, but a cancelled ctx aborts the wait
// between attempts and the cancellation cause is returned wrapped in
// *GiveupError. The running op itself is not interrupted; thread ctx
// into op for that.
func (x *Executor) RunContext(ctx context.Context, op func() error) error {
	return x.run(ctx, op)
}

// Call executes op with retrying and returns its value.
func Call[T any](x *Executor, op func() (T, error)) (T, error) {
	var value T
	err := x.Run(func() error {
		var err error
		value, err = op()
		return err
	})
	return value, err
}

// CallContext executes op with retrying and returns its value,
// aborting waits when ctx is cancelled.
func CallContext[T any](ctx context.Context, x *Executor, op func() (T, error)) (T, error) {
	var value T
	err := x.RunContext(ctx, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, err
}

func (x *Executor) run(ctx context.Context, op func() error) error {
	opt := x.opt
	retryCount := 0
	var giveupAt time.Time
	if opt.GiveupTimeout > 0 {
		giveupAt = time.Now().Add(opt.GiveupTimeout)
	}

	var firstErr error
	for {
		err := op()
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if retryCount >= opt.RetryLimit || (opt.RetryIf != nil && !opt.RetryIf(err)) {
			if opt.OnGiveup != nil {
				opt.OnGiveup(firstErr, err)
			}
			return &GiveupError{Cause: firstErr}
		}

		// Exponential back-off with a hard cap.
		wait := time.Duration(math.Min(
			float64(opt.MaxRetryWait),
			float64(opt.InitialRetryWait)*math.Pow(opt.WaitGrowRate, float64(retryCount)),
		))

		if opt.GiveupTimeout > 0 && time.Until(giveupAt) <= wait {
			if opt.OnGiveup != nil {
				opt.OnGiveup(firstErr, err)
			}
			return &GiveupError{Cause: firstErr}
		}

		retryCount++
		if opt.OnRetry != nil {
			opt.OnRetry(err, retryCount, opt.RetryLimit, wait)
		}

		if err := sleep(ctx, wait); err != nil {
			return &GiveupError{Cause: err}
		}
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if ctx.Done() == nil {
		time.Sleep(d)
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
