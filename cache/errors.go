package cache

import "errors"

// ErrNoLoader is returned by Get when a key has to be loaded but no
// Loader was configured in Options.
var ErrNoLoader = errors.New("cache: no Loader provided")

// ErrFailureRateLimited is returned when a load attempt is skipped
// because the failure rate limit bucket has no capacity left. The
// skipped attempt counts as a repeat of the previous failure without
// calling the loader.
var ErrFailureRateLimited = errors.New("cache: failure rate limit reached")

// ErrReloadNotProduced is the outcome for keys that a bulk Reloader run
// neither produced a value for nor failed with its own error.
var ErrReloadNotProduced = errors.New("cache: reloader produced no value for key")
