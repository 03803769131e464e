package reconcile

import "time"

const (
	defaultWorkers       = 4
	defaultCallTimeout   = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = 200 * time.Millisecond
	defaultRetryMax      = 5 * time.Second
	defaultLockTTL       = time.Hour
	defaultActor         = "system"

	// LiveRunLockKey is the cache key guarding against concurrent live runs.
	LiveRunLockKey = "idsync:live-run"
)

// Options tunes a run. Zero values fall back to the defaults above.
type Options struct {
	Workers     int
	CallTimeout time.Duration
	Retry       RetryPolicy
	Actor       string
	LockTTL     time.Duration
}

// RetryPolicy bounds retries of a single connector call. Attempts counts the
// first try, so Attempts=1 disables retrying.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = defaultRetryAttempts
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = defaultRetryBase
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = defaultRetryMax
	}
	if o.Retry.MaxDelay < o.Retry.BaseDelay {
		o.Retry.MaxDelay = o.Retry.BaseDelay
	}
	if o.LockTTL <= 0 {
		o.LockTTL = defaultLockTTL
	}
	if o.Actor == "" {
		o.Actor = defaultActor
	}
	return o
}

// backoff returns the wait before retry n (1-based): BaseDelay doubled per
// retry and capped at MaxDelay.
func (r RetryPolicy) backoff(n int) time.Duration {
	d := r.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	return min(d, r.MaxDelay)
}
