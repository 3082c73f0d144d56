package manager

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/giantswarm/mcp-inspect/internal/config"
)

// RetryOptions configures RetryWithBackoff. The delay before retry n
// (starting at 0) is min(BaseDelay * BackoffMultiplier^n, MaxDelay).
type RetryOptions struct {
	// MaxRetries bounds the retries after the first attempt. Zero uses the
	// default; a negative value disables retries.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// Notify is called before each retry.
	Notify func(attempt int, err error, delay time.Duration)
}

// DefaultRetry is the budget for connects.
var DefaultRetry = RetryOptions{
	MaxRetries:        3,
	BaseDelay:         time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2,
}

// DefaultSyncRetry is the smaller budget for logging level syncs.
var DefaultSyncRetry = RetryOptions{
	MaxRetries:        2,
	BaseDelay:         500 * time.Millisecond,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2,
}

// RetryOptionsFromSettings converts the config file retry section.
func RetryOptionsFromSettings(s config.RetrySettings) RetryOptions {
	return RetryOptions{
		MaxRetries:        s.MaxRetries,
		BaseDelay:         s.BaseDelay,
		MaxDelay:          s.MaxDelay,
		BackoffMultiplier: s.BackoffMultiplier,
	}
}

// withDefaults fills unset fields from def.
func (o RetryOptions) withDefaults(def RetryOptions) RetryOptions {
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = def.MaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = def.BackoffMultiplier
	}
	return o
}

// newBackOff returns an exponential policy without jitter or an elapsed time
// limit.
func (o RetryOptions) newBackOff(ctx context.Context) backoff.BackOff {
	initial := o.BaseDelay
	if initial > o.MaxDelay {
		initial = o.MaxDelay
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMultiplier(o.BackoffMultiplier),
		backoff.WithMaxInterval(o.MaxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.MaxRetries)), ctx)
}

// RetryWithBackoff runs op until it succeeds, the retry budget is spent or
// ctx ends. The last error of op is returned unchanged. Errors wrapped with
// backoff.Permanent stop the loop at once and are returned unwrapped.
func RetryWithBackoff(ctx context.Context, op func(context.Context) error, opts RetryOptions) error {
	opts = opts.withDefaults(DefaultRetry)

	attempt := 0
	notify := func(err error, delay time.Duration) {
		attempt++
		if opts.Notify != nil {
			opts.Notify(attempt, err, delay)
		}
	}
	return backoff.RetryNotify(func() error {
		return op(ctx)
	}, opts.newBackOff(ctx), notify)
}
