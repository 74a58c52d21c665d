// Package retry retries a fallible call with exponential backoff and jitter.
// It wraps data fetchers in the query layer and admin RPCs issued by the
// command line client.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoff is BaseDelay * 2^attempt capped at MaxDelay, then spread by up to
// ±Jitter of itself.
func backoff(cfg Config, attempt int) time.Duration {
	d := min(float64(cfg.BaseDelay)*math.Pow(2, float64(attempt)), float64(cfg.MaxDelay))
	if cfg.Jitter > 0 {
		d *= 1 + cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(max(d, 0))
}
