package errs

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig controls retry pacing for Conflict and Dependency errors.
type BackoffConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	JitterPct    float64       `yaml:"jitter_pct"` // fraction of delay, e.g. 0.10
}

// DefaultBackoffConfig returns the standard retry pacing: exponential with
// 10% jitter capped at 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:   5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		JitterPct:    0.10,
	}
}

// Delay returns the pause before attempt n (0-based), jittered.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.Factor
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	jitter := d * c.JitterPct * (2*rand.Float64() - 1)
	return time.Duration(d + jitter)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. The context deadline is honored between
// attempts; deadline expiry converts to a Timeout error.
func Retry(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var last error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.Delay(attempt - 1)):
			case <-ctx.Done():
				return Wrap(ctx.Err(), Timeout, "retry_deadline", "deadline exceeded after %d attempts", attempt)
			}
		}
		last = fn()
		if last == nil {
			return nil
		}
		if !Retryable(last) {
			return last
		}
	}
	return last
}
