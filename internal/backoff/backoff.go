// Package backoff retries operations with exponential, jittered delays.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted wraps the last error once every attempt has failed.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

// Policy shapes the delay between attempts.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter adds up to this fraction of the base delay at random.
	Jitter float64
}

// DefaultPolicy starts at 200ms and doubles up to 10s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait after the given 1-indexed attempt for a random
// value r in [0, 1).
func (p Policy) Delay(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(math.Round(total))
}

// Retry calls fn until it succeeds, attempts run out or ctx is done.
// fn receives the 1-indexed attempt number.
func Retry(ctx context.Context, p Policy, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.Delay(attempt, rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
