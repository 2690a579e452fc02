// Package backoff computes retry delays for failed task executions and
// webhook deliveries.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy computes an exponential delay with a cap and optional jitter.
// The jitter source is owned by the policy so tests can seed it.
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(base time.Duration, factor float64, cap time.Duration, seed int64) *Policy {
	return &Policy{
		Base:   base,
		Factor: factor,
		Cap:    cap,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// WithoutJitter returns a deterministic policy.
func WithoutJitter(base time.Duration, factor float64, cap time.Duration) *Policy {
	return &Policy{
		Base:   base,
		Factor: factor,
		Cap:    cap,
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made. Delays grow as base*factor^attempt up to the cap,
// plus jitter drawn uniformly from [0, delay/2) when the policy is jittered.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Cap) || d < 0 {
		d = float64(p.Cap)
	}

	delay := time.Duration(d)
	if p.rng == nil || delay <= 1 {
		return delay
	}

	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(delay) / 2))
	p.mu.Unlock()

	capped := delay + jitter
	if capped > p.Cap {
		capped = p.Cap
	}

	return capped
}
