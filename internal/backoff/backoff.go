// Package backoff computes retry delays: capped exponential growth plus
// additive jitter so that many clients recovering from the same outage do
// not retry in lockstep.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultMaxJitter is the exclusive upper bound of the jitter added to every delay.
const DefaultMaxJitter = time.Second

// Source is a random source for jitter. *rand.Rand satisfies it.
type Source interface {
	Int63n(n int64) int64
}

// globalSource draws from the process-wide math/rand generator.
type globalSource struct{}

func (globalSource) Int63n(n int64) int64 { return rand.Int63n(n) }

// Delay returns the delay before retry attempt n (0-indexed):
// min(base * 2^attempt, cap) + jitter, with jitter uniform in [0, 1s).
// A nil src uses the global generator.
func Delay(attempt int, base, cap time.Duration, src Source) time.Duration {
	return exponential(attempt, base, cap) + jitter(DefaultMaxJitter, src)
}

// exponential returns min(base * 2^attempt, cap) without overflowing.
func exponential(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	if cap > 0 && base >= cap {
		return cap
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if cap > 0 && delay >= cap-delay {
			return cap
		}
		if cap <= 0 && delay > math.MaxInt64/2 {
			return delay
		}
		delay *= 2
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}

func jitter(max time.Duration, src Source) time.Duration {
	if max <= 0 {
		return 0
	}
	if src == nil {
		src = globalSource{}
	}
	return time.Duration(src.Int63n(int64(max)))
}

// Policy bundles backoff parameters with a jitter source. It is safe for
// concurrent use; *rand.Rand is not, so draws are serialized.
type Policy struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration // 0 disables jitter

	mu  sync.Mutex
	src Source
}

// NewPolicy returns a Policy with the default jitter bound and the global
// random source.
func NewPolicy(base, cap time.Duration) *Policy {
	return &Policy{
		Base:      base,
		Cap:       cap,
		MaxJitter: DefaultMaxJitter,
	}
}

// WithSource sets the jitter source. Intended for deterministic tests.
func (p *Policy) WithSource(src Source) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src = src
	return p
}

// Delay returns the delay before retry attempt n (0-indexed).
func (p *Policy) Delay(attempt int) time.Duration {
	return p.DelayWith(attempt, p.Base, p.Cap)
}

// DelayWith returns the delay for attempt using explicit base and cap, with
// this policy's jitter settings.
func (p *Policy) DelayWith(attempt int, base, cap time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return exponential(attempt, base, cap) + jitter(p.MaxJitter, p.src)
}

// Fixed is a Source that always returns the same value, clamped to [0, n).
type Fixed int64

// Int63n implements Source.
func (f Fixed) Int63n(n int64) int64 {
	v := int64(f)
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
