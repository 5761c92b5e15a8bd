package healthcheck

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next health probe.
type Backoff interface {
	Next() time.Duration
}

// jitterBackoff is the default backoff: a fixed base interval with
// ±20% jitter, redrawn on every call rather than fixed for the
// checker's lifetime.
type jitterBackoff struct {
	base time.Duration
}

// NewJitterBackoff returns the default backoff described by SPEC_FULL:
// base interval ±20% jitter, drawn uniformly on [0.8×base, 1.2×base].
func NewJitterBackoff(base time.Duration) Backoff {
	return &jitterBackoff{base: base}
}

func (b *jitterBackoff) Next() time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(b.base) * factor)
}
