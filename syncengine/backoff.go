package syncengine

import (
	"math/rand"
	"time"
)

const minRetryDelay = time.Second

// Backoff computes retry delays: min(max, base*2^attempt) with uniform
// +/- jitter, clamped to [1s, max].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Rand   func() float64
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: jitter, Rand: rand.Float64}
}

func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Max
	if attempt < 62 {
		if exp := b.Base << uint(attempt); exp > 0 && exp>>uint(attempt) == b.Base && exp < b.Max {
			d = exp
		}
	}
	if b.Jitter > 0 && b.Rand != nil {
		d += time.Duration((2*b.Rand() - 1) * b.Jitter * float64(d))
	}
	if d < minRetryDelay {
		d = minRetryDelay
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
