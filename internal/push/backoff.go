package push

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
	backoffFactor       = 2
)

// Backoff yields exponentially growing reconnect delays. Each delay is
// drawn from [d/2, d] where d doubles per attempt up to Max.
type Backoff struct {
	Min, Max time.Duration

	attempt int
	rand    func() float64
}

func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = DefaultReconnectMin
	}
	if maxDelay < minDelay {
		maxDelay = max(DefaultReconnectMax, minDelay)
	}

	return &Backoff{Min: minDelay, Max: maxDelay, rand: rand.Float64}
}

func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= backoffFactor
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	half := d / 2
	return half + time.Duration(b.rand()*float64(d-half))
}

func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
