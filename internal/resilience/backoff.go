package resilience

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry timing.
const (
	DefaultBaseDelay = 400 * time.Millisecond
	DefaultMaxJitter = 300 * time.Millisecond
)

// JitterBackOff yields delay = 2^(n-1) * BaseDelay + rand[0, MaxJitter) for the
// n-th retry. It implements backoff.BackOff; bound it with backoff.WithMaxRetries.
type JitterBackOff struct {
	BaseDelay time.Duration
	MaxJitter time.Duration

	mu      sync.Mutex
	attempt int
}

var _ backoff.BackOff = (*JitterBackOff)(nil)

// NewJitterBackOff creates a JitterBackOff, applying defaults for zero values.
func NewJitterBackOff(base, jitter time.Duration) *JitterBackOff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	return &JitterBackOff{BaseDelay: base, MaxJitter: jitter}
}

// NextBackOff returns the delay before the next retry.
func (b *JitterBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++
	shift := min(b.attempt-1, 16)
	delay := b.BaseDelay << shift
	if b.MaxJitter > 0 {
		delay += rand.N(b.MaxJitter)
	}
	return delay
}

// Reset restarts the sequence.
func (b *JitterBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
