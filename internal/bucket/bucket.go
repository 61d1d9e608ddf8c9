// Package bucket implements token-bucket admission control for model
// endpoints with hard requests-per-minute and tokens-per-minute quotas.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultPollInterval is how often a blocked Acquire re-checks the bucket.
// Busy-poll admission is a deliberate trade-off: bounded added latency
// (at most one interval) but no FIFO ordering across waiters.
const DefaultPollInterval = 100 * time.Millisecond

// ErrCapacityExceeded reports a request for more tokens than the bucket can
// ever hold. This is a configuration error and is never retried.
var ErrCapacityExceeded = errors.New("requested amount exceeds bucket capacity")

// Kind distinguishes the two bucket types paired per endpoint.
type Kind string

const (
	KindRequests Kind = "requests"
	KindTokens   Kind = "tokens"
)

// Bucket is the admission-control contract shared by the in-process
// TokenBucket and the RemoteBucket HTTP adapter. Callers never know which
// implementation is behind it.
type Bucket interface {
	// Acquire blocks until amount tokens are available, then decrements
	// atomically. Fails immediately with ErrCapacityExceeded if amount
	// exceeds capacity, or with ctx.Err() on cancellation.
	Acquire(ctx context.Context, amount float64) error
	// AddTokens credits tokens back, clamped to capacity.
	AddTokens(amount float64)
	// WaitTime projects how long until amount tokens are available,
	// without mutating state. Zero if already satisfiable.
	WaitTime(amount float64) time.Duration
	// TokensRemaining reports the currently available tokens.
	TokensRemaining() float64
	// SetTurboMode disables throttling entirely while on. Administrative
	// and testing override only.
	SetTurboMode(on bool)
}

// TokenBucket is a single-resource token bucket. The refill→compare→decrement
// critical section is guarded by a mutex so one bucket may be shared by any
// number of goroutines in a single process. Sharing across OS processes
// requires RemoteBucket instead.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillRate   float64 // tokens per second
	lastRefill   time.Time
	turbo        bool
	released     float64
	pollInterval time.Duration
	now          func() time.Time
}

// New creates a full bucket. refillRate is in tokens per second.
func New(capacity, refillRate float64) *TokenBucket {
	b := &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillRate:   refillRate,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// SetPollInterval overrides the acquire poll interval. Used by tests.
func (b *TokenBucket) SetPollInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollInterval = d
}

// Capacity returns the maximum burst size.
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// RefillRate returns the sustained rate in tokens per second.
func (b *TokenBucket) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refillRate
}

// Released returns the total tokens granted over the bucket's lifetime.
func (b *TokenBucket) Released() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Refill credits tokens for the time elapsed since the last refill:
// tokens = min(capacity, tokens + elapsed*refillRate). Idempotent at zero
// elapsed time.
func (b *TokenBucket) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	if b.turbo {
		b.tokens = b.capacity
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
}

// WaitTime projects the time until amount tokens are available without
// mutating the bucket.
func (b *TokenBucket) WaitTime(amount float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitTimeLocked(amount)
}

func (b *TokenBucket) waitTimeLocked(amount float64) time.Duration {
	if b.turbo {
		return 0
	}
	elapsed := b.now().Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	projected := math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	if projected >= amount {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration((amount - projected) / b.refillRate * float64(time.Second))
}

// TryAcquire attempts an immediate grant. On failure it returns the projected
// wait until the grant would succeed.
func (b *TokenBucket) TryAcquire(amount float64) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turbo {
		b.released += amount
		return true, 0, nil
	}
	if amount > b.capacity {
		return false, 0, fmt.Errorf("acquire %g from %g-capacity bucket: %w", amount, b.capacity, ErrCapacityExceeded)
	}
	b.refillLocked()
	if b.tokens >= amount {
		b.tokens -= amount
		b.released += amount
		return true, 0, nil
	}
	return false, b.waitTimeLocked(amount), nil
}

// Acquire blocks until amount tokens are available, re-checking every poll
// interval. There is no FIFO ordering across waiters: a later arrival may win
// a race against an earlier one.
func (b *TokenBucket) Acquire(ctx context.Context, amount float64) error {
	for {
		granted, _, err := b.TryAcquire(amount)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		b.mu.Lock()
		interval := b.pollInterval
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// AddTokens credits tokens back, clamped to capacity. Used to return an
// unused portion of an estimate once actual usage is known.
func (b *TokenBucket) AddTokens(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.tokens = math.Min(b.capacity, b.tokens+amount)
}

// TokensRemaining reports currently available tokens after a refill.
func (b *TokenBucket) TokensRemaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// SetTurboMode disables throttling while on: the bucket behaves as if its
// refill rate were unbounded.
func (b *TokenBucket) SetTurboMode(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turbo = on
	if on {
		b.tokens = b.capacity
	}
}

// Combine returns a new bucket holding the tightest constraint of the two:
// element-wise minimum of capacity and refill rate. Commutative. The merged
// bucket starts with the smaller of the two current balances, clamped to the
// merged capacity, and carries both lifetime release totals so the counter
// survives re-registration.
func (b *TokenBucket) Combine(other *TokenBucket) *TokenBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	merged := New(math.Min(b.capacity, other.capacity), math.Min(b.refillRate, other.refillRate))
	merged.tokens = math.Min(merged.capacity, math.Min(b.tokens, other.tokens))
	merged.released = b.released + other.released
	merged.pollInterval = b.pollInterval
	return merged
}
