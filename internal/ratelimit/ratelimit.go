package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces out consecutive actions against the target site.
type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// Feedback is implemented by limiters that adjust to request outcomes.
type Feedback interface {
	RecordSuccess()
	RecordError()
}

// SimpleRateLimiter enforces a delay between actions, picked uniformly from
// [minDelay, maxDelay) when jitter is on.
type SimpleRateLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

// Wait blocks until the delay since the previous action has passed. The
// first call never waits.
func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastAction.IsZero() {
		elapsed := time.Since(r.lastAction)
		delay := r.calculateDelay()

		if elapsed < delay {
			timer := time.NewTimer(delay - elapsed)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	r.lastAction = time.Now()
	return nil
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max < min {
		max = min
	}
	r.minDelay = min
	r.maxDelay = max
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.minDelay >= r.maxDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(rand.Int63n(int64(delta)))
}

// AdaptiveRateLimiter slows down after repeated failures (blocked pages,
// timeouts) and relaxes back towards its base delay after a run of successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	baseMin       time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
	ceiling       time.Duration
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		baseMin:           minDelay,
		maxErrorCount:     3,
		backoffFactor:     1.5,
		ceiling:           60 * time.Second,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.baseMin {
			newMin = a.baseMin
		}
		a.maxDelay -= a.minDelay - newMin
		a.minDelay = newMin
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)
		if newMin == 0 {
			newMin = time.Second
		}

		if newMin > a.ceiling {
			newMin = a.ceiling
		}
		if newMax > 2*a.ceiling {
			newMax = 2 * a.ceiling
		}
		if newMax < newMin {
			newMax = newMin
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// TokenBucketRateLimiter allows short bursts up to maxTokens and refills one
// token per refillRate. Paces image downloads and listing API calls.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter
	mu      sync.Mutex
}

func NewTokenBucketRateLimiter(maxTokens int, refillRate time.Duration) *TokenBucketRateLimiter {
	if maxTokens < 1 {
		maxTokens = 1
	}
	limit := rate.Inf
	if refillRate > 0 {
		limit = rate.Every(refillRate)
	}
	return &TokenBucketRateLimiter{
		limiter: rate.NewLimiter(limit, maxTokens),
	}
}

// NewPerSecond returns a bucket refilled perSecond times a second. A
// non-positive rate disables limiting.
func NewPerSecond(perSecond float64, burst int) *TokenBucketRateLimiter {
	if perSecond <= 0 {
		return NewTokenBucketRateLimiter(burst, 0)
	}
	return NewTokenBucketRateLimiter(burst, time.Duration(float64(time.Second)/perSecond))
}

func (t *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetDelay sets the refill interval to min. max is ignored.
func (t *TokenBucketRateLimiter) SetDelay(min, _ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if min <= 0 {
		t.limiter.SetLimit(rate.Inf)
		return
	}
	t.limiter.SetLimit(rate.Every(min))
}

type noop struct{}

// None never waits.
func None() RateLimiter { return noop{} }

func (noop) Wait(ctx context.Context) error { return ctx.Err() }
func (noop) SetDelay(_, _ time.Duration)    {}
