package payments

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrBreakerOpen indicates the gateway circuit breaker is open.
var ErrBreakerOpen = errors.New("gateway circuit breaker open")

// RetryPolicy bounds retries of transient gateway failures. Only errors the
// Retryable predicate accepts are retried; by default that is ErrGatewayTimeout
// alone, so declines are always final after one attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
	Sleep       func(context.Context, time.Duration) error
	Jitter      func(time.Duration) time.Duration
}

// Do runs fn until it succeeds, exhausts the attempt bound, or hits a
// non-retryable error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return errors.Is(err, ErrGatewayTimeout) }
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = halfJitter
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay <<= attempt - 1
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay = jitter(delay); delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

// BreakerConfig configures the gateway circuit breaker.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker rejects gateway calls after repeated failures, letting one probe
// through after the reset timeout.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	resetAfter  time.Duration
	now         func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker constructs a Breaker with sane defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{maxFailures: maxFailures, resetAfter: resetAfter, now: now}
}

// Execute runs fn while enforcing breaker state.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}

	now := b.now()
	b.mu.Lock()
	switch b.state {
	case breakerOpen:
		if now.Sub(b.openedAt) < b.resetAfter {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		b.probing = true
	case breakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing = false
		if err != nil {
			b.state = breakerOpen
			b.openedAt = now
			b.failures = 0
			return err
		}
		b.state = breakerClosed
		b.failures = 0
		return nil
	}

	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return nil
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.state = breakerOpen
		b.openedAt = now
	}
	return err
}

// RateLimiter is a token-bucket limiter for outbound gateway calls.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepCtx,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends. A nil or
// unconfigured limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// ReliableGateway wraps a Gateway with rate limiting, retry, and circuit
// breaking. Retries happen entirely inside the payment handler's single
// processing attempt, so they never produce duplicate outcome events.
type ReliableGateway struct {
	base    Gateway
	limiter *RateLimiter
	breaker *Breaker
	retry   RetryPolicy
}

// NewReliableGateway constructs the wrapper; limiter and breaker may be nil.
func NewReliableGateway(base Gateway, limiter *RateLimiter, breaker *Breaker, retry RetryPolicy) *ReliableGateway {
	return &ReliableGateway{base: base, limiter: limiter, breaker: breaker, retry: retry}
}

func (g *ReliableGateway) Authorize(ctx context.Context, req GatewayRequest) error {
	return g.retry.Do(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		return g.execute(func() error {
			return g.base.Authorize(ctx, req)
		})
	})
}

func (g *ReliableGateway) Refund(ctx context.Context, orderID string, amount float64) error {
	return g.retry.Do(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		return g.execute(func() error {
			return g.base.Refund(ctx, orderID, amount)
		})
	})
}

func (g *ReliableGateway) execute(fn func() error) error {
	if g.breaker == nil {
		return fn()
	}
	return g.breaker.Execute(fn)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
