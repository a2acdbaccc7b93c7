// Package limiter provides token-bucket rate limiting for job dispatch.
// The bucket is the sole backpressure mechanism toward the reply-generation
// capability; nothing downstream implements a second throttle.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimit is returned by Reserve when the bucket is empty.
var ErrRateLimit = fmt.Errorf("rate limit exceeded")

// Limiter is a token bucket refilled continuously at ratePerSecond, holding
// at most burst tokens.
type Limiter struct {
	mu            sync.Mutex
	ratePerSecond float64
	burst         float64
	tokens        float64
	lastRefill    time.Time
}

// New creates a limiter allowing ratePerSecond reservations sustained, with
// a burst of the same size. The bucket starts full.
func New(ratePerSecond float64) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	burst := ratePerSecond
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		ratePerSecond: ratePerSecond,
		burst:         burst,
		tokens:        burst,
		lastRefill:    time.Now(),
	}
}

// Reserve takes one token, or returns ErrRateLimit if none is available.
func (l *Limiter) Reserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if l.tokens < 1 {
		return ErrRateLimit
	}
	l.tokens--
	return nil
}

// Wait blocks until a token is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.refill(now)
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		// Sleep just long enough for the next token to accrue.
		wait := time.Duration((1 - l.tokens) / l.ratePerSecond * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the current token count, for stats surfaces.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(time.Now())
	return l.tokens
}

// refill accrues tokens for the time elapsed since the last refill.
// Caller must hold mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed.Seconds() * l.ratePerSecond
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}
