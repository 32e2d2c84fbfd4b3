// Package ratelimit provides the token bucket used to throttle bridge clients.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. A rate of zero or less disables limiting.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    int
	tokens   float64
	lastTime time.Time
	now      func() time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rate: rate, burst: burst, tokens: float64(burst), lastTime: now(), now: now}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN consumes n tokens if they are available.
func (l *Limiter) AllowN(n int) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refill() {
	now := l.now()
	l.tokens += now.Sub(l.lastTime).Seconds() * l.rate
	l.lastTime = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) Rate() float64 { return l.rate }

func (l *Limiter) Burst() int { return l.burst }
