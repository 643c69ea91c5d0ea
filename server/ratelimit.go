package server

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket. Tokens refill at rate per second up to
// burst.
type RateLimiter struct {
	mu         sync.Mutex
	rate       int
	burst      int
	tokens     int
	lastRefill time.Time
	now        func() time.Time
}

func NewRateLimiter(rate, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{rate: rate, burst: burst, tokens: burst, now: time.Now}
	rl.lastRefill = rl.now()
	return rl
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillTokens(rl.now())
	if rl.tokens <= 0 {
		return false
	}
	rl.tokens--
	return true
}

// refillTokens must be called with mu held. lastRefill only advances when
// at least one whole token was added, so slow trickles still accumulate.
func (rl *RateLimiter) refillTokens(now time.Time) {
	elapsed := now.Sub(rl.lastRefill)
	if elapsed <= 0 {
		return
	}

	tokensToAdd := int(elapsed.Seconds() * float64(rl.rate))
	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.lastRefill = now
	}
}
