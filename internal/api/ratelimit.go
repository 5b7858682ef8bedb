package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// bucketIdleEvict is how long an address may stay silent before its
// bucket is dropped; dropping recreates it full, which only ever helps
// the client.
const bucketIdleEvict = 10 * time.Minute

// tokenBucket is the refill state for one client address. All fields
// are guarded by the limiter's lock.
type tokenBucket struct {
	tokens float64
	filled time.Time
}

// take credits the bucket for the time since the last call, then spends
// one token. When the bucket is empty it reports how long until the
// next token accrues.
func (b *tokenBucket) take(now time.Time, rate, burst float64) (bool, time.Duration) {
	b.tokens += now.Sub(b.filled).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.filled = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// RateLimiter meters the public read endpoints per client IP. The event
// stream endpoints stay outside it: one long-lived connection is their
// intended usage.
type RateLimiter struct {
	rate  float64
	burst float64

	mu        sync.Mutex
	byIP      map[string]*tokenBucket
	lastSweep time.Time
}

// NewRateLimiter grants perMinute requests per minute per IP, with
// bursts up to burst requests.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		rate:      float64(perMinute) / 60,
		burst:     float64(burst),
		byIP:      make(map[string]*tokenBucket),
		lastSweep: time.Now(),
	}
}

// take resolves the caller's bucket and spends a token from it. Idle
// buckets are swept here, amortized over requests, so no background
// goroutine is needed.
func (rl *RateLimiter) take(ip string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > bucketIdleEvict {
		for addr, b := range rl.byIP {
			if now.Sub(b.filled) > bucketIdleEvict {
				delete(rl.byIP, addr)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.byIP[ip]
	if !ok {
		b = &tokenBucket{tokens: rl.burst, filled: now}
		rl.byIP[ip] = b
	}
	return b.take(now, rl.rate, rl.burst)
}

// Middleware answers 429 with a Retry-After hint once a client runs its
// bucket dry.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.take(c.ClientIP())
		if !ok {
			seconds := int(wait/time.Second) + 1
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": seconds,
			})
			return
		}
		c.Next()
	}
}
