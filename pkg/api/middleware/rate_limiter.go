package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiterConfig bounds how fast commands can be pushed onto the command stream.
type RateLimiterConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTimeout is how long an untouched bucket is kept.
	IdleTimeout time.Duration
}

// DefaultRateLimiterConfig allows a short burst of commands per key and then a
// steady trickle. Every admitted command is an entry in the redis stream.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 30,
		BurstSize:         10,
		IdleTimeout:       10 * time.Minute,
	}
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientKey charges the calling client. ClientIP honors the engine's trusted proxies.
func ClientKey(c *gin.Context) string {
	return "client:" + c.ClientIP()
}

// CheckJobKey charges the check job named by the :id route parameter, so a
// START/STOP storm on one job cannot flood the stream whichever clients send it.
func CheckJobKey(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return "job:" + id
	}
	return ClientKey(c)
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter is a keyed token bucket limiter.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	perSec  float64
	burst   float64
	idle    time.Duration
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultRateLimiterConfig().IdleTimeout
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		perSec:  float64(config.RequestsPerMinute) / 60,
		burst:   float64(config.BurstSize),
		idle:    config.IdleTimeout,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rl.pruneLoop()
	return rl
}

func (rl *RateLimiter) pruneLoop() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}

// Prune drops buckets idle for longer than the idle timeout. An idle bucket is full,
// so dropping it changes no decision.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.idle)
	pruned := 0
	for key, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, key)
			pruned++
		}
	}
	return pruned
}

// Close stops the prune loop.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

// Allow takes a token from key's bucket. When none is left it reports how long
// until the next one.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, seen: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.perSec)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rl.perSec <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / rl.perSec * float64(time.Second))
}

// Middleware rejects requests over the limit of the bucket chosen by key with 429.
func (rl *RateLimiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.Allow(key(c))
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many commands",
				"retry_after": seconds,
			})
			return
		}
		c.Next()
	}
}
