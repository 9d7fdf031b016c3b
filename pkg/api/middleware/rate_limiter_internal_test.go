package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PruneDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, IdleTimeout: time.Minute})
	t.Cleanup(rl.Close)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("job:old")
	now = now.Add(2 * time.Minute)
	rl.Allow("job:fresh")

	assert.Equal(t, 1, rl.Prune())
	assert.Contains(t, rl.buckets, "job:fresh")
	assert.NotContains(t, rl.buckets, "job:old")
}
