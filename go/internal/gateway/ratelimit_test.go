package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestIPRateLimiterRefillsWithClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	limiter := NewIPRateLimiter(rate.Limit(1), 1, clock)

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"), "budgets are per IP")

	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))
}

func TestIPRateLimiterForgetsIdleIPs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	limiter := NewIPRateLimiter(rate.Limit(1), 1, clock)

	for i := range cleanupThreshold + 1 {
		limiter.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	assert.Equal(t, cleanupThreshold+1, limiter.Len())

	clock.Advance(maxIdleAge + time.Second)
	assert.True(t, limiter.Allow("192.168.0.1"))
	assert.Equal(t, 1, limiter.Len())
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1:5000"))
	assert.Equal(t, "::1", clientIP("[::1]:80"))
	assert.Equal(t, "pipe", clientIP("pipe"))
}
