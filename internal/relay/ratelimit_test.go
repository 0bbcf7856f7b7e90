package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToLimit(t *testing.T) {
	rl := newRateLimiter(3, time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("k"), "event %d within limit", i)
	}
	assert.False(t, rl.allow("k"), "limit+1 is rejected")
}

func TestLimiterKeysIndependent(t *testing.T) {
	rl := newRateLimiter(1, time.Second)
	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))
	assert.False(t, rl.allow("a"))
}

func TestLimiterWindowSlides(t *testing.T) {
	rl := newRateLimiter(2, 30*time.Millisecond)
	assert.True(t, rl.allow("k"))
	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.allow("k"), "expired events free the window")
}

func TestLimiterSweep(t *testing.T) {
	rl := newRateLimiter(2, 10*time.Millisecond)
	rl.allow("stale")
	time.Sleep(20 * time.Millisecond)
	rl.sweep()

	rl.mu.Lock()
	_, present := rl.history["stale"]
	rl.mu.Unlock()
	assert.False(t, present, "stale keys swept")
}

func TestLimiterForget(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	rl.allow("k")
	assert.False(t, rl.allow("k"))
	rl.forget("k")
	assert.True(t, rl.allow("k"))
}
