package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCheckLimit_AllowsUpToLimit(t *testing.T) {
	clock := newClock()
	l := NewWithClock(clock.Now)

	for i := 0; i < 5; i++ {
		res := l.CheckLimit("1.2.3.4", 5, time.Minute)
		require.True(t, res.Success, "call %d should succeed", i+1)
		assert.Equal(t, 5-(i+1), res.Remaining)
	}

	res := l.CheckLimit("1.2.3.4", 5, time.Minute)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.ResetIn, time.Duration(0))
}

func TestCheckLimit_WindowRollsOver(t *testing.T) {
	clock := newClock()
	l := NewWithClock(clock.Now)

	require.True(t, l.CheckLimit("k", 1, 10*time.Second).Success)
	clock.Advance(4 * time.Second)

	blocked := l.CheckLimit("k", 1, 10*time.Second)
	require.False(t, blocked.Success)
	assert.Equal(t, 6*time.Second, blocked.ResetIn)
	assert.Equal(t, 6, blocked.ResetInSeconds())

	clock.Advance(6 * time.Second)
	assert.True(t, l.CheckLimit("k", 1, 10*time.Second).Success)
}

func TestCheckLimit_KeysAreIndependent(t *testing.T) {
	l := NewWithClock(newClock().Now)

	require.True(t, l.CheckLimit("a", 1, time.Minute).Success)
	require.False(t, l.CheckLimit("a", 1, time.Minute).Success)
	assert.True(t, l.CheckLimit("b", 1, time.Minute).Success)
}

func TestCheckLimit_Concurrent(t *testing.T) {
	l := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckLimit("shared", 20, time.Hour).Success {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, allowed)
}

func TestReset(t *testing.T) {
	l := NewWithClock(newClock().Now)

	require.True(t, l.CheckLimit("k", 1, time.Minute).Success)
	require.False(t, l.CheckLimit("k", 1, time.Minute).Success)

	l.Reset("k")
	assert.True(t, l.CheckLimit("k", 1, time.Minute).Success)
}

func TestSweep(t *testing.T) {
	clock := newClock()
	l := NewWithClock(clock.Now)

	l.CheckLimit("old", 1, time.Minute)
	clock.Advance(10 * time.Minute)
	l.CheckLimit("fresh", 1, time.Minute)

	assert.Equal(t, 1, l.Sweep(5*time.Minute))
	assert.True(t, l.CheckLimit("old", 1, time.Minute).Success)
}

func TestResetInSeconds_RoundsUp(t *testing.T) {
	assert.Equal(t, 2, Result{ResetIn: 1500 * time.Millisecond}.ResetInSeconds())
	assert.Equal(t, 0, Result{}.ResetInSeconds())
}
