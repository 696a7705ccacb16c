package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }
func (c *stepClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestKeyedSlidingWindow_EleventhRequestBlocked(t *testing.T) {
	clk := &stepClock{t: time.Unix(1_700_000_000, 0)}
	sw := NewKeyedSlidingWindow(10, 60*time.Second)
	sw.SetClock(clk.Now)

	for i := 0; i < 10; i++ {
		require.True(t, sw.IsAllowed("K"), "request %d", i+1)
		clk.Advance(time.Second)
	}
	assert.False(t, sw.IsAllowed("K"))

	retry := sw.RetryAfterSeconds("K")
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 60)
	// 最早请求在 10 秒前：还需等待 50 秒
	assert.Equal(t, 50, retry)
}

func TestKeyedSlidingWindow_KeysAreIsolated(t *testing.T) {
	sw := NewKeyedSlidingWindow(3, time.Minute)
	for i := 0; i < 10; i++ {
		sw.IsAllowed("A")
	}
	assert.False(t, sw.IsAllowed("A"))
	for i := 0; i < 3; i++ {
		assert.True(t, sw.IsAllowed("B"))
	}
	assert.Equal(t, 0, sw.RetryAfterSeconds("unknown"))
}

func TestKeyedSlidingWindow_RejectedRequestNotRecorded(t *testing.T) {
	clk := &stepClock{t: time.Unix(1_700_000_000, 0)}
	sw := NewKeyedSlidingWindow(2, 10*time.Second)
	sw.SetClock(clk.Now)

	require.True(t, sw.IsAllowed("K"))
	require.True(t, sw.IsAllowed("K"))
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		require.False(t, sw.IsAllowed("K"))
	}
	// 被拒绝的请求不记账：窗口从最早一次放行起算
	clk.Advance(5 * time.Second)
	assert.True(t, sw.IsAllowed("K"))
}

func TestKeyedSlidingWindow_IdleKeyReclaimedOnAccess(t *testing.T) {
	clk := &stepClock{t: time.Unix(1_700_000_000, 0)}
	sw := NewKeyedSlidingWindow(5, time.Minute)
	sw.SetClock(clk.Now)

	sw.IsAllowed("idle")
	sw.IsAllowed("busy")
	require.Equal(t, 2, sw.Keys())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 0, sw.RetryAfterSeconds("idle"))
	assert.Equal(t, 5, sw.Remaining("idle"))
	assert.Equal(t, 1, sw.Keys(), "idle key is removed on its own access")

	sw.Reset()
	assert.Equal(t, 0, sw.Keys())
}

func TestNewKeyedSlidingWindow_Defaults(t *testing.T) {
	sw := NewKeyedSlidingWindow(0, 0)
	for i := 0; i < DefaultMaxRequests; i++ {
		require.True(t, sw.IsAllowed("K"))
	}
	assert.False(t, sw.IsAllowed("K"))
}

func TestTokenBucket_AllowAndWait(t *testing.T) {
	tb := NewTokenBucket(2, 50)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tb.Wait(ctx))
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}
