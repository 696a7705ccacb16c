package execution

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDeduplicator_FirstCallOnlyWithinWindow(t *testing.T) {
	clk := newFakeClock()
	d := NewDeduplicator(60*time.Second, WithClock(clk.Now))

	assert.False(t, d.IsDuplicate("F"))
	for i := 0; i < 10; i++ {
		clk.Advance(5 * time.Second)
		assert.True(t, d.IsDuplicate("F"), "call %d inside window", i)
	}

	// 首次出现时间不因重复调用而刷新：距首次 60s 后重新放行
	clk.Advance(10 * time.Second)
	assert.False(t, d.IsDuplicate("F"))
	assert.True(t, d.IsDuplicate("F"))
}

func TestDeduplicator_PurgesExpiredEntries(t *testing.T) {
	clk := newFakeClock()
	d := NewDeduplicator(time.Second, WithClock(clk.Now), WithShards(1))

	for i := 0; i < 5; i++ {
		d.IsDuplicate(fmt.Sprintf("fp-%d", i))
	}
	require.Equal(t, 5, d.Len())

	clk.Advance(time.Second)
	assert.False(t, d.IsDuplicate("fresh"))
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicator_ForgetAndReset(t *testing.T) {
	d := NewDeduplicator(0)
	assert.Equal(t, DefaultDedupTTL, d.TTL())

	assert.False(t, d.IsDuplicate("A"))
	d.Forget("A")
	assert.False(t, d.IsDuplicate("A"))

	d.Reset()
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.IsDuplicate("A"))
}

func TestDeduplicator_ConcurrentSingleWinner(t *testing.T) {
	d := NewDeduplicator(time.Minute)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.IsDuplicate("same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, firsts.Load())
}
