package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache_TTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()
	c.SetClock(func() time.Time { return now })

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)
	c.Set("forever", 3, -1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, map[string]int{"a": 1, "forever": 3}, c.Snapshot())

	now = now.Add(time.Hour)
	c.cleanup()
	assert.Equal(t, 1, c.Size())
	v, ok = c.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestInMemoryCache_DeleteClear(t *testing.T) {
	c := NewInMemoryCache[string, string](0)
	defer c.Close()

	c.Set("x", "1", 0)
	c.Set("y", "2", 0)
	c.Delete("x")
	_, ok := c.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Zero(t, c.Size())
	c.Close()
}
