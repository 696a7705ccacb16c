package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_DrainTimesOutWithStuckWork(t *testing.T) {
	c := NewCoordinator()

	releases := make([]func(), 0, 5)
	for i := 0; i < 5; i++ {
		rel, err := c.Track(fmt.Sprintf("fp-%d", i))
		require.NoError(t, err)
		releases = append(releases, rel)
	}
	for _, rel := range releases[:3] {
		rel()
	}

	c.BeginDrain()
	assert.Equal(t, StateDraining, c.State())

	start := time.Now()
	ok := c.AwaitDrain(time.Second)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, []string{"fp-3", "fp-4"}, c.InFlight())

	_, err := c.Track("fp-new")
	assert.ErrorIs(t, err, ErrDraining)
}

func TestCoordinator_DrainCompletes(t *testing.T) {
	c := NewCoordinator()
	rel, err := c.Track("a")
	require.NoError(t, err)

	c.BeginDrain()
	go func() {
		time.Sleep(50 * time.Millisecond)
		rel()
	}()

	assert.True(t, c.AwaitDrain(2*time.Second))
	assert.Equal(t, StateDrained, c.State())
	assert.Empty(t, c.InFlight())
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	c := NewCoordinator()
	r1, err := c.Track("same")
	require.NoError(t, err)
	r2, err := c.Track("same")
	require.NoError(t, err)

	r1()
	r1()
	assert.Equal(t, []string{"same"}, c.InFlight())
	r2()
	assert.Empty(t, c.InFlight())
}

func TestCoordinator_StateTransitions(t *testing.T) {
	c := NewCoordinator()
	assert.Equal(t, StateAccepting, c.State())
	assert.False(t, c.IsDraining())

	c.BeginDrain()
	c.BeginDrain()
	assert.True(t, c.IsDraining())
	assert.Equal(t, StateDrained, c.State())
	assert.True(t, c.AwaitDrain(10*time.Millisecond))
}

func TestCoordinator_ConcurrentTrackRelease(t *testing.T) {
	c := NewCoordinator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := c.Track(fmt.Sprintf("fp-%d", i%7))
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			rel()
		}(i)
	}
	wg.Wait()
	c.BeginDrain()
	assert.True(t, c.AwaitDrain(time.Second))
}

func TestManager_RunsCallbacksConcurrently(t *testing.T) {
	m := NewManager()
	var n atomic.Int32
	for i := 0; i < 3; i++ {
		m.OnShutdown(fmt.Sprintf("cb-%d", i), func(ctx context.Context) {
			time.Sleep(50 * time.Millisecond)
			n.Add(1)
		})
	}
	m.OnShutdown("panics", func(context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	assert.Empty(t, m.Shutdown(ctx))
	assert.EqualValues(t, 3, n.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestManager_ReportsUnfinishedCallbacks(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("fast", func(context.Context) {})
	m.OnShutdown("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, []string{"stuck"}, m.Shutdown(ctx))
}
