package execution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsTasks(t *testing.T) {
	d := NewDispatcher(16, 2)
	d.Start(context.Background())

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.True(t, d.Submit(Task{Name: "inc", Do: func(context.Context) { n.Add(1) }}))
	}
	require.Eventually(t, func() bool { return n.Load() == 10 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	// 不启动 worker，队列只能容纳 2 个
	d := NewDispatcher(2, 1)
	noop := Task{Name: "noop", Do: func(context.Context) {}}

	assert.True(t, d.Submit(noop))
	assert.True(t, d.Submit(noop))
	assert.False(t, d.Submit(noop))
	assert.EqualValues(t, 1, d.Dropped())
	assert.Equal(t, 2, d.QueueLen())
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	d := NewDispatcher(4, 1)
	d.Start(context.Background())
	defer func() { _ = d.Stop(context.Background()) }()

	var ran atomic.Bool
	d.Submit(Task{Name: "panic", Do: func(context.Context) { panic("boom") }})
	d.Submit(Task{Name: "after", Do: func(context.Context) { ran.Store(true) }})
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	d := NewDispatcher(8, 1)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		d.Submit(Task{Name: "inc", Do: func(context.Context) { n.Add(1) }})
	}
	d.Start(context.Background())
	require.NoError(t, d.Stop(context.Background()))
	assert.EqualValues(t, 5, n.Load())
}

func TestDispatcher_TaskTimeout(t *testing.T) {
	d := NewDispatcher(4, 1)
	d.Start(context.Background())
	defer func() { _ = d.Stop(context.Background()) }()

	got := make(chan error, 1)
	d.Submit(Task{Name: "slow", Timeout: 20 * time.Millisecond, Do: func(ctx context.Context) {
		<-ctx.Done()
		got <- ctx.Err()
	}})
	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task ctx never expired")
	}
}
