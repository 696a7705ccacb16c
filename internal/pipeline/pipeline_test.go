package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/internal/execution"
	"github.com/betbot/sigrouter/internal/ports"
	"github.com/betbot/sigrouter/pkg/ratelimit"
	"github.com/betbot/sigrouter/pkg/shutdown"
)

type countingAdapter struct {
	exchange.NoopSubscriptions
	id    string
	calls atomic.Int32
	block chan struct{}
}

func (a *countingAdapter) ID() string { return a.id }

func (a *countingAdapter) Connect(context.Context, exchange.ConnectParams) error { return nil }

func (a *countingAdapter) Disconnect(context.Context) {}

func (a *countingAdapter) ExecuteOrder(_ context.Context, _ string, _ domain.Side, size decimal.Decimal) (*exchange.SubmissionResult, error) {
	a.calls.Add(1)
	if a.block != nil {
		<-a.block
	}
	return &exchange.SubmissionResult{OrderID: fmt.Sprintf("%s-%d", a.id, a.calls.Load()), FilledAmount: size}, nil
}

func (a *countingAdapter) GetOrderStatus(context.Context, string) (*exchange.OrderStatus, error) {
	return nil, nil
}

func (a *countingAdapter) GetPosition(context.Context, string) (*exchange.Position, error) {
	return nil, nil
}

func (a *countingAdapter) CancelOrder(context.Context, string) error { return nil }

func (a *countingAdapter) GetHealthStatus(context.Context) exchange.HealthStatus {
	return exchange.HealthStatus{Status: exchange.HealthHealthy, Connected: true}
}

type failingLimits struct{}

func (failingLimits) MaxPositionSize(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("db locked")
}

func newSignal(t *testing.T, symbol, size, caller string) domain.Signal {
	t.Helper()
	sig, err := domain.NewSignal(domain.Payload{Symbol: symbol, Side: "buy", Size: size}, caller, time.Now(), time.Minute)
	require.NoError(t, err)
	return sig
}

func newTestPipeline(t *testing.T, adapters ...exchange.Adapter) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Limits:   ports.StaticSizeLimits{Default: decimal.NewFromInt(100)},
		Adapters: adapters,
	})
	require.NoError(t, err)
	return p
}

func TestIngest_Processed(t *testing.T) {
	a := &countingAdapter{id: "a"}
	p := newTestPipeline(t, a)

	v := p.Ingest(context.Background(), newSignal(t, "ETHUSDT", "1", "K"), "K")
	require.Equal(t, VerdictProcessed, v.Kind)
	require.NotNil(t, v.Result)
	assert.Equal(t, execution.OverallSuccess, v.Result.OverallStatus)
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestIngest_Duplicate(t *testing.T) {
	a := &countingAdapter{id: "a"}
	p := newTestPipeline(t, a)
	sig := newSignal(t, "ETHUSDT", "1", "K")

	assert.Equal(t, VerdictProcessed, p.Ingest(context.Background(), sig, "K").Kind)
	assert.Equal(t, VerdictDuplicate, p.Ingest(context.Background(), sig, "K").Kind)
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestIngest_RateLimitedAfterTen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewKeyedSlidingWindow(10, 60*time.Second)
	limiter.SetClock(func() time.Time { return now })

	p, err := New(Config{
		Limits:   ports.StaticSizeLimits{Default: decimal.NewFromInt(100)},
		Limiter:  limiter,
		Adapters: []exchange.Adapter{&countingAdapter{id: "a"}},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		v := p.Ingest(context.Background(), newSignal(t, fmt.Sprintf("SYM%d", i), "1", "K"), "K")
		require.Equal(t, VerdictProcessed, v.Kind, "request %d", i)
	}

	over := newSignal(t, "SYM-over", "1", "K")
	v := p.Ingest(context.Background(), over, "K")
	assert.Equal(t, VerdictRateLimited, v.Kind)
	assert.Greater(t, v.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, v.RetryAfterSeconds, 60)

	// 被限流的信号不占用去重窗口：窗口滑过后同一指纹可以重发
	now = now.Add(61 * time.Second)
	assert.Equal(t, VerdictProcessed, p.Ingest(context.Background(), over, "K").Kind)
}

func TestIngest_SizeRejected(t *testing.T) {
	a := &countingAdapter{id: "a"}
	p := newTestPipeline(t, a)

	v := p.Ingest(context.Background(), newSignal(t, "ETHUSDT", "101", "K"), "K")
	assert.Equal(t, VerdictRejected, v.Kind)
	assert.Contains(t, v.Reason, "exceeds")
	assert.Zero(t, a.calls.Load())
}

func TestIngest_LimitLookupFailure(t *testing.T) {
	a := &countingAdapter{id: "a"}
	p, err := New(Config{Limits: failingLimits{}, Adapters: []exchange.Adapter{a}})
	require.NoError(t, err)

	v := p.Ingest(context.Background(), newSignal(t, "ETHUSDT", "1", "K"), "K")
	assert.Equal(t, VerdictRejected, v.Kind)
	assert.Contains(t, v.Reason, "db locked")
	assert.Zero(t, a.calls.Load())
}

func TestIngest_UnavailableWhileDraining(t *testing.T) {
	a := &countingAdapter{id: "a"}
	p := newTestPipeline(t, a)

	p.BeginDrain()
	v := p.Ingest(context.Background(), newSignal(t, "ETHUSDT", "1", "K"), "K")
	assert.Equal(t, VerdictUnavailable, v.Kind)
	assert.Zero(t, a.calls.Load())
	assert.True(t, p.AwaitDrain(10*time.Millisecond))
}

func TestIngest_DrainWaitsForInFlight(t *testing.T) {
	a := &countingAdapter{id: "a", block: make(chan struct{})}
	coord := shutdown.NewCoordinator()
	p, err := New(Config{
		Limits:      ports.StaticSizeLimits{Default: decimal.NewFromInt(100)},
		Coordinator: coord,
		Adapters:    []exchange.Adapter{a},
	})
	require.NoError(t, err)

	done := make(chan Verdict, 1)
	go func() { done <- p.Ingest(context.Background(), newSignal(t, "ETHUSDT", "1", "K"), "K") }()

	require.Eventually(t, func() bool { return len(coord.InFlight()) == 1 }, time.Second, 5*time.Millisecond)
	p.BeginDrain()
	assert.False(t, p.AwaitDrain(50*time.Millisecond))

	close(a.block)
	assert.True(t, p.AwaitDrain(time.Second))
	assert.Equal(t, VerdictProcessed, (<-done).Kind)
	assert.Equal(t, shutdown.StateDrained, coord.State())
}

func TestIngest_CallerCancelDoesNotAbortFanOut(t *testing.T) {
	a := &countingAdapter{id: "a"}
	p := newTestPipeline(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := p.Ingest(ctx, newSignal(t, "ETHUSDT", "1", "K"), "K")
	assert.Equal(t, VerdictProcessed, v.Kind)
	assert.Equal(t, execution.OverallSuccess, v.Result.OverallStatus)
}

func TestNew_RequiresLimits(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
