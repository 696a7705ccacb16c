package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/internal/ports"
)

type stubAdapter struct {
	exchange.NoopSubscriptions
	id string

	mu    sync.Mutex
	state exchange.HealthState
}

func (s *stubAdapter) ID() string { return s.id }

func (s *stubAdapter) Connect(context.Context, exchange.ConnectParams) error { return nil }

func (s *stubAdapter) Disconnect(context.Context) {}

func (s *stubAdapter) ExecuteOrder(context.Context, string, domain.Side, decimal.Decimal) (*exchange.SubmissionResult, error) {
	return nil, nil
}

func (s *stubAdapter) GetOrderStatus(context.Context, string) (*exchange.OrderStatus, error) {
	return nil, nil
}

func (s *stubAdapter) GetPosition(context.Context, string) (*exchange.Position, error) {
	return nil, nil
}

func (s *stubAdapter) CancelOrder(context.Context, string) error { return nil }

func (s *stubAdapter) GetHealthStatus(context.Context) exchange.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exchange.HealthStatus{Status: s.state, Connected: s.state != exchange.HealthOffline, LastCheck: time.Now()}
}

func (s *stubAdapter) set(st exchange.HealthState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type chanAlerter struct{ ch chan ports.AlertKind }

func (c chanAlerter) Notify(_ context.Context, kind ports.AlertKind, _ map[string]any) error {
	c.ch <- kind
	return nil
}

func TestMonitor_SnapshotAndTransitions(t *testing.T) {
	a := &stubAdapter{id: "a", state: exchange.HealthHealthy}
	b := &stubAdapter{id: "b", state: exchange.HealthDegraded}
	alerts := chanAlerter{ch: make(chan ports.AlertKind, 4)}

	m := NewMonitor([]exchange.Adapter{a, b}, time.Hour, alerts)
	defer m.Stop()

	snap := m.Snapshot()
	assert.Equal(t, exchange.HealthOffline, snap["a"].Status)

	m.CheckNow(context.Background())
	snap = m.Snapshot()
	assert.Equal(t, exchange.HealthHealthy, snap["a"].Status)
	assert.Equal(t, exchange.HealthDegraded, snap["b"].Status)

	a.set(exchange.HealthOffline)
	m.CheckNow(context.Background())
	hs, ok := m.Status("a")
	require.True(t, ok)
	assert.Equal(t, exchange.HealthOffline, hs.Status)

	select {
	case kind := <-alerts.ch:
		assert.Equal(t, ports.AlertAdapterUnhealthy, kind)
	case <-time.After(time.Second):
		t.Fatal("expected unhealthy alert")
	}
	// b 一直是 degraded，没有状态变化，不告警
	assert.Len(t, alerts.ch, 0)
}

func TestMonitor_StartStop(t *testing.T) {
	a := &stubAdapter{id: "a", state: exchange.HealthHealthy}
	m := NewMonitor([]exchange.Adapter{a}, 10*time.Millisecond, nil)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		_, ok := m.Status("a")
		return ok
	}, time.Second, 5*time.Millisecond)
	m.Stop()
}
