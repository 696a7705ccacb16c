package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/pkg/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	NoopSubscriptions
	id string
}

func (s *stubAdapter) ID() string { return s.id }
func (s *stubAdapter) Connect(ctx context.Context, p ConnectParams) error { return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) {}
func (s *stubAdapter) ExecuteOrder(ctx context.Context, symbol string, side domain.Side, size decimal.Decimal) (*SubmissionResult, error) {
	return &SubmissionResult{OrderID: "x", Status: SubmissionStatusSubmitted}, nil
}
func (s *stubAdapter) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return nil, NewOrderNotFound(s.id, orderID, "stub")
}
func (s *stubAdapter) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	return nil, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (s *stubAdapter) GetHealthStatus(ctx context.Context) HealthStatus {
	return HealthStatus{Status: HealthHealthy, Connected: true}
}

func TestRegistry(t *testing.T) {
	Register("stub-test", func(cfg config.AdapterConfig, deps Deps) (Adapter, error) {
		if cfg.ID == "bad" {
			return nil, errors.New("bad options")
		}
		return &stubAdapter{id: cfg.ID}, nil
	})
	assert.Contains(t, Kinds(), "stub-test")
	assert.Panics(t, func() {
		Register("stub-test", nil)
	})

	a, err := New(config.AdapterConfig{ID: "one", Kind: "stub-test"}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "one", a.ID())

	_, err = New(config.AdapterConfig{ID: "two", Kind: "nope"}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")

	_, err = New(config.AdapterConfig{ID: "bad", Kind: "stub-test"}, Deps{})
	require.Error(t, err)

	all, err := BuildAll([]config.AdapterConfig{
		{ID: "a", Kind: "stub-test", Enabled: true},
		{ID: "b", Kind: "nope", Enabled: false},
		{ID: "c", Kind: "stub-test", Enabled: true},
	}, Deps{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[1].ID())
}

func TestNoopSubscriptionsNeverCallsBack(t *testing.T) {
	s := &stubAdapter{id: "s"}
	called := false
	sub, err := s.SubscribeToOrderUpdates(context.Background(), func(OrderStatus) { called = true })
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.False(t, called)
}
