package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/sigrouter/internal/ports"
)

func openTestStore(t *testing.T, fallback ports.SizeLimitProvider) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), fallback)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(adapter, status string, sim bool, at time.Time) ports.ExecutionRecord {
	return ports.ExecutionRecord{
		Fingerprint:    "fp-" + adapter,
		CallerIdentity: "K",
		Symbol:         "BTCUSDT",
		Side:           "buy",
		Size:           decimal.RequireFromString("1.5"),
		AdapterID:      adapter,
		Status:         status,
		FilledAmount:   decimal.RequireFromString("1.5"),
		LatencyMs:      100,
		Simulation:     sim,
		CreatedAt:      at,
	}
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	failed := record("b", "failed", false, base.Add(time.Second))
	failed.ErrorMessage = "b: order rejected: halted"
	require.NoError(t, s.RecordExecution(ctx, record("a", "success", false, base)))
	require.NoError(t, s.RecordExecution(ctx, failed))
	require.NoError(t, s.RecordExecution(ctx, record("sim", "success", true, base.Add(2*time.Second))))

	all, err := s.ListExecutions(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sim", all[0].AdapterID)
	assert.True(t, all[0].Simulation)
	assert.Equal(t, "b: order rejected: halted", all[1].ErrorMessage)
	assert.True(t, all[2].Size.Equal(decimal.RequireFromString("1.5")))
	assert.NotEmpty(t, all[2].ID)

	live, err := s.ListExecutions(ctx, 10, false)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestStatsExcludesSimulation(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	for _, r := range []ports.ExecutionRecord{
		record("a", "success", false, now),
		record("b", "partial", false, now),
		record("c", "failed", false, now),
		record("*", "rejected", false, now),
		record("d", "failed", true, now),
	} {
		require.NoError(t, s.RecordExecution(ctx, r))
	}

	st, err := s.Stats(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Success)
	assert.Equal(t, 1, st.Partial)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Rejected)
	assert.InDelta(t, 2.0/3.0, st.SuccessRate(), 1e-9)
	assert.InDelta(t, 100, st.AvgLatencyMs, 1e-9)

	withSim, err := s.Stats(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5, withSim.Total)
	assert.Equal(t, 2, withSim.Failed)
}

func TestPositionLimits(t *testing.T) {
	fallback := ports.StaticSizeLimits{
		Default:   decimal.NewFromInt(1000),
		PerCaller: map[string]decimal.Decimal{"vip": decimal.NewFromInt(5000)},
	}
	s := openTestStore(t, fallback)
	ctx := context.Background()

	got, err := s.MaxPositionSize(ctx, "K")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(1000)))

	got, err = s.MaxPositionSize(ctx, "vip")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(5000)))

	require.NoError(t, s.SetPositionLimit(ctx, "K", decimal.RequireFromString("12.5")))
	got, err = s.MaxPositionSize(ctx, "K")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("12.5")))

	require.NoError(t, s.SetPositionLimit(ctx, "K", decimal.NewFromInt(20)))
	got, err = s.MaxPositionSize(ctx, "K")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(20)))

	require.NoError(t, s.DeletePositionLimit(ctx, "K"))
	got, err = s.MaxPositionSize(ctx, "K")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(1000)))

	assert.Error(t, s.SetPositionLimit(ctx, "K", decimal.Zero))
	assert.Error(t, s.SetPositionLimit(ctx, "", decimal.NewFromInt(1)))
}

func TestPositionLimitsWithoutFallback(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.MaxPositionSize(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoLimit)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", nil)
	assert.Error(t, err)
}
