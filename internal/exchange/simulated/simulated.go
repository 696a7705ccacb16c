// Package simulated 纸交易后端：不访问任何交易所，按配置模拟延迟、部分成交与失败。
package simulated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/pkg/config"
)

// Kind 注册到 exchange 工厂的类型名
const Kind = config.AdapterKindSimulated

var defaultMarkPrice = decimal.NewFromInt(100)

func init() {
	exchange.Register(Kind, func(cfg config.AdapterConfig, deps exchange.Deps) (exchange.Adapter, error) {
		return New(cfg.ID, cfg.Simulated)
	})
}

// Option 构造选项
type Option func(*Adapter)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithSeed 固定随机种子（延迟与失败注入可复现）
func WithSeed(seed int64) Option {
	return func(a *Adapter) { a.rng = rand.New(rand.NewSource(seed)) }
}

// Adapter 模拟执行后端
type Adapter struct {
	exchange.NoopSubscriptions

	id        string
	cfg       config.SimulatedAdapterConfig
	markPrice decimal.Decimal
	now       func() time.Time
	log       *logrus.Entry

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	connected bool
	orders    map[string]*exchange.OrderStatus
	positions map[string]*exchange.Position
}

var _ exchange.Adapter = (*Adapter)(nil)

// New 创建模拟后端
func New(id string, cfg config.SimulatedAdapterConfig, opts ...Option) (*Adapter, error) {
	if id == "" {
		return nil, errors.New("simulated: id is required")
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if cfg.FailWith != "" {
		if _, ok := injectedError(id, cfg.FailWith); !ok {
			return nil, fmt.Errorf("simulated: unknown fail_with %q", cfg.FailWith)
		}
	}
	mark := defaultMarkPrice
	if cfg.MarkPrice != "" {
		p, err := decimal.NewFromString(cfg.MarkPrice)
		if err != nil {
			return nil, fmt.Errorf("simulated: invalid mark_price %q: %w", cfg.MarkPrice, err)
		}
		mark = p
	}

	a := &Adapter{
		id:        id,
		cfg:       cfg,
		markPrice: mark,
		now:       time.Now,
		log:       logrus.WithFields(logrus.Fields{"component": "adapter", "adapter": id, "kind": Kind}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		orders:    make(map[string]*exchange.OrderStatus),
		positions: make(map[string]*exchange.Position),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Connect(ctx context.Context, params exchange.ConnectParams) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.log.Info("📝 [纸交易] 模拟后端已连接")
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.log.Info("模拟后端已断开")
}

func (a *Adapter) isConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) ExecuteOrder(ctx context.Context, symbol string, side domain.Side, size decimal.Decimal) (*exchange.SubmissionResult, error) {
	if !a.isConnected() {
		return nil, &exchange.ConnectionError{Adapter: a.id, Op: "execute_order", Err: errors.New("not connected")}
	}
	if !size.IsPositive() {
		return nil, exchange.NewRejection(a.id, "invalid_size", "size must be positive")
	}

	if err := a.sleepLatency(ctx); err != nil {
		return nil, err
	}
	if err := a.maybeFail(); err != nil {
		a.log.Warnf("📝 [纸交易] 注入失败: symbol=%s side=%s size=%s err=%v", symbol, side, size, err)
		return nil, err
	}

	filled := size
	state := exchange.OrderStateFilled
	if r := a.cfg.FillRatio; r > 0 && r < 1 {
		filled = size.Mul(decimal.NewFromFloat(r)).Round(8)
		if filled.LessThan(size) {
			state = exchange.OrderStatePartial
		}
	}

	now := a.now()
	orderID := "sim-" + uuid.NewString()
	status := &exchange.OrderStatus{
		OrderID:         orderID,
		Status:          state,
		FilledAmount:    filled,
		RemainingAmount: size.Sub(filled),
		AveragePrice:    a.markPrice,
		LastUpdated:     now,
	}

	a.mu.Lock()
	a.orders[orderID] = status
	a.applyFill(symbol, side, filled, now)
	a.mu.Unlock()

	raw, _ := json.Marshal(map[string]any{
		"order_id": orderID,
		"symbol":   symbol,
		"side":     side,
		"size":     size.String(),
		"filled":   filled.String(),
		"price":    a.markPrice.String(),
	})

	a.log.Infof("📝 [纸交易] 模拟下单: orderID=%s symbol=%s side=%s size=%s filled=%s", orderID, symbol, side, size, filled)
	return &exchange.SubmissionResult{
		OrderID:      orderID,
		Status:       exchange.SubmissionStatusSubmitted,
		SubmittedAt:  now,
		FilledAmount: filled,
		RawResponse:  raw,
	}, nil
}

// applyFill 按方向累计净持仓（调用方持锁）
func (a *Adapter) applyFill(symbol string, side domain.Side, filled decimal.Decimal, now time.Time) {
	if filled.IsZero() {
		return
	}
	delta := filled
	if side == domain.SideSell {
		delta = filled.Neg()
	}
	pos, ok := a.positions[symbol]
	if !ok {
		pos = &exchange.Position{Symbol: symbol, Size: decimal.Zero}
		a.positions[symbol] = pos
	}
	pos.Size = pos.Size.Add(delta)
	pos.AveragePrice = a.markPrice
	pos.UpdatedAt = now
	if pos.Size.IsZero() {
		delete(a.positions, symbol)
	}
}

func (a *Adapter) sleepLatency(ctx context.Context) error {
	d := a.cfg.MinLatency
	if spread := a.cfg.MaxLatency - a.cfg.MinLatency; spread > 0 {
		a.rngMu.Lock()
		d += time.Duration(a.rng.Int63n(int64(spread)))
		a.rngMu.Unlock()
	}
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return &exchange.TimeoutError{Adapter: a.id, Op: "execute_order", Err: err}
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &exchange.TimeoutError{Adapter: a.id, Op: "execute_order", After: d, Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}

// maybeFail failure_rate 为 0 时只要设置了 fail_with 就每次失败
func (a *Adapter) maybeFail() error {
	if a.cfg.FailWith == "" {
		return nil
	}
	if a.cfg.FailureRate > 0 {
		a.rngMu.Lock()
		roll := a.rng.Float64()
		a.rngMu.Unlock()
		if roll >= a.cfg.FailureRate {
			return nil
		}
	}
	err, _ := injectedError(a.id, a.cfg.FailWith)
	return err
}

func injectedError(id, kind string) (error, bool) {
	switch kind {
	case "timeout":
		return &exchange.TimeoutError{Adapter: id, Op: "execute_order"}, true
	case "connection":
		return &exchange.ConnectionError{Adapter: id, Op: "execute_order", Err: errors.New("injected")}, true
	case "signature":
		return &exchange.SignatureError{Adapter: id, Reason: "injected"}, true
	case "rejection":
		return exchange.NewRejection(id, "injected", "injected rejection"), true
	case "insufficient_funds":
		return exchange.NewInsufficientFunds(id, "injected"), true
	case "invalid_nonce":
		return exchange.NewInvalidNonce(id, 0, "injected"), true
	default:
		return nil, false
	}
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*exchange.OrderStatus, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.orders[orderID]
	if !ok {
		return nil, exchange.NewOrderNotFound(a.id, orderID, "unknown order")
	}
	cp := *st
	return &cp, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pos, ok := a.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.orders[orderID]
	if !ok {
		return exchange.NewOrderNotFound(a.id, orderID, "unknown order")
	}
	if !st.Status.CanTransition(exchange.OrderStateCancelled) {
		return exchange.NewOrderNotFound(a.id, orderID, fmt.Sprintf("order already %s", st.Status))
	}
	st.Status = exchange.OrderStateCancelled
	st.LastUpdated = a.now()
	a.log.Infof("📝 [纸交易] 模拟取消订单: orderID=%s", orderID)
	return nil
}

func (a *Adapter) GetHealthStatus(ctx context.Context) exchange.HealthStatus {
	hs := exchange.HealthStatus{
		LastCheck: a.now(),
		LatencyMs: ((a.cfg.MinLatency + a.cfg.MaxLatency) / 2).Milliseconds(),
	}
	if a.isConnected() {
		hs.Status = exchange.HealthHealthy
		hs.Connected = true
	} else {
		hs.Status = exchange.HealthOffline
		hs.ErrorMessage = "not connected"
	}
	return hs
}
