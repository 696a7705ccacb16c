package exchange

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SubmissionStatusSubmitted 提交结果只有一种状态：已提交（成交情况通过 OrderStatus 查询）
const SubmissionStatusSubmitted = "submitted"

// SubmissionResult 适配器提交订单后立即返回的结果。每次调用生成一次，之后不再更新。
type SubmissionResult struct {
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	FilledAmount decimal.Decimal `json:"filled_amount"` // 异步成交时为 0
	RawResponse  json.RawMessage `json:"raw_response,omitempty"`
}

// OrderState 订单生命周期状态
type OrderState string

const (
	OrderStatePending   OrderState = "pending"
	OrderStatePartial   OrderState = "partial"
	OrderStateFilled    OrderState = "filled"
	OrderStateFailed    OrderState = "failed"
	OrderStateCancelled OrderState = "cancelled"
)

// IsTerminal filled / failed / cancelled 为终态
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateFailed, OrderStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition 状态只向终态推进：终态不可再变；partial 只能继续 partial 或进入终态。
func (s OrderState) CanTransition(to OrderState) bool {
	switch s {
	case OrderStateFilled, OrderStateFailed, OrderStateCancelled:
		return false
	case OrderStatePartial:
		return to == OrderStatePartial || to.IsTerminal()
	case OrderStatePending:
		return to == OrderStatePending || to == OrderStatePartial || to.IsTerminal()
	default:
		return false
	}
}

// OrderStatus 某一时刻的订单快照
type OrderStatus struct {
	OrderID         string          `json:"order_id"`
	Status          OrderState      `json:"status"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// Position 某个 symbol 的净持仓（正数多头，负数空头）
type Position struct {
	Symbol       string          `json:"symbol"`
	Size         decimal.Decimal `json:"size"`
	AveragePrice decimal.Decimal `json:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// HealthState 适配器健康状态
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// HealthStatus 按需计算的健康快照，核心流程不做持久化
type HealthStatus struct {
	Status       HealthState `json:"status"`
	Connected    bool        `json:"connected"`
	LatencyMs    int64       `json:"latency_ms"`
	LastCheck    time.Time   `json:"last_check"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// ConnectParams 连接参数（可选），为空时使用适配器构造时的配置
type ConnectParams struct {
	Credentials map[string]string
}
