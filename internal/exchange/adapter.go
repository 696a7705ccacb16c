package exchange

import (
	"context"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/shopspring/decimal"
)

// Adapter 单个执行后端（交易所）的统一契约。
//
// 实现必须可并发调用；ExecuteOrder 失败时返回 errors.go 中的分类错误，
// 以便 retry 包判断是否重试。
type Adapter interface {
	// ID 配置中的后端标识，唯一
	ID() string

	Connect(ctx context.Context, params ConnectParams) error
	// Disconnect 释放资源，只记录日志不返回错误
	Disconnect(ctx context.Context)

	ExecuteOrder(ctx context.Context, symbol string, side domain.Side, size decimal.Decimal) (*SubmissionResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	// GetPosition 空仓时返回 nil, nil
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	// CancelOrder 订单已是终态或不存在时返回 OrderNotFoundError
	CancelOrder(ctx context.Context, orderID string) error

	GetHealthStatus(ctx context.Context) HealthStatus

	SubscribeToOrderUpdates(ctx context.Context, cb func(OrderStatus)) (Subscription, error)
}

// Subscription 订单推送订阅句柄
type Subscription interface {
	Close() error
}

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }

// NoopSubscriptions 不支持推送的适配器嵌入此类型：订阅成功，但回调永远不会被调用。
type NoopSubscriptions struct{}

func (NoopSubscriptions) SubscribeToOrderUpdates(ctx context.Context, cb func(OrderStatus)) (Subscription, error) {
	return noopSubscription{}, nil
}

// SecretResolver 解析 secret:// 引用（由 secretstore 实现）
type SecretResolver interface {
	Resolve(ref string) (string, error)
}
