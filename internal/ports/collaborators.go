package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 核心依赖的外部协作者接口。
//
// 放在中立的 ports 包里，避免 execution / pipeline 与 store / alert 之间产生循环依赖。

// ExecutionRecord 单个适配器执行结果的审计记录
type ExecutionRecord struct {
	ID             string
	Fingerprint    string
	CallerIdentity string
	Symbol         string
	Side           string
	Size           decimal.Decimal
	AdapterID      string
	Status         string
	OrderID        string
	FilledAmount   decimal.Decimal
	ErrorMessage   string
	LatencyMs      int64
	Simulation     bool
	CreatedAt      time.Time
}

// ExecutionRecorder 持久化执行记录。调用方不等待结果，错误只记日志。
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// AlertKind 告警类型
type AlertKind string

const (
	AlertExecutionFailed  AlertKind = "execution_failed"
	AlertPartialFill      AlertKind = "partial_fill"
	AlertShutdownTimeout  AlertKind = "shutdown_timeout"
	AlertAdapterUnhealthy AlertKind = "adapter_unhealthy"
)

// Alerter 尽力而为的告警投递
type Alerter interface {
	Notify(ctx context.Context, kind AlertKind, details map[string]any) error
}

// SizeLimitProvider 查询调用方的最大仓位
type SizeLimitProvider interface {
	MaxPositionSize(ctx context.Context, caller string) (decimal.Decimal, error)
}

// StaticSizeLimits 基于配置的 SizeLimitProvider：按调用方覆盖，否则使用默认值
type StaticSizeLimits struct {
	Default   decimal.Decimal
	PerCaller map[string]decimal.Decimal
}

func (s StaticSizeLimits) MaxPositionSize(_ context.Context, caller string) (decimal.Decimal, error) {
	if v, ok := s.PerCaller[caller]; ok {
		return v, nil
	}
	return s.Default, nil
}
