// Package pipeline 把去重、限流、仓位上限、在途跟踪和信号处理串成一次 Ingest 调用。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/internal/execution"
	"github.com/betbot/sigrouter/internal/metrics"
	"github.com/betbot/sigrouter/internal/ports"
	"github.com/betbot/sigrouter/pkg/ratelimit"
	"github.com/betbot/sigrouter/pkg/shutdown"
)

var log = logrus.WithField("component", "pipeline")

// VerdictKind Ingest 的结论
type VerdictKind string

const (
	VerdictDuplicate   VerdictKind = "duplicate"
	VerdictRateLimited VerdictKind = "rate_limited"
	VerdictRejected    VerdictKind = "rejected"
	VerdictProcessed   VerdictKind = "processed"
	VerdictUnavailable VerdictKind = "unavailable"
)

// Verdict Ingest 结果；RetryAfterSeconds 仅 rate_limited 有值，Reason 仅 rejected / unavailable，Result 仅 processed
type Verdict struct {
	Kind              VerdictKind
	RetryAfterSeconds int
	Reason            string
	Result            *execution.AggregatedResult
}

// Config 管线依赖
type Config struct {
	Dedup       *execution.Deduplicator
	Limiter     *ratelimit.KeyedSlidingWindow
	Limits      ports.SizeLimitProvider
	Coordinator *shutdown.Coordinator
	Processor   *execution.Processor
	Adapters    []exchange.Adapter
	// Simulation 为 true 时所有执行记录打上模拟标记
	Simulation bool
}

// Pipeline 信号入口
type Pipeline struct {
	dedup       *execution.Deduplicator
	limiter     *ratelimit.KeyedSlidingWindow
	limits      ports.SizeLimitProvider
	coordinator *shutdown.Coordinator
	processor   *execution.Processor
	adapters    []exchange.Adapter
	simulation  bool
}

// New 创建管线；Dedup / Limiter / Coordinator / Processor 为空时使用默认实现
func New(cfg Config) (*Pipeline, error) {
	if cfg.Limits == nil {
		return nil, errors.New("pipeline: size limit provider is required")
	}
	p := &Pipeline{
		dedup:       cfg.Dedup,
		limiter:     cfg.Limiter,
		limits:      cfg.Limits,
		coordinator: cfg.Coordinator,
		processor:   cfg.Processor,
		adapters:    cfg.Adapters,
		simulation:  cfg.Simulation,
	}
	if p.dedup == nil {
		p.dedup = execution.NewDeduplicator(execution.DefaultDedupTTL)
	}
	if p.limiter == nil {
		p.limiter = ratelimit.NewKeyedSlidingWindow(ratelimit.DefaultMaxRequests, ratelimit.DefaultWindow)
	}
	if p.coordinator == nil {
		p.coordinator = shutdown.NewCoordinator()
	}
	if p.processor == nil {
		p.processor = execution.NewProcessor(execution.ProcessorConfig{})
	}
	return p, nil
}

// Ingest 处理一个已通过网关校验的信号。
//
// 顺序：排空检查 → 去重 → 限流 → 查询仓位上限 → 在途登记 → 处理。
// 被限流、上限查询失败或登记失败的信号会从去重窗口移除，调用方可以稍后重发。
func (p *Pipeline) Ingest(ctx context.Context, sig domain.Signal, caller string) Verdict {
	metrics.SignalsReceived.Add(1)
	fp := sig.Fingerprint()
	entry := log.WithFields(logrus.Fields{"fingerprint": fp, "caller": caller})

	if p.coordinator.IsDraining() {
		metrics.SignalsDraining.Add(1)
		entry.Info("服务排空中，拒绝新信号")
		return Verdict{Kind: VerdictUnavailable, Reason: shutdown.ErrDraining.Error()}
	}

	if p.dedup.IsDuplicate(fp) {
		metrics.SignalsDuplicate.Add(1)
		entry.Info("🔁 重复信号，忽略")
		return Verdict{Kind: VerdictDuplicate}
	}

	if !p.limiter.IsAllowed(caller) {
		p.dedup.Forget(fp)
		retryAfter := p.limiter.RetryAfterSeconds(caller)
		metrics.SignalsRateLimit.Add(1)
		entry.Warnf("⛔ 调用方触发限流，%d 秒后重试", retryAfter)
		return Verdict{Kind: VerdictRateLimited, RetryAfterSeconds: retryAfter}
	}

	maxSize, err := p.limits.MaxPositionSize(ctx, caller)
	if err != nil {
		p.dedup.Forget(fp)
		metrics.SignalsRejected.Add(1)
		entry.Warnf("查询仓位上限失败: %v", err)
		return Verdict{Kind: VerdictRejected, Reason: fmt.Sprintf("size limit lookup failed: %v", err)}
	}

	release, err := p.coordinator.Track(fp)
	if err != nil {
		p.dedup.Forget(fp)
		metrics.SignalsDraining.Add(1)
		return Verdict{Kind: VerdictUnavailable, Reason: err.Error()}
	}
	defer release()

	// 请求方断开不应中断已经开始的扇出；在途跟踪保证停机时会等它结束
	res := p.processor.ProcessSignal(context.WithoutCancel(ctx), sig, p.adapters, maxSize, p.simulation)
	if res.OverallStatus == execution.OverallRejected {
		metrics.SignalsRejected.Add(1)
		reason := ""
		if len(res.Outcomes) > 0 {
			reason = res.Outcomes[0].ErrorMessage
		}
		return Verdict{Kind: VerdictRejected, Reason: reason, Result: res}
	}
	metrics.SignalsProcessed.Add(1)
	return Verdict{Kind: VerdictProcessed, Result: res}
}

// BeginDrain 停止接收新信号
func (p *Pipeline) BeginDrain() {
	p.coordinator.BeginDrain()
}

// AwaitDrain 等待在途信号完成，最多 grace
func (p *Pipeline) AwaitDrain(grace time.Duration) bool {
	return p.coordinator.AwaitDrain(grace)
}

// Coordinator 供状态接口读取在途信息
func (p *Pipeline) Coordinator() *shutdown.Coordinator {
	return p.coordinator
}

// Adapters 当前参与扇出的适配器
func (p *Pipeline) Adapters() []exchange.Adapter {
	return p.adapters
}
