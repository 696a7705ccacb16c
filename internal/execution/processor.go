package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/internal/metrics"
	"github.com/betbot/sigrouter/internal/ports"
	"github.com/betbot/sigrouter/pkg/retry"
)

var procLog = logrus.WithField("component", "processor")

const (
	// DefaultFanoutTimeout 单个信号扇出的总超时
	DefaultFanoutTimeout = 30 * time.Second

	// RejectedAdapterID 超限拒绝时使用的占位适配器 ID（信号未到达任何适配器）
	RejectedAdapterID = "*"

	sideEffectTimeout = 10 * time.Second
)

// OutcomeStatus 单个适配器的执行结果
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomePartial  OutcomeStatus = "partial"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeRejected OutcomeStatus = "rejected"
)

// OverallStatus 信号的聚合结果
type OverallStatus string

const (
	OverallSuccess        OverallStatus = "success"
	OverallPartialFailure OverallStatus = "partial_failure"
	OverallFailed         OverallStatus = "failed"
	OverallRejected       OverallStatus = "rejected"
)

// Outcome 单个适配器的执行结果
type Outcome struct {
	AdapterID    string           `json:"adapter_id"`
	Status       OutcomeStatus    `json:"status"`
	OrderID      string           `json:"order_id,omitempty"`
	FilledAmount *decimal.Decimal `json:"filled_amount,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	LatencyMs    int64            `json:"latency_ms"`
}

// Succeeded partial 也算成功
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess || o.Status == OutcomePartial
}

// AggregatedResult 一个信号在所有适配器上的汇总结果
type AggregatedResult struct {
	Fingerprint    string        `json:"fingerprint"`
	OverallStatus  OverallStatus `json:"overall_status"`
	Outcomes       []Outcome     `json:"outcomes"`
	SuccessCount   int           `json:"success_count"`
	FailedCount    int           `json:"failed_count"`
	TotalLatencyMs int64         `json:"total_latency_ms"`
}

// ProcessorConfig 处理器依赖与参数；Recorder / Alerter / Dispatcher 均可为空
type ProcessorConfig struct {
	Timeout    time.Duration
	Retry      retry.Policy
	Recorder   ports.ExecutionRecorder
	Alerter    ports.Alerter
	Dispatcher *Dispatcher
	Now        func() time.Time
}

// Processor 信号处理核心：仓位校验 → 并发扇出到各适配器 → 汇总 → 后台记录与告警
type Processor struct {
	timeout    time.Duration
	policy     retry.Policy
	recorder   ports.ExecutionRecorder
	alerter    ports.Alerter
	dispatcher *Dispatcher
	now        func() time.Time
}

// NewProcessor 创建处理器
func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		timeout:    cfg.Timeout,
		policy:     cfg.Retry,
		recorder:   cfg.Recorder,
		alerter:    cfg.Alerter,
		dispatcher: cfg.Dispatcher,
		now:        cfg.Now,
	}
	if p.timeout <= 0 {
		p.timeout = DefaultFanoutTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.policy.Retryable == nil {
		p.policy.Retryable = exchange.IsRetryable
	}
	if p.policy.OnRetry == nil {
		p.policy.OnRetry = func(int, error) { metrics.AdapterRetries.Add(1) }
	}
	return p
}

// ExecuteOrder 带重试地在单个适配器上下单；只有超时/连接/签名类错误会重试
func ExecuteOrder(ctx context.Context, policy retry.Policy, a exchange.Adapter, sig domain.Signal) (*exchange.SubmissionResult, error) {
	if policy.Retryable == nil {
		policy.Retryable = exchange.IsRetryable
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (*exchange.SubmissionResult, error) {
		return a.ExecuteOrder(ctx, sig.Symbol(), sig.Side(), sig.Size())
	})
}

type indexedOutcome struct {
	idx int
	out Outcome
}

// ProcessSignal 处理一个信号。
//
// 超过 maxPositionSize 时直接返回单个 rejected 结果，不调用任何适配器；
// 否则每个适配器一个 goroutine 并发下单，整体受 fan-out 超时约束，
// 超时后仍未返回的适配器记为 failed，其迟到结果被丢弃。
// 所有结果都会异步写入 Recorder（带 simulation 标记），failed / partial 会异步告警。
func (p *Processor) ProcessSignal(ctx context.Context, sig domain.Signal, adapters []exchange.Adapter, maxPositionSize decimal.Decimal, simulation bool) *AggregatedResult {
	start := p.now()
	entry := procLog.WithFields(logrus.Fields{
		"fingerprint": sig.Fingerprint(),
		"symbol":      sig.Symbol(),
		"side":        sig.Side(),
		"size":        sig.Size().String(),
	})

	if sig.Size().GreaterThan(maxPositionSize) {
		reason := fmt.Sprintf("size %s exceeds max position size %s", sig.Size(), maxPositionSize)
		entry.Infof("🚫 信号超过仓位上限，拒绝: %s", reason)
		res := &AggregatedResult{
			Fingerprint:   sig.Fingerprint(),
			OverallStatus: OverallRejected,
			Outcomes: []Outcome{{
				AdapterID:    RejectedAdapterID,
				Status:       OutcomeRejected,
				ErrorMessage: reason,
			}},
		}
		p.emit(sig, res, simulation)
		return res
	}

	entry.Infof("📝 开始扇出: adapters=%d timeout=%s simulation=%v", len(adapters), p.timeout, simulation)
	outcomes := p.fanOut(ctx, sig, adapters, start)

	res := aggregate(sig.Fingerprint(), outcomes)
	res.TotalLatencyMs = p.now().Sub(start).Milliseconds()
	metrics.OverallByStatus.Add(string(res.OverallStatus), 1)

	switch res.OverallStatus {
	case OverallSuccess:
		entry.Infof("✅ 信号执行完成: success=%d latency=%dms", res.SuccessCount, res.TotalLatencyMs)
	case OverallPartialFailure:
		entry.Warnf("⚠️ 信号部分失败: success=%d failed=%d latency=%dms", res.SuccessCount, res.FailedCount, res.TotalLatencyMs)
	default:
		entry.Errorf("❌ 信号执行失败: failed=%d latency=%dms", res.FailedCount, res.TotalLatencyMs)
	}

	p.emit(sig, res, simulation)
	return res
}

func (p *Processor) fanOut(ctx context.Context, sig domain.Signal, adapters []exchange.Adapter, start time.Time) []Outcome {
	outcomes := make([]Outcome, len(adapters))
	if len(adapters) == 0 {
		return outcomes
	}

	fanCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// 带缓冲：超时后返回的 goroutine 不会阻塞
	results := make(chan indexedOutcome, len(adapters))
	for i, a := range adapters {
		go func(idx int, a exchange.Adapter) {
			results <- indexedOutcome{idx: idx, out: p.executeOne(fanCtx, sig, a)}
		}(i, a)
	}

	done := make([]bool, len(adapters))
	remaining := len(adapters)
	for remaining > 0 {
		select {
		case r := <-results:
			outcomes[r.idx] = r.out
			done[r.idx] = true
			remaining--
		case <-fanCtx.Done():
			reason := fmt.Sprintf("timed out after %s", p.timeout)
			if !errors.Is(fanCtx.Err(), context.DeadlineExceeded) {
				reason = "cancelled: " + fanCtx.Err().Error()
			}
			elapsed := p.now().Sub(start).Milliseconds()
			for i, a := range adapters {
				if done[i] {
					continue
				}
				outcomes[i] = Outcome{
					AdapterID:    a.ID(),
					Status:       OutcomeFailed,
					ErrorMessage: reason,
					ErrorKind:    "timeout",
					LatencyMs:    elapsed,
				}
				procLog.WithField("adapter", a.ID()).Warnf("⏱️ 适配器未在 %s 内返回，结果作废", p.timeout)
			}
			remaining = 0
		}
	}
	return outcomes
}

func (p *Processor) executeOne(ctx context.Context, sig domain.Signal, a exchange.Adapter) (out Outcome) {
	began := p.now()
	out.AdapterID = a.ID()
	defer func() {
		if r := recover(); r != nil {
			procLog.WithField("adapter", out.AdapterID).Errorf("适配器 panic: %v", r)
			out.Status = OutcomeFailed
			out.OrderID = ""
			out.FilledAmount = nil
			out.ErrorMessage = fmt.Sprintf("panic: %v", r)
			out.ErrorKind = "unknown"
		}
		out.LatencyMs = p.now().Sub(began).Milliseconds()
		metrics.OutcomesByStatus.Add(string(out.Status), 1)
	}()

	sub, err := ExecuteOrder(ctx, p.policy, a, sig)
	if err != nil {
		out.Status = OutcomeFailed
		out.ErrorMessage = err.Error()
		out.ErrorKind = exchange.Kind(err)
		procLog.WithFields(logrus.Fields{"adapter": out.AdapterID, "kind": out.ErrorKind}).Warnf("❌ 下单失败: %v", err)
		return out
	}
	if sub == nil {
		out.Status = OutcomeFailed
		out.ErrorMessage = "adapter returned no submission result"
		out.ErrorKind = "unknown"
		return out
	}

	filled := sub.FilledAmount
	out.OrderID = sub.OrderID
	out.FilledAmount = &filled
	out.Status = OutcomeSuccess
	if filled.IsPositive() && filled.LessThan(sig.Size()) {
		out.Status = OutcomePartial
	}
	return out
}

func aggregate(fingerprint string, outcomes []Outcome) *AggregatedResult {
	res := &AggregatedResult{Fingerprint: fingerprint, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Succeeded() {
			res.SuccessCount++
		} else {
			res.FailedCount++
		}
	}
	switch {
	case len(outcomes) > 0 && res.FailedCount == 0:
		res.OverallStatus = OverallSuccess
	case res.SuccessCount > 0:
		res.OverallStatus = OverallPartialFailure
	default:
		res.OverallStatus = OverallFailed
	}
	return res
}

// emit 后台写执行记录并对 failed / partial 告警；不等待完成
func (p *Processor) emit(sig domain.Signal, res *AggregatedResult, simulation bool) {
	now := p.now()
	for _, o := range res.Outcomes {
		if p.recorder != nil {
			rec := toRecord(sig, o, simulation, now)
			p.submit(Task{
				Name:    "record:" + o.AdapterID,
				Timeout: sideEffectTimeout,
				Do: func(ctx context.Context) {
					if err := p.recorder.RecordExecution(ctx, rec); err != nil {
						metrics.RecordErrors.Add(1)
						procLog.Warnf("写入执行记录失败 (fingerprint=%s adapter=%s): %v", rec.Fingerprint, rec.AdapterID, err)
					}
				},
			})
		}

		kind, ok := alertKindFor(o.Status)
		if !ok || p.alerter == nil {
			continue
		}
		details := map[string]any{
			"fingerprint": sig.Fingerprint(),
			"caller":      sig.CallerIdentity(),
			"symbol":      sig.Symbol(),
			"side":        string(sig.Side()),
			"size":        sig.Size().String(),
			"adapter_id":  o.AdapterID,
			"status":      string(o.Status),
			"simulation":  simulation,
		}
		if o.ErrorMessage != "" {
			details["error"] = o.ErrorMessage
		}
		if o.FilledAmount != nil {
			details["filled_amount"] = o.FilledAmount.String()
		}
		p.submit(Task{
			Name:    "alert:" + o.AdapterID,
			Timeout: sideEffectTimeout,
			Do: func(ctx context.Context) {
				if err := p.alerter.Notify(ctx, kind, details); err != nil {
					metrics.AlertErrors.Add(1)
					procLog.Warnf("告警发送失败 (%s): %v", kind, err)
				}
			},
		})
	}
}

func (p *Processor) submit(t Task) {
	if p.dispatcher != nil {
		p.dispatcher.Submit(t)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				procLog.Errorf("后台任务 panic: name=%s panic=%v", t.Name, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
		defer cancel()
		t.Do(ctx)
	}()
}

func alertKindFor(s OutcomeStatus) (ports.AlertKind, bool) {
	switch s {
	case OutcomeFailed:
		return ports.AlertExecutionFailed, true
	case OutcomePartial:
		return ports.AlertPartialFill, true
	default:
		return "", false
	}
}

func toRecord(sig domain.Signal, o Outcome, simulation bool, at time.Time) ports.ExecutionRecord {
	rec := ports.ExecutionRecord{
		ID:             uuid.NewString(),
		Fingerprint:    sig.Fingerprint(),
		CallerIdentity: sig.CallerIdentity(),
		Symbol:         sig.Symbol(),
		Side:           string(sig.Side()),
		Size:           sig.Size(),
		AdapterID:      o.AdapterID,
		Status:         string(o.Status),
		OrderID:        o.OrderID,
		ErrorMessage:   o.ErrorMessage,
		LatencyMs:      o.LatencyMs,
		Simulation:     simulation,
		CreatedAt:      at,
	}
	if o.FilledAmount != nil {
		rec.FilledAmount = *o.FilledAmount
	}
	return rec
}
