// Package health 定期探测各适配器健康状态并缓存最近一次结果。
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/internal/metrics"
	"github.com/betbot/sigrouter/internal/ports"
	"github.com/betbot/sigrouter/pkg/cache"
)

var log = logrus.WithField("component", "health")

const (
	DefaultInterval = 15 * time.Second
	probeTimeout    = 5 * time.Second
)

// Monitor 适配器健康巡检
type Monitor struct {
	adapters []exchange.Adapter
	interval time.Duration
	alerter  ports.Alerter
	cache    *cache.InMemoryCache[string, exchange.HealthStatus]

	mu   sync.Mutex
	last map[string]exchange.HealthState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor 创建巡检器；alerter 可为空
func NewMonitor(adapters []exchange.Adapter, interval time.Duration, alerter ports.Alerter) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		adapters: adapters,
		interval: interval,
		alerter:  alerter,
		// 超过 3 个周期没有刷新的结果视为过期
		cache: cache.NewInMemoryCache[string, exchange.HealthStatus](3 * interval),
		last:  make(map[string]exchange.HealthState),
	}
}

// Start 立即探测一次，然后按周期探测直到 ctx 取消或 Stop
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.CheckNow(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
	log.Infof("✅ 健康巡检已启动 (adapters=%d interval=%s)", len(m.adapters), m.interval)
}

// Stop 停止巡检并等待当前一轮结束
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.cache.Close()
}

// CheckNow 并发探测所有适配器并更新缓存
func (m *Monitor) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range m.adapters {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()
			m.probe(ctx, a)
		}(a)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, a exchange.Adapter) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var hs exchange.HealthStatus
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("adapter", a.ID()).Errorf("健康检查 panic: %v", r)
				hs = exchange.HealthStatus{Status: exchange.HealthOffline, LastCheck: time.Now(), ErrorMessage: "health check panicked"}
			}
		}()
		hs = a.GetHealthStatus(pctx)
	}()
	if hs.LastCheck.IsZero() {
		hs.LastCheck = time.Now()
	}
	m.cache.Set(a.ID(), hs, 0)
	m.observe(ctx, a.ID(), hs)
}

// observe 记录状态变化；从 healthy 变差时告警
func (m *Monitor) observe(ctx context.Context, id string, hs exchange.HealthStatus) {
	m.mu.Lock()
	prev, seen := m.last[id]
	m.last[id] = hs.Status
	m.mu.Unlock()

	if seen && prev == hs.Status {
		return
	}
	entry := log.WithFields(logrus.Fields{"adapter": id, "from": prev, "to": hs.Status})
	if !seen {
		entry.Infof("适配器初始状态: %s", hs.Status)
		return
	}

	metrics.AdapterHealthFlip.Add(1)
	if hs.Status == exchange.HealthHealthy {
		entry.Info("✅ 适配器恢复健康")
		return
	}
	entry.Warnf("⚠️ 适配器状态变差: %s", hs.ErrorMessage)
	if m.alerter == nil || prev != exchange.HealthHealthy {
		return
	}
	details := map[string]any{"adapter_id": id, "status": string(hs.Status), "error": hs.ErrorMessage}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		if err := m.alerter.Notify(actx, ports.AlertAdapterUnhealthy, details); err != nil {
			log.Warnf("健康告警发送失败: %v", err)
		}
	}()
}

// Status 单个适配器最近一次的健康状态；没有或已过期返回 false
func (m *Monitor) Status(id string) (exchange.HealthStatus, bool) {
	return m.cache.Get(id)
}

// Snapshot 所有适配器的健康状态；没有新鲜结果的记为 offline
func (m *Monitor) Snapshot() map[string]exchange.HealthStatus {
	cached := m.cache.Snapshot()
	out := make(map[string]exchange.HealthStatus, len(m.adapters))
	for _, a := range m.adapters {
		if hs, ok := cached[a.ID()]; ok {
			out[a.ID()] = hs
			continue
		}
		out[a.ID()] = exchange.HealthStatus{Status: exchange.HealthOffline, ErrorMessage: "no recent health check"}
	}
	return out
}
