package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/betbot/sigrouter/pkg/logger"
)

// Handler 关闭处理函数，应在 ctx 截止前返回
type Handler func(ctx context.Context)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 排空之后的资源释放：断开适配器、停止后台 worker、关闭存储。
// 回调并发执行，整体受 ctx 截止时间约束。
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调，name 用于超时时定位未完成的回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 并发执行所有回调，返回截止时仍未完成的回调名（已排序）
func (m *Manager) Shutdown(ctx context.Context) []string {
	m.mu.Lock()
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return nil
	}
	logger.Infof("🛑 执行关闭回调: %d 个", len(callbacks))

	var (
		mu      sync.Mutex
		pending = make(map[string]int, len(callbacks))
		wg      sync.WaitGroup
	)
	for _, cb := range callbacks {
		pending[cb.name]++
	}

	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(h namedHandler) {
			defer wg.Done()
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("关闭回调 %s panic: %v", h.name, r)
				}
				mu.Lock()
				if pending[h.name]--; pending[h.name] <= 0 {
					delete(pending, h.name)
				}
				mu.Unlock()
				logger.Debugf("关闭回调 %s 完成，耗时 %s", h.name, time.Since(start))
			}()
			h.fn(ctx)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("✅ 关闭回调全部完成")
		return nil
	case <-ctx.Done():
	}

	mu.Lock()
	left := make([]string, 0, len(pending))
	for name := range pending {
		left = append(left, name)
	}
	mu.Unlock()
	sort.Strings(left)
	logger.Warnf("⚠️ 关闭超时 (%v)，未完成: %v", ctx.Err(), left)
	return left
}
