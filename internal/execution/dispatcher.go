package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/metrics"
)

var dispatchLog = logrus.WithField("component", "dispatcher")

// Task 后台任务（记录执行、发送告警等），不在信号的响应路径上等待
type Task struct {
	Name    string
	Timeout time.Duration
	Do      func(ctx context.Context)
}

// Dispatcher 有界队列 + 固定 worker 的后台任务池。
// 队列满时直接丢弃并计数，提交方永不阻塞。
type Dispatcher struct {
	workers int

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	ch      chan Task
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

// NewDispatcher 创建任务池
func NewDispatcher(buffer int, workers int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		workers: workers,
		ch:      make(chan Task, buffer),
	}
}

// Start 启动 worker，重复调用无副作用
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		d.mu.Lock()
		d.ctx, d.cancel = context.WithCancel(ctx)
		d.mu.Unlock()

		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		dispatchLog.Infof("✅ Dispatcher 已启动 (workers=%d buffer=%d)", d.workers, cap(d.ch))
	})
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			// 退出前把已入队的任务跑完
			for {
				select {
				case t := <-d.ch:
					d.run(id, t)
				default:
					return
				}
			}
		case t := <-d.ch:
			d.run(id, t)
		}
	}
}

func (d *Dispatcher) run(workerID int, t Task) {
	if t.Do == nil {
		return
	}
	// Stop 后排空队列时 d.ctx 已取消，任务只受自身超时约束
	base := context.Background()
	runCtx, cancel := base, context.CancelFunc(func() {})
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, t.Timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			dispatchLog.Errorf("任务 panic: worker=%d name=%s panic=%v", workerID, t.Name, r)
		}
	}()
	t.Do(runCtx)
}

// Submit 非阻塞提交；队列已满返回 false
func (d *Dispatcher) Submit(t Task) bool {
	select {
	case d.ch <- t:
		return true
	default:
		d.dropped.Add(1)
		metrics.DispatchDropped.Add(1)
		dispatchLog.Warnf("⚠️ Dispatcher 队列已满，丢弃任务: %s", t.Name)
		return false
	}
}

// Stop 停止 worker 并等待已入队的任务完成，ctx 控制最长等待
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		dispatchLog.Infof("✅ Dispatcher 已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("停止 Dispatcher 超时: %w", ctx.Err())
	}
}

// QueueLen 当前排队任务数
func (d *Dispatcher) QueueLen() int {
	return len(d.ch)
}

// Dropped 累计丢弃任务数
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}
