package shutdown

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/betbot/sigrouter/pkg/logger"
)

// ErrDraining 进入排空阶段后不再接收新信号
var ErrDraining = errors.New("shutdown: draining, not accepting new work")

// State 协调器状态
type State string

const (
	StateAccepting State = "accepting"
	StateDraining  State = "draining"
	StateDrained   State = "drained"
)

const drainPollInterval = 100 * time.Millisecond

// Coordinator 跟踪正在处理中的信号指纹，负责停机时的排空。
//
// draining 只会从 false 变成 true；Track 与 BeginDrain 在同一把锁内判断，
// 排空开始后不会再有新指纹进入 in-flight 集合。
type Coordinator struct {
	mu       sync.Mutex
	draining bool
	inFlight map[string]int // 同一指纹可能被并发跟踪（去重窗口外的重放）
	idle     chan struct{}  // in-flight 变为空时关闭，非空时重建
}

// NewCoordinator 创建协调器
func NewCoordinator() *Coordinator {
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		inFlight: make(map[string]int),
		idle:     idle,
	}
}

// Track 登记一个处理中的指纹，返回幂等的 release；排空阶段返回 ErrDraining。
//
//	release, err := c.Track(fp)
//	if err != nil { ... }
//	defer release()
func (c *Coordinator) Track(fingerprint string) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining {
		return nil, ErrDraining
	}
	if len(c.inFlight) == 0 {
		c.idle = make(chan struct{})
	}
	c.inFlight[fingerprint]++

	var once sync.Once
	return func() {
		once.Do(func() { c.release(fingerprint) })
	}, nil
}

func (c *Coordinator) release(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.inFlight[fingerprint]
	if n <= 1 {
		delete(c.inFlight, fingerprint)
	} else {
		c.inFlight[fingerprint] = n - 1
	}
	if len(c.inFlight) == 0 {
		close(c.idle)
	}
}

// BeginDrain 停止接收新信号，可重复调用
func (c *Coordinator) BeginDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return
	}
	c.draining = true
	logger.Infof("🛑 开始排空，处理中的信号: %d", c.countLocked())
}

// AwaitDrain 等待处理中的信号完成，最多 grace。
// 全部完成返回 true；超时返回 false 并记录仍未完成的指纹（警告，不是错误）。
// 未调用 BeginDrain 时也可以等待，但期间仍可能有新信号进入。
func (c *Coordinator) AwaitDrain(grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
			// 重新确认：idle 关闭后可能又有新的 Track
			if len(c.InFlight()) == 0 {
				logger.Info("✅ 排空完成")
				return true
			}
		case <-deadline.C:
			remaining := c.InFlight()
			if len(remaining) == 0 {
				return true
			}
			logger.Warnf("⚠️ 排空超时 (%s)，仍有 %d 个信号未完成: %v", grace, len(remaining), remaining)
			return false
		case <-time.After(drainPollInterval):
		}
	}
}

// IsDraining 是否已进入排空阶段
func (c *Coordinator) IsDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// InFlight 当前处理中的指纹（排序后返回）
func (c *Coordinator) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.inFlight))
	for fp := range c.inFlight {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

// State 当前状态：未排空为 accepting；排空中且仍有信号为 draining；排空完毕为 drained
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.draining:
		return StateAccepting
	case len(c.inFlight) > 0:
		return StateDraining
	default:
		return StateDrained
	}
}

func (c *Coordinator) countLocked() int {
	n := 0
	for _, v := range c.inFlight {
		n += v
	}
	return n
}
