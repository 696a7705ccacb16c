// Package retry 对可重试错误做有上限的指数退避重试（full jitter）。
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// 默认策略：最多 3 次尝试，退避从 200ms 起，单次等待不超过 2s
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
)

var log = logrus.WithField("component", "retry")

// Policy 重试策略
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable 判定错误是否可重试；为 nil 时任何错误都不重试
	Retryable func(error) bool

	// Sleep 可替换的等待函数（测试用），为 nil 时按 ctx 等待真实时间
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry 每次决定重试前回调（attempt 从 1 开始）
	OnRetry func(attempt int, err error)
}

// DefaultPolicy 返回默认策略
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Retryable:   retryable,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// Backoff 第 attempt 次失败后（从 0 开始）的退避上限：min(MaxDelay, BaseDelay·2^attempt)
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// jitter full jitter：[0, ceiling) 内均匀取值
func jitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	rngMu.Lock()
	defer rngMu.Unlock()
	return time.Duration(rng.Int63n(int64(ceiling)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do 执行 fn，可重试错误按策略退避重试。
// 不可重试错误第一次出现即返回；重试耗尽时原样返回最后一次错误；
// 等待期间 ctx 取消则返回最后一次错误（ctx 错误不覆盖业务错误）。
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue 带返回值的 Do
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := jitter(p.Backoff(attempt))
		log.Debugf("可重试错误，第 %d/%d 次尝试失败，%s 后重试: %v", attempt+1, p.MaxAttempts, wait, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		if serr := p.Sleep(ctx, wait); serr != nil {
			return zero, lastErr
		}
	}
	log.Debugf("重试耗尽（%d 次）: %v", p.MaxAttempts, lastErr)
	return zero, lastErr
}
