package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter 出站速率限制器接口（适配器调用交易所前使用）
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶速率限制器
type TokenBucket struct {
	capacity   float64   // 桶容量
	tokens     float64   // 当前令牌数
	refillRate float64   // 每秒补充的令牌数
	lastRefill time.Time // 上次补充时间
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶（初始为满桶）
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
	}
}

// refill 按流逝时间补充令牌（调用方持锁）
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Allow 检查是否允许请求（允许则消耗一个令牌）
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求，ctx 取消时返回 ctx.Err()
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		// 计算距离下一个令牌的时间
		tb.mu.Lock()
		waitTime := 100 * time.Millisecond
		if tb.refillRate > 0 {
			missing := 1 - tb.tokens
			waitTime = time.Duration(missing / tb.refillRate * float64(time.Second))
			if waitTime < time.Millisecond {
				waitTime = time.Millisecond
			}
		}
		tb.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining 获取剩余令牌数（向下取整）
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// 入站信号限流默认值：每个调用方 60 秒内最多 10 次
const (
	DefaultMaxRequests = 10
	DefaultWindow      = 60 * time.Second
)

// KeyedSlidingWindow 按 key（调用方身份）隔离的滑动窗口计数器。
//
// 每个 key 维护一个有序的请求时间戳列表；清理是惰性的：只有该 key 自己下次被访问时
// 才会回收过期时间戳，列表清空后整个 key 从 map 中移除。
type KeyedSlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	requests map[string][]time.Time
}

// NewKeyedSlidingWindow 创建按 key 隔离的滑动窗口限流器，非法参数回落到默认值。
func NewKeyedSlidingWindow(maxRequests int, window time.Duration) *KeyedSlidingWindow {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &KeyedSlidingWindow{
		limit:    maxRequests,
		window:   window,
		now:      time.Now,
		requests: make(map[string][]time.Time),
	}
}

// SetClock 注入时钟（测试用）
func (sw *KeyedSlidingWindow) SetClock(now func() time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if now != nil {
		sw.now = now
	}
}

// purge 移除窗口外的时间戳（调用方持锁）
func (sw *KeyedSlidingWindow) purge(key string, now time.Time) []time.Time {
	reqs := sw.requests[key]
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	if i == len(reqs) {
		delete(sw.requests, key)
		return nil
	}
	if i > 0 {
		reqs = append(reqs[:0], reqs[i:]...)
		sw.requests[key] = reqs
	}
	return reqs
}

// IsAllowed 窗口内计数未达上限时记录本次请求并返回 true；达到上限返回 false 且不记录。
func (sw *KeyedSlidingWindow) IsAllowed(key string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	reqs := sw.purge(key, now)
	if len(reqs) >= sw.limit {
		return false
	}
	sw.requests[key] = append(reqs, now)
	return true
}

// RetryAfterSeconds 返回 max(0, oldest + window - now)，向上取整到秒；key 无记录时返回 0。
func (sw *KeyedSlidingWindow) RetryAfterSeconds(key string) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	reqs := sw.requests[key]
	if len(reqs) == 0 {
		return 0
	}
	remaining := reqs[0].Add(sw.window).Sub(sw.now())
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// Remaining 剩余可用次数
func (sw *KeyedSlidingWindow) Remaining(key string) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	n := sw.limit - len(sw.purge(key, sw.now()))
	if n < 0 {
		return 0
	}
	return n
}

// Keys 当前跟踪的 key 数量
func (sw *KeyedSlidingWindow) Keys() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.requests)
}

// Reset 清空全部 key（测试用）
func (sw *KeyedSlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.requests = make(map[string][]time.Time)
}
