package execution

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultDedupTTL 去重窗口默认 60 秒
const DefaultDedupTTL = 60 * time.Second

// Deduplicator 提供“时间窗口内的确定性去重”：指纹 -> 首次出现时间。
//
// 设计目标：
// - 不允许误判（交易系统里误跳过一次下单的代价高，优先确定性）
// - 开销可控（分片 map，惰性清理，只在访问时清理本 shard）
//
// 检查与写入在同一把 shard 锁内完成，check-then-act 是原子的。
type Deduplicator struct {
	ttl    time.Duration
	now    func() time.Time
	shards []dedupShard
}

type dedupShard struct {
	mu sync.Mutex
	m  map[string]time.Time // fingerprint -> firstSeen
}

// DedupOption 去重器可选项
type DedupOption func(*Deduplicator)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) DedupOption {
	return func(d *Deduplicator) {
		if now != nil {
			d.now = now
		}
	}
}

// WithShards 设置分片数量
func WithShards(n int) DedupOption {
	return func(d *Deduplicator) {
		if n > 0 {
			d.shards = make([]dedupShard, n)
		}
	}
}

// NewDeduplicator 创建去重器，ttl<=0 时使用默认 60 秒。
func NewDeduplicator(ttl time.Duration, opts ...DedupOption) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	d := &Deduplicator{
		ttl:    ttl,
		now:    time.Now,
		shards: make([]dedupShard, 16),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := range d.shards {
		d.shards[i].m = make(map[string]time.Time)
	}
	return d
}

// IsDuplicate 首次出现记录 fingerprint->now 并返回 false；
// 窗口内重复出现返回 true，且不刷新首次出现时间。
func (d *Deduplicator) IsDuplicate(fingerprint string) bool {
	if d == nil || fingerprint == "" {
		return false
	}
	now := d.now()
	sh := d.shard(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理：age >= ttl 的条目
	for k, seen := range sh.m {
		if now.Sub(seen) >= d.ttl {
			delete(sh.m, k)
		}
	}

	if _, ok := sh.m[fingerprint]; ok {
		return true
	}
	sh.m[fingerprint] = now
	return false
}

// Forget 提前移除指纹（允许立即再次进入）。
func (d *Deduplicator) Forget(fingerprint string) {
	if d == nil || fingerprint == "" {
		return
	}
	sh := d.shard(fingerprint)
	sh.mu.Lock()
	delete(sh.m, fingerprint)
	sh.mu.Unlock()
}

// Len 当前缓存的指纹数量（含尚未清理的过期项）
func (d *Deduplicator) Len() int {
	n := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		n += len(d.shards[i].m)
		d.shards[i].mu.Unlock()
	}
	return n
}

// Reset 清空全部状态（测试用）
func (d *Deduplicator) Reset() {
	for i := range d.shards {
		d.shards[i].mu.Lock()
		d.shards[i].m = make(map[string]time.Time)
		d.shards[i].mu.Unlock()
	}
}

// TTL 去重窗口
func (d *Deduplicator) TTL() time.Duration { return d.ttl }

func (d *Deduplicator) shard(key string) *dedupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(len(d.shards)))
	return &d.shards[idx]
}
