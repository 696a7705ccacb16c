package evmclob

import (
	"sync"
)

// nonceManager 单调递增的订单 nonce。
// 交易所返回 invalid nonce 后标记为失效，下一次下单前重新同步。
type nonceManager struct {
	mu    sync.Mutex
	next  uint64
	stale bool
}

func newNonceManager(seed uint64) *nonceManager {
	return &nonceManager{next: seed, stale: true}
}

// Next 分配一个 nonce
func (n *nonceManager) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.next
	n.next++
	return v
}

// Sync 以交易所给出的下一个可用 nonce 为准，只前进不后退
func (n *nonceManager) Sync(serverNext uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if serverNext > n.next {
		n.next = serverNext
	}
	n.stale = false
}

// Invalidate 标记需要重新同步
func (n *nonceManager) Invalidate() {
	n.mu.Lock()
	n.stale = true
	n.mu.Unlock()
}

// Stale 是否需要同步
func (n *nonceManager) Stale() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stale
}

// Peek 下一个将分配的 nonce
func (n *nonceManager) Peek() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next
}
