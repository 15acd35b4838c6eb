// Package store 维护各交易所的最新订单簿快照。
// 写入方整体替换快照对象，读取方无锁获取，永远不会看到半更新的状态。
package store

import (
	"sync"
	"sync/atomic"

	"cross-exchange-arbitrage/internal/core/model"
)

// books 交易所 -> 快照的不可变映射，每次更新复制后整体发布
type books map[string]*model.OrderBookSnapshot

// Store 最新订单簿缓存
// 读路径（Get/Pair）为 wait-free 的原子加载；写路径由互斥锁串行化后发布新映射。
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[books]
}

// New 创建新的订单簿缓存
func New() *Store {
	s := &Store{}
	empty := books{}
	s.cur.Store(&empty)
	return s
}

// Update 以整体替换方式发布快照
// 序列号回退的快照被忽略（断线重连后交易所重置序列号时 Seq 为 0 不受限制）。
// 返回: 是否已发布
func (s *Store) Update(snap *model.OrderBookSnapshot) bool {
	if snap == nil || snap.Exchange == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.cur.Load()
	if prev, ok := old[snap.Exchange]; ok && snap.Seq > 0 && prev.Seq > snap.Seq {
		return false
	}

	next := make(books, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[snap.Exchange] = snap
	s.cur.Store(&next)
	return true
}

// Get 获取指定交易所的最新快照
// 返回值可能为 nil；返回的快照只读。
func (s *Store) Get(exchange string) *model.OrderBookSnapshot {
	return (*s.cur.Load())[exchange]
}

// Pair 在同一次原子加载中读取两个交易所的快照，保证同一评估周期内视图一致
func (s *Store) Pair(a, b string) (*model.OrderBookSnapshot, *model.OrderBookSnapshot) {
	m := *s.cur.Load()
	return m[a], m[b]
}

// Exchanges 已有快照的交易所列表
func (s *Store) Exchanges() []string {
	m := *s.cur.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
