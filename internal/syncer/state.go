package syncer

import (
	"sync"
	"time"
)

// SyncState 当前登录用户的同步状态；登录/登出时整体替换
type SyncState struct {
	LastFullSyncAt   time.Time
	PendingPushCount int
	InFlight         bool
	// RetryBudget 每个 chunk 的最大尝试次数
	RetryBudget int
}

// stateGuard single-flight：同一时刻只允许一个会修改缓存的操作
type stateGuard struct {
	mu    sync.Mutex
	state SyncState
}

func (g *stateGuard) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.InFlight {
		return false
	}
	g.state.InFlight = true
	return true
}

func (g *stateGuard) release() {
	g.mu.Lock()
	g.state.InFlight = false
	g.mu.Unlock()
}

func (g *stateGuard) snapshot() SyncState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *stateGuard) update(fn func(s *SyncState)) {
	g.mu.Lock()
	fn(&g.state)
	g.mu.Unlock()
}

// reset 整体替换（保留 InFlight，由持有者 release）
func (g *stateGuard) reset(retryBudget int) {
	g.mu.Lock()
	g.state = SyncState{InFlight: g.state.InFlight, RetryBudget: retryBudget}
	g.mu.Unlock()
}
