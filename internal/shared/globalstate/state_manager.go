// Package globalstate holds the process-wide engine status shown by /health and /api/status.
package globalstate

import (
	"sync"
	"time"
)

// StatusManager 管理引擎的全局状态以及最近一次完成的探测周期。
type StatusManager struct {
	mu        sync.RWMutex
	status    string
	lastCycle string
	lastAt    time.Time
}

// 全局的状态管理器实例
var GlobalStatus = &StatusManager{status: "Initializing..."}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = newStatus
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// CycleFinished records the id and completion time of the last probe cycle.
func (sm *StatusManager) CycleFinished(cycleID string, at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastCycle = cycleID
	sm.lastAt = at
}

// LastCycle returns the id and completion time of the last probe cycle. ok is false before the first one.
func (sm *StatusManager) LastCycle() (cycleID string, at time.Time, ok bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastCycle, sm.lastAt, sm.lastCycle != ""
}
