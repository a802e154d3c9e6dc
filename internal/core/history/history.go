// Package history keeps the last known probe result per protocol and turns new results into
// transition events.
package history

import (
	"sync"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// entry guards a single protocol's slot so updates for different ids never contend.
type entry struct {
	mu     sync.Mutex
	result *types.ProbeResult
}

// History 是协议 id 到最近一次探测结果的并发映射。
type History struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewHistory() *History {
	return &History{entries: make(map[string]*entry)}
}

func (h *History) slot(id string) *entry {
	h.mu.RLock()
	e, ok := h.entries[id]
	h.mu.RUnlock()
	if ok {
		return e
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok = h.entries[id]; !ok {
		e = &entry{}
		h.entries[id] = e
	}
	return e
}

// Get returns a copy of the last result for id.
func (h *History) Get(id string) (types.ProbeResult, bool) {
	h.mu.RLock()
	e, ok := h.entries[id]
	h.mu.RUnlock()
	if !ok {
		return types.ProbeResult{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return types.ProbeResult{}, false
	}
	return *e.result, true
}

// Delete forgets id, used when a protocol is removed.
func (h *History) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, id)
}

// Snapshot copies every stored result, keyed by protocol id.
func (h *History) Snapshot() map[string]types.ProbeResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]types.ProbeResult, len(h.entries))
	for id, e := range h.entries {
		e.mu.Lock()
		if e.result != nil {
			out[id] = *e.result
		}
		e.mu.Unlock()
	}
	return out
}

// Load replaces the history with persisted results.
func (h *History) Load(results map[string]types.ProbeResult) {
	entries := make(map[string]*entry, len(results))
	for id, r := range results {
		r := r
		entries[id] = &entry{result: &r}
	}
	h.mu.Lock()
	h.entries = entries
	h.mu.Unlock()
}

// compareAndStore runs fn with the current result for id under that id's lock; fn returns the
// value to store, or nil to leave the slot untouched.
func (h *History) compareAndStore(id string, fn func(prev *types.ProbeResult) *types.ProbeResult) {
	e := h.slot(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if next := fn(e.result); next != nil {
		e.result = next
	}
}
