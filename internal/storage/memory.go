package storage

import (
	"context"
	"sync"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// MemoryStorage keeps every collection in process memory. It is used in mobile mode and in tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	protocols   []*types.ProtocolDescriptor
	history     map[string]types.ProbeResult
	subscribers []types.Subscriber
	regions     map[string]map[string]types.ProbeResult
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		history: make(map[string]types.ProbeResult),
		regions: make(map[string]map[string]types.ProbeResult),
	}
}

func (m *MemoryStorage) LoadProtocols(ctx context.Context) ([]*types.ProtocolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ProtocolDescriptor, 0, len(m.protocols))
	for _, p := range m.protocols {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *MemoryStorage) SaveProtocols(ctx context.Context, protocols []*types.ProtocolDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocols = make([]*types.ProtocolDescriptor, 0, len(protocols))
	for _, p := range protocols {
		m.protocols = append(m.protocols, p.Clone())
	}
	return nil
}

func (m *MemoryStorage) LoadHistory(ctx context.Context) (map[string]types.ProbeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.ProbeResult, len(m.history))
	for k, v := range m.history {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStorage) SaveHistory(ctx context.Context, results map[string]types.ProbeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[string]types.ProbeResult, len(results))
	for k, v := range results {
		m.history[k] = v
	}
	return nil
}

func (m *MemoryStorage) LoadSubscribers(ctx context.Context) ([]types.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Subscriber(nil), m.subscribers...), nil
}

func (m *MemoryStorage) SaveSubscribers(ctx context.Context, subscribers []types.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append([]types.Subscriber(nil), subscribers...)
	return nil
}

func (m *MemoryStorage) LoadRegions(ctx context.Context) (map[string]map[string]types.ProbeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyRegions(m.regions), nil
}

func (m *MemoryStorage) SaveRegions(ctx context.Context, regions map[string]map[string]types.ProbeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = copyRegions(regions)
	return nil
}

func (m *MemoryStorage) Close() error { return nil }

func copyRegions(in map[string]map[string]types.ProbeResult) map[string]map[string]types.ProbeResult {
	out := make(map[string]map[string]types.ProbeResult, len(in))
	for region, results := range in {
		inner := make(map[string]types.ProbeResult, len(results))
		for id, r := range results {
			inner[id] = r
		}
		out[region] = inner
	}
	return out
}
