// Package storage persists protocols, the latest probe results, subscribers and regional results.
// Each collection is loaded and saved independently.
package storage

import (
	"context"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// ProtocolStore 持久化协议描述列表。
type ProtocolStore interface {
	LoadProtocols(ctx context.Context) ([]*types.ProtocolDescriptor, error)
	SaveProtocols(ctx context.Context, protocols []*types.ProtocolDescriptor) error
}

// HistoryStore 持久化每个协议最近一次的探测结果。
type HistoryStore interface {
	LoadHistory(ctx context.Context) (map[string]types.ProbeResult, error)
	SaveHistory(ctx context.Context, results map[string]types.ProbeResult) error
}

// SubscriberStore 持久化订阅者。
type SubscriberStore interface {
	LoadSubscribers(ctx context.Context) ([]types.Subscriber, error)
	SaveSubscribers(ctx context.Context, subscribers []types.Subscriber) error
}

// RegionStore 持久化各区域 agent 上报的结果: region -> protocol id -> result.
type RegionStore interface {
	LoadRegions(ctx context.Context) (map[string]map[string]types.ProbeResult, error)
	SaveRegions(ctx context.Context, regions map[string]map[string]types.ProbeResult) error
}

// Store bundles every collection. Backends implement all four.
type Store interface {
	ProtocolStore
	HistoryStore
	SubscriberStore
	RegionStore
	Close() error
}
