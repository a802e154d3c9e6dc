package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

const (
	protocolsFile   = "protocols.json"
	statusFile      = "status.json"
	subscribersFile = "subscribers.json"
	regionsFile     = "status_regions.json"
)

// FileStorage 实现了 Store 接口，每个集合保存在 storage_dir 下独立的 JSON 文件中。
// 文件缺失或损坏时返回空集合并记录警告，不影响其它集合。
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage 创建一个新的 FileStorage 实例，目录不存在时自动创建。
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

func (fs *FileStorage) path(name string) string {
	return filepath.Join(fs.dir, name)
}

// readJSON decodes name into v. A missing file is not an error; an undecodable one reports
// ok=false so the caller can start from an empty collection.
func (fs *FileStorage) readJSON(name string, v interface{}) (ok bool, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("Storage")
	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.path(name)).Msg("Data file not found, starting empty.")
			return true, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		l.Warn().Err(err).Str("path", fs.path(name)).Msg("Data file is corrupt, starting empty.")
		return false, nil
	}
	return true, nil
}

// writeJSON 先写入临时文件再原子地重命名。
func (fs *FileStorage) writeJSON(name string, v interface{}) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	target := fs.path(name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (fs *FileStorage) LoadProtocols(ctx context.Context) ([]*types.ProtocolDescriptor, error) {
	var list []*types.ProtocolDescriptor
	ok, err := fs.readJSON(protocolsFile, &list)
	if err != nil {
		return nil, err
	}
	if !ok {
		list = nil
	}
	out := list[:0]
	for _, p := range list {
		if p != nil {
			out = append(out, p)
		}
	}
	l := logger.WithComponent("Storage")
	l.Info().Int("count", len(out)).Msg("Loaded protocols from file.")
	return out, nil
}

func (fs *FileStorage) SaveProtocols(ctx context.Context, protocols []*types.ProtocolDescriptor) error {
	sorted := append([]*types.ProtocolDescriptor(nil), protocols...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	if sorted == nil {
		sorted = []*types.ProtocolDescriptor{}
	}
	return fs.writeJSON(protocolsFile, sorted)
}

func (fs *FileStorage) LoadHistory(ctx context.Context) (map[string]types.ProbeResult, error) {
	results := make(map[string]types.ProbeResult)
	ok, err := fs.readJSON(statusFile, &results)
	if err != nil {
		return nil, err
	}
	if !ok || results == nil {
		results = make(map[string]types.ProbeResult)
	}
	return results, nil
}

func (fs *FileStorage) SaveHistory(ctx context.Context, results map[string]types.ProbeResult) error {
	if results == nil {
		results = map[string]types.ProbeResult{}
	}
	return fs.writeJSON(statusFile, results)
}

func (fs *FileStorage) LoadSubscribers(ctx context.Context) ([]types.Subscriber, error) {
	var subs []types.Subscriber
	ok, err := fs.readJSON(subscribersFile, &subs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return subs, nil
}

func (fs *FileStorage) SaveSubscribers(ctx context.Context, subscribers []types.Subscriber) error {
	if subscribers == nil {
		subscribers = []types.Subscriber{}
	}
	return fs.writeJSON(subscribersFile, subscribers)
}

func (fs *FileStorage) LoadRegions(ctx context.Context) (map[string]map[string]types.ProbeResult, error) {
	regions := make(map[string]map[string]types.ProbeResult)
	ok, err := fs.readJSON(regionsFile, &regions)
	if err != nil {
		return nil, err
	}
	if !ok || regions == nil {
		regions = make(map[string]map[string]types.ProbeResult)
	}
	return regions, nil
}

func (fs *FileStorage) SaveRegions(ctx context.Context, regions map[string]map[string]types.ProbeResult) error {
	if regions == nil {
		regions = map[string]map[string]types.ProbeResult{}
	}
	return fs.writeJSON(regionsFile, regions)
}

func (fs *FileStorage) Close() error { return nil }
