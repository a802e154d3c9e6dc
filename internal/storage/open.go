package storage

import (
	"context"
	"fmt"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// Open selects the backend named by storage_backend.
func Open(ctx context.Context, cfg *types.Config) (Store, error) {
	switch cfg.CommonConf.StorageBackend {
	case "", "file":
		return NewFileStorage(cfg.CommonConf.StorageDir)
	case "postgres":
		if cfg.PostgresConf.DSN == "" {
			return nil, fmt.Errorf("%w: storage_backend=postgres requires [postgres] dsn", types.ErrConfigInvalid)
		}
		return NewPostgresStorage(ctx, cfg.PostgresConf.DSN)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage_backend %q", types.ErrConfigInvalid, cfg.CommonConf.StorageBackend)
	}
}
