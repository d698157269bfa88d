package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kpjmd/Kinetix/pkg/config"
)

// Open creates the Store selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "", "file":
		return NewFileStore(cfg.DataDir)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			path = filepath.Join(cfg.DataDir, "kinetix.db")
		}
		return OpenSQLite(ctx, path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLStore)(nil)
	_ Store = (*RedisStore)(nil)
)
