package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/pkg/storage"
	"github.com/harun/agentcore/pkg/storage/mongostore"
	"github.com/harun/agentcore/pkg/storage/pgstore"
	"github.com/harun/agentcore/pkg/storage/redisstore"
	"github.com/harun/agentcore/pkg/storage/sqlitestore"
)

// OpenStorage opens the backend selected by cfg.Storage.Backend. The caller
// owns the returned adapter and must Close it.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Adapter, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		path := sc.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "agentcore.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return opened(sqlitestore.Open(path))
	case "redis":
		return opened(redisstore.NewFromURL(ctx, sc.RedisURL, "agentcore:"))
	case "mongo":
		return opened(mongostore.NewStore(ctx, sc.MongoURI, sc.MongoDatabase))
	case "postgres":
		return opened(pgstore.New(ctx, sc.PostgresURL))
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", sc.Backend)
	}
}

// opened avoids handing back a typed nil inside a non-nil interface.
func opened[S storage.Adapter](s S, err error) (storage.Adapter, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return s, nil
}
