package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/storage"
)

func TestOpenStorage(t *testing.T) {
	ctx := t.Context()

	t.Run("memory", func(t *testing.T) {
		cfg := testConfig()
		s, err := OpenStorage(ctx, cfg)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &storage.Memory{}, s)
	})

	t.Run("sqlite in data dir", func(t *testing.T) {
		cfg := testConfig()
		cfg.DataDir = filepath.Join(t.TempDir(), "data")
		cfg.Storage.Backend = "sqlite"
		s, err := OpenStorage(ctx, cfg)
		require.NoError(t, err)
		defer s.Close()

		assert.True(t, s.IsHealthy(ctx))
		_, err = os.Stat(filepath.Join(cfg.DataDir, "agentcore.db"))
		assert.NoError(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := testConfig()
		cfg.Storage.Backend = "etcd"
		s, err := OpenStorage(ctx, cfg)
		require.ErrorContains(t, err, "unknown storage backend")
		assert.Nil(t, s)
	})

	t.Run("open failure returns nil adapter", func(t *testing.T) {
		cfg := testConfig()
		cfg.Storage.Backend = "redis"
		cfg.Storage.RedisURL = "not a url"
		s, err := OpenStorage(ctx, cfg)
		require.Error(t, err)
		assert.Nil(t, s)
	})
}
