package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/storage"
	"github.com/harun/agentcore/pkg/storage/storagetest"
)

func TestRedisAdapter(t *testing.T) {
	url := os.Getenv("AGENTCORE_TEST_REDIS_URL")
	if url == "" {
		t.Skipf("AGENTCORE_TEST_REDIS_URL not set, skipping Redis tests")
	}

	storagetest.Run(t, func(t *testing.T) storage.Adapter {
		s, err := NewFromURL(context.Background(), url, "agentcore-test:")
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Clear(context.Background())
			s.Close()
		})
		return s
	})
}
