package mongostore

import (
	"context"
	"os"
	"testing"

	"github.com/harun/agentcore/pkg/storage"
	"github.com/harun/agentcore/pkg/storage/storagetest"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("AGENTCORE_TEST_MONGO_URI")
	if uri == "" {
		t.Skipf("AGENTCORE_TEST_MONGO_URI not set, skipping MongoDB tests")
	}

	s, err := NewStore(context.Background(), uri, "agentcore_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestMongoAdapter(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Adapter {
		return testStore(t)
	})
}
