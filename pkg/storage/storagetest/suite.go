// Package storagetest holds a behavioural test suite shared by every
// storage.Adapter implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/storage"
)

// Factory returns an empty adapter. The suite calls Clear between cases.
type Factory func(t *testing.T) storage.Adapter

// Run exercises the Adapter contract and, when supported, Querier and Lister.
func Run(t *testing.T, newAdapter Factory) {
	ctx := context.Background()

	fresh := func(t *testing.T) storage.Adapter {
		a := newAdapter(t)
		require.NoError(t, a.Clear(ctx))
		return a
	}

	t.Run("store and retrieve", func(t *testing.T) {
		a := fresh(t)
		item := storage.Item{
			Key:    "session:s1",
			Kind:   "session",
			Data:   []byte(`{"v":1}`),
			Fields: map[string]string{"threadId": "t1"},
		}
		require.NoError(t, a.Store(ctx, item))

		got, err := a.Retrieve(ctx, "session:s1")
		require.NoError(t, err)
		assert.Equal(t, "session", got.Kind)
		assert.JSONEq(t, `{"v":1}`, string(got.Data))
		assert.Equal(t, "t1", got.Fields["threadId"])
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("store overwrites", func(t *testing.T) {
		a := fresh(t)
		require.NoError(t, a.Store(ctx, storage.Item{Key: "k", Kind: "x", Data: []byte(`1`)}))
		require.NoError(t, a.Store(ctx, storage.Item{Key: "k", Kind: "x", Data: []byte(`2`)}))

		got, err := a.Retrieve(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, `2`, string(got.Data))

		st, err := a.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Items)
	})

	t.Run("missing key", func(t *testing.T) {
		a := fresh(t)
		_, err := a.Retrieve(ctx, "nope")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("delete", func(t *testing.T) {
		a := fresh(t)
		require.NoError(t, a.Store(ctx, storage.Item{Key: "k", Kind: "x", Data: []byte(`1`)}))
		require.NoError(t, a.Delete(ctx, "k"))
		_, err := a.Retrieve(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, a.Delete(ctx, "k"))
	})

	t.Run("expired items are invisible and cleaned up", func(t *testing.T) {
		a := fresh(t)
		past := time.Now().Add(-time.Minute)
		require.NoError(t, a.Store(ctx, storage.Item{Key: "old", Kind: "x", Data: []byte(`1`), UpdatedAt: past.Add(-time.Minute), ExpiresAt: past}))
		require.NoError(t, a.Store(ctx, storage.Item{Key: "live", Kind: "x", Data: []byte(`1`), ExpiresAt: time.Now().Add(time.Hour)}))

		_, err := a.Retrieve(ctx, "old")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = a.Cleanup(ctx)
		require.NoError(t, err)

		_, err = a.Retrieve(ctx, "live")
		assert.NoError(t, err)
	})

	t.Run("stats by kind", func(t *testing.T) {
		a := fresh(t)
		require.NoError(t, a.Store(ctx, storage.Item{Key: "a", Kind: "session", Data: []byte(`1`)}))
		require.NoError(t, a.Store(ctx, storage.Item{Key: "b", Kind: "session", Data: []byte(`1`)}))
		require.NoError(t, a.Store(ctx, storage.Item{Key: "c", Kind: "dlq", Data: []byte(`1`)}))

		st, err := a.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Items)
		assert.Equal(t, 2, st.ByKind["session"])
		assert.Equal(t, 1, st.ByKind["dlq"])
	})

	t.Run("healthy", func(t *testing.T) {
		assert.True(t, fresh(t).IsHealthy(ctx))
	})

	t.Run("clear", func(t *testing.T) {
		a := fresh(t)
		require.NoError(t, a.Store(ctx, storage.Item{Key: "a", Kind: "x", Data: []byte(`1`)}))
		require.NoError(t, a.Clear(ctx))
		st, err := a.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Items)
	})

	t.Run("find one by query", func(t *testing.T) {
		a := fresh(t)
		q, ok := a.(storage.Querier)
		if !ok {
			t.Skip("backend does not implement Querier")
		}
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		for i, key := range []string{"snapshot:s1:a", "snapshot:s1:b", "snapshot:s1:c"} {
			require.NoError(t, a.Store(ctx, storage.Item{
				Key:       key,
				Kind:      "snapshot",
				Data:      []byte(`{}`),
				Fields:    map[string]string{"sessionId": "s1"},
				UpdatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, a.Store(ctx, storage.Item{
			Key: "snapshot:s2:z", Kind: "snapshot", Data: []byte(`{}`),
			Fields: map[string]string{"sessionId": "s2"}, UpdatedAt: base.Add(time.Hour),
		}))

		latest, err := q.FindOneByQuery(ctx,
			storage.Query{Kind: "snapshot", Fields: map[string]string{"sessionId": "s1"}},
			storage.QueryOptions{SortBy: storage.SortByUpdatedAt, Descending: true})
		require.NoError(t, err)
		assert.Equal(t, "snapshot:s1:c", latest.Key)

		oldest, err := q.FindOneByQuery(ctx,
			storage.Query{Kind: "snapshot", Fields: map[string]string{"sessionId": "s1"}},
			storage.QueryOptions{SortBy: storage.SortByUpdatedAt})
		require.NoError(t, err)
		assert.Equal(t, "snapshot:s1:a", oldest.Key)

		_, err = q.FindOneByQuery(ctx,
			storage.Query{Kind: "snapshot", Fields: map[string]string{"sessionId": "missing"}},
			storage.QueryOptions{})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list by kind", func(t *testing.T) {
		a := fresh(t)
		l, ok := a.(storage.Lister)
		if !ok {
			t.Skip("backend does not implement Lister")
		}
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		require.NoError(t, a.Store(ctx, storage.Item{Key: "dlq:2", Kind: "dlq", Data: []byte(`2`), UpdatedAt: base.Add(time.Second)}))
		require.NoError(t, a.Store(ctx, storage.Item{Key: "dlq:1", Kind: "dlq", Data: []byte(`1`), UpdatedAt: base}))
		require.NoError(t, a.Store(ctx, storage.Item{Key: "session:1", Kind: "session", Data: []byte(`1`)}))

		items, err := l.List(ctx, "dlq")
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "dlq:1", items[0].Key)
		assert.Equal(t, "dlq:2", items[1].Key)
	})
}
