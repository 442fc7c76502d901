package eventqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/storage"
)

type stubResubmitter struct {
	accept bool
	got    []event.Event
}

func (s *stubResubmitter) Resubmit(_ context.Context, ev event.Event, _ int) bool {
	if !s.accept {
		return false
	}
	s.got = append(s.got, ev)
	return true
}

func TestDLQ_SendAndStats(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{})

	for i := range 12 {
		d.Send(ctx, event.New("tool.call", i), errors.New("fail"), 3)
	}
	d.Send(ctx, event.New("agent.thinking", nil), errors.New("fail"), 1)

	st := d.Stats()
	assert.Equal(t, 13, st.TotalItems)
	assert.Equal(t, map[string]int{"tool.call": 12, "agent.thinking": 1}, st.ItemsByEventType)
	require.Len(t, st.RecentItems, 10)
	assert.Equal(t, "agent.thinking", st.RecentItems[0].Event.Type)
	assert.Equal(t, 11, st.RecentItems[1].Event.Data)
}

func TestDLQ_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{MaxSize: 2})

	first := d.Send(ctx, event.New("tool.call", 1), errors.New("a"), 1)
	d.Send(ctx, event.New("tool.call", 2), errors.New("b"), 1)
	d.Send(ctx, event.New("tool.call", 3), errors.New("c"), 1)

	assert.Equal(t, 2, d.Size())
	_, ok := d.Get(first.ID)
	assert.False(t, ok)
	assert.Equal(t, 2, d.List()[0].Event.Data)
}

func TestDLQ_FirstFailedAtFromRetryHistory(t *testing.T) {
	failedAt := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	ev := event.New("tool.call", nil).NextRetry(errors.New("x"), failedAt)

	item := NewDLQ(DLQConfig{}).Send(context.Background(), ev, errors.New("y"), 2)
	assert.True(t, item.FirstFailedAt.Equal(failedAt))
	assert.True(t, item.LastFailedAt.After(item.FirstFailedAt))
}

func TestDLQ_ReprocessByCriteria(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{})

	for range 3 {
		d.Send(ctx, event.New("agent.thinking", nil), errors.New("fail"), 3)
	}
	for range 3 {
		d.Send(ctx, event.New("tool.call", nil), errors.New("fail"), 3)
	}

	got := d.ReprocessByCriteria(ctx, Criteria{EventType: "tool.call"})
	assert.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, "tool.call", ev.Type)
	}
	assert.Equal(t, 3, d.Size())
	assert.Equal(t, map[string]int{"agent.thinking": 3}, d.Stats().ItemsByEventType)
}

func TestDLQ_ReprocessByCriteriaLimitAndAge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	d := NewDLQ(DLQConfig{})
	d.now = func() time.Time { return now.Add(-time.Hour) }
	d.Send(ctx, event.New("tool.call", "old"), errors.New("fail"), 1)
	d.now = func() time.Time { return now }
	for range 3 {
		d.Send(ctx, event.New("tool.call", "new"), errors.New("fail"), 1)
	}

	got := d.ReprocessByCriteria(ctx, Criteria{MaxAge: time.Minute, Limit: 2})
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, "new", ev.Data)
	}
	assert.Equal(t, 2, d.Size())
}

func TestDLQ_ReprocessResubmitsWithoutRetryMetadata(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{})
	r := &stubResubmitter{accept: true}
	d.SetResubmitter(r)

	ev := event.New("tool.call", nil).NextRetry(errors.New("x"), time.Now())
	item := d.Send(ctx, ev, errors.New("x"), 2)

	assert.False(t, d.Reprocess(ctx, "missing"))
	assert.True(t, d.Reprocess(ctx, item.ID))
	assert.Zero(t, d.Size())
	require.Len(t, r.got, 1)
	assert.Zero(t, r.got[0].RetryCount())
	assert.Equal(t, ev.ID, r.got[0].ID)
}

func TestDLQ_ReprocessKeepsItemWhenRejected(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{})
	d.SetResubmitter(&stubResubmitter{accept: false})

	item := d.Send(ctx, event.New("tool.call", nil), errors.New("x"), 1)
	assert.False(t, d.Reprocess(ctx, item.ID))
	_, ok := d.Get(item.ID)
	assert.True(t, ok)

	got := d.ReprocessByCriteria(ctx, Criteria{})
	assert.Empty(t, got)
	assert.Equal(t, 1, d.Size())
}

func TestDLQ_ReprocessByCriteriaReturnsOnlyAccepted(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{})
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 1
	q := New(cfg, nil, d)
	defer q.Close()

	for range 3 {
		d.Send(ctx, event.New("agent.thinking", nil), errors.New("x"), 1)
	}

	got := d.ReprocessByCriteria(ctx, Criteria{EventType: "agent.thinking"})
	require.Len(t, got, 1)
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, 2, d.Size())

	queued, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, got[0].ID, queued.ID)
}

func TestDLQ_ReprocessIntoQueue(t *testing.T) {
	ctx := context.Background()
	d := NewDLQ(DLQConfig{})
	q := New(DefaultConfig(), nil, d)
	defer q.Close()

	item := d.Send(ctx, event.New("tool.call", nil), errors.New("x"), 1)
	reprocessed := false
	q.On(NotifyReprocessed, func(Notification) { reprocessed = true })

	assert.True(t, d.Reprocess(ctx, item.ID))
	assert.Equal(t, 1, q.Size())
	assert.Zero(t, d.Size())
	assert.True(t, reprocessed)
}

func TestDLQ_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	d := NewDLQ(DLQConfig{Store: store})
	a := d.Send(ctx, event.New("tool.call", "a"), errors.New("x"), 1)
	b := d.Send(ctx, event.New("agent.thinking", "b"), errors.New("y"), 2)

	_, err := store.Retrieve(ctx, "dlq:"+a.ID)
	require.NoError(t, err)

	d.SetResubmitter(&stubResubmitter{accept: true})
	require.True(t, d.Reprocess(ctx, a.ID))
	_, err = store.Retrieve(ctx, "dlq:"+a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	restored := NewDLQ(DLQConfig{Store: store})
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := restored.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, "agent.thinking", got.Event.Type)
	assert.Equal(t, 2, got.AttemptsMade)

	n, err = restored.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQ_RestoreTrimDeletesDroppedMirrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	d := NewDLQ(DLQConfig{Store: store})
	for range 3 {
		d.Send(ctx, event.New("tool.call", nil), errors.New("x"), 1)
	}

	small := NewDLQ(DLQConfig{Store: store, MaxSize: 2})
	_, err := small.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, small.Size())

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Items)

	again := NewDLQ(DLQConfig{Store: store})
	n, err := again.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDLQ_Clear(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	d := NewDLQ(DLQConfig{Store: store})
	d.Send(ctx, event.New("tool.call", nil), errors.New("x"), 1)

	assert.Equal(t, 1, d.Clear(ctx))
	assert.Zero(t, d.Size())
	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Items)
}
