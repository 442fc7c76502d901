package eventqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/event"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, NewCircuitBreaker(CircuitConfig{Threshold: 100}), NewDLQ(DLQConfig{MaxSize: 100}))
	t.Cleanup(q.Close)
	return q
}

func fastRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	return cfg
}

func TestQueue_CapacityRejectsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 3
	q := newTestQueue(t, cfg)

	var rejected atomic.Int32
	q.On(NotifyRejected, func(Notification) { rejected.Add(1) })

	for i := range 3 {
		assert.True(t, q.Enqueue(event.New("tool.call", i), 0))
	}
	assert.False(t, q.Enqueue(event.New("tool.call", 3), 0))
	assert.Equal(t, 3, q.Size())
	assert.Equal(t, int32(1), rejected.Load())
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())

	for _, p := range []int{1, 10, 5} {
		require.True(t, q.Enqueue(event.New("agent.thinking", p), p))
	}

	var got []int
	for {
		ev, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, ev.Data.(int))
	}
	assert.Equal(t, []int{10, 5, 1}, got)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())

	for i := range 5 {
		require.True(t, q.Enqueue(event.New("tool.call", i), 3))
	}
	peek, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, peek.Data)

	for i := range 5 {
		ev, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, ev.Data)
	}
	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_ProcessBatchRespectsBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	q := newTestQueue(t, cfg)

	for i := range 10 {
		q.Enqueue(event.New("tool.call", i), 0)
	}

	var handled atomic.Int32
	n := q.ProcessBatch(context.Background(), func(ctx context.Context, ev event.Event) error {
		handled.Add(1)
		return nil
	})
	assert.Equal(t, 4, n)
	assert.Equal(t, int32(4), handled.Load())
	assert.Equal(t, 6, q.Size())
}

func TestQueue_ConcurrentProcessBatchIsExclusive(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	q.Enqueue(event.New("tool.call", nil), 0)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int)
	go func() {
		done <- q.ProcessBatch(context.Background(), func(ctx context.Context, ev event.Event) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.True(t, q.Stats().Processing)
	assert.Equal(t, 0, q.ProcessBatch(context.Background(), func(context.Context, event.Event) error { return nil }))
	close(release)
	assert.Equal(t, 1, <-done)
	assert.False(t, q.Stats().Processing)
}

func TestQueue_HandlerPanicIsIsolated(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 0
	q := newTestQueue(t, cfg)

	q.Enqueue(event.New("tool.call", "boom"), 0)
	q.Enqueue(event.New("tool.call", "ok"), 0)

	var okCount atomic.Int32
	n := q.ProcessBatch(context.Background(), func(ctx context.Context, ev event.Event) error {
		if ev.Data == "boom" {
			panic("kaboom")
		}
		okCount.Add(1)
		return nil
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(1), okCount.Load())

	items := q.DLQ().List()
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, "handler panic: kaboom")
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 2
	q := newTestQueue(t, cfg)

	var mu sync.Mutex
	var seen []string
	q.On(NotifyAll, func(n Notification) {
		mu.Lock()
		seen = append(seen, n.Type)
		mu.Unlock()
	})

	q.Enqueue(event.New("tool.call", "x"), 7)

	var calls atomic.Int32
	handler := func(ctx context.Context, ev event.Event) error {
		calls.Add(1)
		return errors.New("upstream timeout")
	}

	assert.Eventually(t, func() bool {
		q.ProcessBatch(context.Background(), handler)
		return q.DLQ().Size() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())
	item := q.DLQ().List()[0]
	assert.Equal(t, 3, item.AttemptsMade)
	assert.Equal(t, 7, item.Priority)
	assert.Equal(t, "upstream timeout", item.Error)
	assert.Equal(t, 2, item.Event.RetryCount())
	assert.False(t, item.FirstFailedAt.After(item.LastFailedAt))
	assert.Equal(t, 0, q.Stats().PendingRetries)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, NotifyRetryScheduled)
	assert.Contains(t, seen, NotifyDeadLettered)
}

func TestQueue_OpenCircuitBypassesRetry(t *testing.T) {
	cfg := DefaultConfig()
	breaker := NewCircuitBreaker(CircuitConfig{Threshold: 2})
	q := New(cfg, breaker, NewDLQ(DLQConfig{}))
	defer q.Close()

	for i := range 3 {
		q.Enqueue(event.New("tool.call", i), 0)
	}
	q.ProcessBatch(context.Background(), func(context.Context, event.Event) error {
		return errors.New("down")
	})

	assert.True(t, breaker.IsOpen())
	// first failure is retried; the tripping failure and the one after go to the DLQ
	assert.Equal(t, 2, q.DLQ().Size())
	for _, it := range q.DLQ().List() {
		assert.Contains(t, it.Error, ErrCircuitOpen.Error())
		assert.Equal(t, 1, it.AttemptsMade)
	}
	assert.Equal(t, 1, q.Stats().PendingRetries)
}

func TestQueue_SuccessClosesCircuit(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitConfig{Threshold: 1})
	q := New(DefaultConfig(), breaker, nil)
	defer q.Close()

	breaker.RecordFailure()
	require.True(t, breaker.IsOpen())

	q.Enqueue(event.New("tool.call", nil), 0)
	q.ProcessBatch(context.Background(), func(context.Context, event.Event) error { return nil })
	assert.False(t, breaker.IsOpen())
}

func TestQueue_StatsBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 10
	q := newTestQueue(t, cfg)

	for i := range 7 {
		q.Enqueue(event.New("tool.call", i), 0)
	}
	assert.False(t, q.Stats().Backpressure)
	q.Enqueue(event.New("tool.call", 8), 0)

	st := q.Stats()
	assert.True(t, st.Backpressure)
	assert.Equal(t, 8, st.Size)
	assert.Equal(t, 10, st.MaxQueueDepth)
	assert.Equal(t, StateClosed, st.Circuit.State)
}

func TestQueue_CloseMovesPendingRetriesToDLQ(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseRetryDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	q := New(cfg, NewCircuitBreaker(CircuitConfig{Threshold: 100}), NewDLQ(DLQConfig{}))

	q.Enqueue(event.New("tool.call", nil), 0)
	q.ProcessBatch(context.Background(), func(context.Context, event.Event) error {
		return errors.New("fail")
	})
	require.Equal(t, 1, q.Stats().PendingRetries)

	q.Close()
	assert.Equal(t, 0, q.Stats().PendingRetries)
	require.Equal(t, 1, q.DLQ().Size())
	assert.Contains(t, q.DLQ().List()[0].Error, "queue closed")
}

func TestQueue_ProcessBatchStopsOnCancel(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	q.Enqueue(event.New("tool.call", nil), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, q.ProcessBatch(ctx, func(context.Context, event.Event) error { return nil }))
	assert.Equal(t, 1, q.Size())
}

func TestConfig_RetryDelay(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.RetryDelay(0))
	assert.Equal(t, 2*time.Second, cfg.RetryDelay(1))
	assert.Equal(t, 4*time.Second, cfg.RetryDelay(2))
	assert.Equal(t, 30*time.Second, cfg.RetryDelay(10))

	cfg.Jitter = true
	for range 20 {
		d := cfg.RetryDelay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}
