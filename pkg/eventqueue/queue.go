package eventqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/event"
)

const tracerName = "agentcore.eventqueue"

// Notification types emitted by the queue.
const (
	NotifyEnqueued       = "enqueued"
	NotifyRejected       = "rejected"
	NotifyProcessed      = "processed"
	NotifyFailed         = "failed"
	NotifyRetryScheduled = "retry_scheduled"
	NotifyDeadLettered   = "dead_lettered"
	NotifyReprocessed    = "reprocessed"

	// NotifyAll registers a listener for every notification type.
	NotifyAll = "*"
)

// Config configures a Queue.
type Config struct {
	MaxQueueDepth     int
	BatchSize         int
	MaxRetries        int
	BaseRetryDelay    time.Duration
	BackoffFactor     float64
	MaxRetryDelay     time.Duration
	Jitter            bool
	BackpressureRatio float64
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth:     1000,
		BatchSize:         10,
		MaxRetries:        3,
		BaseRetryDelay:    time.Second,
		BackoffFactor:     2,
		MaxRetryDelay:     30 * time.Second,
		BackpressureRatio: 0.8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = d.MaxQueueDepth
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.BackpressureRatio <= 0 || c.BackpressureRatio > 1 {
		c.BackpressureRatio = d.BackpressureRatio
	}
	return c
}

// Handler processes one event. A returned error (or panic) counts as a failure.
type Handler func(ctx context.Context, ev event.Event) error

// Stats is a point-in-time view of the queue.
type Stats struct {
	Size           int          `json:"size"`
	MaxQueueDepth  int          `json:"maxQueueDepth"`
	Processing     bool         `json:"processing"`
	Backpressure   bool         `json:"backpressure"`
	PendingRetries int          `json:"pendingRetries"`
	Circuit        CircuitState `json:"circuit"`
	DLQSize        int          `json:"dlqSize"`
}

// Notification describes a queue lifecycle change.
type Notification struct {
	Type      string         `json:"type"`
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Listener receives notifications synchronously.
type Listener func(Notification)

type pendingRetry struct {
	timer    *time.Timer
	entry    *QueueEntry
	cause    error
	attempts int
}

// Queue is a bounded priority queue of events.
type Queue struct {
	cfg     Config
	breaker *CircuitBreaker
	dlq     *DLQ

	mu      sync.Mutex
	entries entryHeap
	seq     uint64

	processing atomic.Bool

	retryMu  sync.Mutex
	retries  map[uint64]*pendingRetry
	retrySeq uint64
	closed   bool

	listenerMu sync.RWMutex
	listeners  map[string][]Listener
}

// New creates a queue. A nil breaker or dlq gets a default instance. The DLQ
// is attached so that its Reprocess calls resubmit to this queue.
func New(cfg Config, breaker *CircuitBreaker, dlq *DLQ) *Queue {
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitConfig{})
	}
	if dlq == nil {
		dlq = NewDLQ(DLQConfig{})
	}
	q := &Queue{
		cfg:       cfg.withDefaults(),
		breaker:   breaker,
		dlq:       dlq,
		retries:   make(map[uint64]*pendingRetry),
		listeners: make(map[string][]Listener),
	}
	heap.Init(&q.entries)
	dlq.SetResubmitter(q)
	return q
}

// Breaker returns the queue's circuit breaker.
func (q *Queue) Breaker() *CircuitBreaker { return q.breaker }

// DLQ returns the queue's dead-letter queue.
func (q *Queue) DLQ() *DLQ { return q.dlq }

// Enqueue adds ev at the given priority. It never blocks and returns false
// when the queue is at MaxQueueDepth.
func (q *Queue) Enqueue(ev event.Event, priority int) bool {
	ok, depth := q.push(ev, priority)
	if !ok {
		log.Warn().
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Int("max_depth", q.cfg.MaxQueueDepth).
			Msg("Queue full, event rejected")
		observability.RecordReject("queue_full")
		q.emit(Notification{Type: NotifyRejected, EventID: ev.ID, EventType: ev.Type})
		return false
	}

	log.Debug().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Int("priority", priority).
		Int("depth", depth).
		Msg("Event enqueued")
	observability.RecordEnqueue(ev.Type, depth)
	q.emit(Notification{
		Type:      NotifyEnqueued,
		EventID:   ev.ID,
		EventType: ev.Type,
		Data:      map[string]any{"priority": priority, "depth": depth},
	})
	return true
}

// Resubmit enqueues an event coming back from the DLQ.
func (q *Queue) Resubmit(ctx context.Context, ev event.Event, priority int) bool {
	if !q.Enqueue(ev, priority) {
		return false
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Msg("Event resubmitted from DLQ")
	q.emit(Notification{Type: NotifyReprocessed, EventID: ev.ID, EventType: ev.Type})
	return true
}

func (q *Queue) push(ev event.Event, priority int) (bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.cfg.MaxQueueDepth {
		return false, len(q.entries)
	}
	q.seq++
	heap.Push(&q.entries, &QueueEntry{Event: ev, Priority: priority, Sequence: q.seq})
	return true, len(q.entries)
}

func (q *Queue) pop() (*QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	entry := heap.Pop(&q.entries).(*QueueEntry)
	observability.SetQueueDepth(len(q.entries))
	return entry, true
}

// Dequeue removes and returns the highest-priority event.
func (q *Queue) Dequeue() (event.Event, bool) {
	entry, ok := q.pop()
	if !ok {
		return event.Event{}, false
	}
	return entry.Event, true
}

// Peek returns the highest-priority event without removing it.
func (q *Queue) Peek() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return event.Event{}, false
	}
	return q.entries[0].Event, true
}

// Size returns the number of buffered events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	size := q.Size()

	q.retryMu.Lock()
	pending := len(q.retries)
	q.retryMu.Unlock()

	return Stats{
		Size:           size,
		MaxQueueDepth:  q.cfg.MaxQueueDepth,
		Processing:     q.processing.Load(),
		Backpressure:   float64(size) >= q.cfg.BackpressureRatio*float64(q.cfg.MaxQueueDepth),
		PendingRetries: pending,
		Circuit:        q.breaker.State(),
		DLQSize:        q.dlq.Size(),
	}
}

// ProcessBatch hands up to BatchSize events to handler, one at a time, and
// returns how many were attempted. Only one batch runs at a time; a
// concurrent call returns 0.
func (q *Queue) ProcessBatch(ctx context.Context, handler Handler) int {
	if !q.processing.CompareAndSwap(false, true) {
		log.Debug().Msg("Batch already processing, skipping")
		return 0
	}
	defer q.processing.Store(false)

	ctx, span := tracing.StartSpan(ctx, tracerName, "eventqueue.process_batch")
	defer span.End()

	count := 0
	for count < q.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		entry, ok := q.pop()
		if !ok {
			break
		}
		count++
		q.handle(ctx, entry, handler)
	}

	span.SetAttributes(attribute.Int("batch.size", count))
	return count
}

func (q *Queue) handle(ctx context.Context, entry *QueueEntry, handler Handler) {
	ev := entry.Event
	if cid := ev.CorrelationID(); cid != "" {
		ctx = tracing.WithCorrelationID(ctx, cid)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "eventqueue.handle",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
		attribute.Int("event.retry_count", ev.RetryCount()),
	)
	defer span.End()

	start := time.Now()
	err := invoke(ctx, ev, handler)
	duration := time.Since(start)
	observability.RecordHandled(ev.Type, duration, err == nil)

	if err == nil {
		q.breaker.RecordSuccess()
		q.emit(Notification{
			Type:      NotifyProcessed,
			EventID:   ev.ID,
			EventType: ev.Type,
			Data:      map[string]any{"durationMs": duration.Milliseconds()},
		})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	q.onFailure(ctx, entry, err)
}

func invoke(ctx context.Context, ev event.Event, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

func (q *Queue) onFailure(ctx context.Context, entry *QueueEntry, cause error) {
	ev := entry.Event
	attempts := ev.RetryCount() + 1

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Err(cause).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Int("attempt", attempts).
		Msg("Event handler failed")

	q.breaker.RecordFailure()
	q.emit(Notification{
		Type:      NotifyFailed,
		EventID:   ev.ID,
		EventType: ev.Type,
		Data:      map[string]any{"error": cause.Error(), "attempt": attempts},
	})

	switch {
	case q.breaker.IsOpen():
		q.deadLetter(ctx, entry, fmt.Errorf("%w: %w", ErrCircuitOpen, cause), attempts)
	case attempts > q.cfg.MaxRetries:
		q.deadLetter(ctx, entry, cause, attempts)
	default:
		q.scheduleRetry(ctx, entry, cause)
	}
}

func (q *Queue) scheduleRetry(ctx context.Context, entry *QueueEntry, cause error) {
	delay := q.cfg.RetryDelay(entry.Event.RetryCount())
	next := &QueueEntry{
		Event:    entry.Event.NextRetry(cause, time.Now()),
		Priority: entry.Priority,
	}
	attempts := next.Event.RetryCount()

	q.retryMu.Lock()
	if q.closed {
		q.retryMu.Unlock()
		q.deadLetter(ctx, next, fmt.Errorf("%w: %w", ErrQueueClosed, cause), attempts)
		return
	}
	q.retrySeq++
	id := q.retrySeq
	retryCtx := tracing.Detach(ctx)
	pr := &pendingRetry{entry: next, cause: cause, attempts: attempts}
	pr.timer = time.AfterFunc(delay, func() { q.fireRetry(retryCtx, id) })
	q.retries[id] = pr
	q.retryMu.Unlock()

	observability.RecordRetryScheduled()
	log.Debug().
		Str("event_id", next.Event.ID).
		Int("retry_count", attempts).
		Dur("delay", delay).
		Msg("Retry scheduled")
	q.emit(Notification{
		Type:      NotifyRetryScheduled,
		EventID:   next.Event.ID,
		EventType: next.Event.Type,
		Data:      map[string]any{"retryCount": attempts, "delayMs": delay.Milliseconds()},
	})
}

func (q *Queue) fireRetry(ctx context.Context, id uint64) {
	q.retryMu.Lock()
	pr, ok := q.retries[id]
	delete(q.retries, id)
	q.retryMu.Unlock()
	if !ok {
		return
	}

	ev := pr.entry.Event
	if ok, _ := q.push(ev, pr.entry.Priority); !ok {
		q.deadLetter(ctx, pr.entry, fmt.Errorf("%w: %w", ErrQueueFull, pr.cause), pr.attempts)
		return
	}
	observability.RecordEnqueue(ev.Type, q.Size())
	q.emit(Notification{
		Type:      NotifyEnqueued,
		EventID:   ev.ID,
		EventType: ev.Type,
		Data:      map[string]any{"priority": pr.entry.Priority, "retry": true},
	})
}

func (q *Queue) deadLetter(ctx context.Context, entry *QueueEntry, cause error, attempts int) {
	item := q.dlq.send(ctx, entry.Event, entry.Priority, cause, attempts)
	q.emit(Notification{
		Type:      NotifyDeadLettered,
		EventID:   entry.Event.ID,
		EventType: entry.Event.Type,
		Data: map[string]any{
			"dlqId":    item.ID,
			"error":    item.Error,
			"attempts": attempts,
		},
	})
}

// Close stops pending retry timers and moves their events to the DLQ.
// Enqueue and ProcessBatch keep working; later failures go straight to the DLQ.
func (q *Queue) Close() {
	q.retryMu.Lock()
	if q.closed {
		q.retryMu.Unlock()
		return
	}
	q.closed = true
	pending := make([]*pendingRetry, 0, len(q.retries))
	for id, pr := range q.retries {
		pr.timer.Stop()
		pending = append(pending, pr)
		delete(q.retries, id)
	}
	q.retryMu.Unlock()

	ctx := context.Background()
	for _, pr := range pending {
		q.deadLetter(ctx, pr.entry, fmt.Errorf("%w: %w", ErrQueueClosed, pr.cause), pr.attempts)
	}
	if len(pending) > 0 {
		log.Info().Int("retries", len(pending)).Msg("Pending retries moved to DLQ on close")
	}
}

// On registers a listener for a notification type, or NotifyAll.
func (q *Queue) On(notificationType string, l Listener) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.listeners[notificationType] = append(q.listeners[notificationType], l)
}

// Off removes all listeners for a notification type.
func (q *Queue) Off(notificationType string) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	delete(q.listeners, notificationType)
}

func (q *Queue) emit(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	q.listenerMu.RLock()
	ls := append([]Listener(nil), q.listeners[n.Type]...)
	ls = append(ls, q.listeners[NotifyAll]...)
	q.listenerMu.RUnlock()

	for _, l := range ls {
		l(n)
	}
}
