// Package engine wires the event queue, plan executor and session manager
// into a running service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/logger"
	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/eventqueue"
	"github.com/harun/agentcore/pkg/planexec"
	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/storage"
)

const tracerName = "agentcore.engine"

// Engine owns the queue worker loop and the built-in event handlers.
type Engine struct {
	cfg      *config.Config
	store    storage.Adapter
	queue    *eventqueue.Queue
	sessions *session.Manager
	executor *planexec.Executor
	janitor  *session.Janitor
	router   *Router
	logger   zerolog.Logger

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Status describes the engine.
type Status struct {
	Running   bool             `json:"running"`
	StartTime time.Time        `json:"startTime,omitzero"`
	Uptime    time.Duration    `json:"uptime"`
	Queue     eventqueue.Stats `json:"queue"`
	Handlers  []string         `json:"handlers"`
}

// New builds an engine over store. actor may be nil, in which case every
// attempted plan step fails.
func New(cfg *config.Config, store storage.Adapter, actor planexec.ActionExecutor) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("storage adapter is required")
	}

	breaker := eventqueue.NewCircuitBreaker(eventqueue.CircuitConfig{
		Threshold: cfg.Circuit.Threshold,
		Cooldown:  cfg.Circuit.Cooldown(),
	})

	e := &Engine{
		cfg:      cfg,
		store:    store,
		queue:    eventqueue.New(QueueConfig(cfg.Queue), breaker, eventqueue.NewDLQ(DLQConfig(cfg.Queue, store))),
		sessions: session.NewManager(store, SessionConfig(cfg.Session)),
		executor: planexec.NewExecutor(actor, planexec.Config{MaxExecutionRounds: cfg.Executor.MaxExecutionRounds}),
		router:   NewRouter(),
		logger:   log.With().Str("component", "engine").Logger(),
	}
	e.janitor = session.NewJanitor(e.sessions, cfg.Session.CleanupSchedule)
	e.router.Register(event.TypePlanExecute, e.handlePlanExecute)
	return e, nil
}

// QueueConfig converts file settings to queue settings.
func QueueConfig(q config.QueueConfig) eventqueue.Config {
	return eventqueue.Config{
		MaxQueueDepth:     q.MaxQueueDepth,
		BatchSize:         q.BatchSize,
		MaxRetries:        q.MaxRetries,
		BaseRetryDelay:    q.BaseRetryDelay(),
		BackoffFactor:     q.BackoffFactor,
		MaxRetryDelay:     q.MaxRetryDelay(),
		Jitter:            q.Jitter,
		BackpressureRatio: q.BackpressureRatio,
	}
}

// DLQConfig mirrors items to store only when PersistDLQ is set.
func DLQConfig(q config.QueueConfig, store storage.Adapter) eventqueue.DLQConfig {
	cfg := eventqueue.DLQConfig{MaxSize: q.MaxDLQSize}
	if q.PersistDLQ {
		cfg.Store = store
	}
	return cfg
}

// SessionConfig converts file settings to session manager settings.
func SessionConfig(s config.SessionConfig) session.Config {
	return session.Config{
		SessionTTL:       s.SessionTTL(),
		RecoveryGap:      s.RecoveryGap(),
		SnapshotTTL:      s.SnapshotTTL(),
		MaxMessages:      s.MaxMessages,
		RoleCaps:         s.RoleCaps,
		DigestEntryChars: s.DigestEntryChars,
		DigestMaxChars:   s.DigestMaxChars,
		StrictVersioning: s.StrictVersioning,
	}
}

// Queue returns the event queue.
func (e *Engine) Queue() *eventqueue.Queue { return e.queue }

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Router returns the event router. Handlers registered after Start take
// effect on the next batch.
func (e *Engine) Router() *Router { return e.router }

// Store returns the storage adapter.
func (e *Engine) Store() storage.Adapter { return e.store }

// Enqueue adds ev to the queue. It returns false when the queue is full.
func (e *Engine) Enqueue(ev event.Event, priority int) bool {
	return e.queue.Enqueue(ev, priority)
}

// Start restores persisted DLQ items, starts the session janitor and the
// queue worker loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.running = true
	e.startTime = time.Now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	logger := e.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting engine")

	if e.cfg.Queue.PersistDLQ {
		n, err := e.queue.DLQ().Restore(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to restore DLQ")
		} else if n > 0 {
			logger.Info().Int("items", n).Msg("DLQ restored from storage")
		}
	}

	if err := e.janitor.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session janitor")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(runCtx)
	}()

	logger.Info().
		Int("max_queue_depth", e.cfg.Queue.MaxQueueDepth).
		Strs("handlers", e.router.Types()).
		Msg("Engine started")
	return nil
}

// Stop halts the worker loop, moves pending retries to the DLQ and stops the
// janitor. The storage adapter is left open.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is not running")
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Info().Msg("Stopping engine")
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn().Msg("Timeout waiting for worker loop to stop")
	}

	e.queue.Close()
	if e.janitor.IsRunning() {
		if err := e.janitor.Stop(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to stop session janitor")
		}
	}

	e.logger.Info().Int("dlq_size", e.queue.DLQ().Size()).Msg("Engine stopped")
	return nil
}

// Run processes queued events every poll interval until ctx is done. A tick
// drains full batches back to back.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Queue.PollInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Debug().Dur("interval", interval).Msg("Worker loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug().Msg("Worker loop stopping")
			return
		case <-ticker.C:
			e.Drain(ctx)
		}
	}
}

// Drain processes batches until the queue is empty or ctx is done and
// returns the number of events handled.
func (e *Engine) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n := e.queue.ProcessBatch(ctx, e.router.Handle)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// Status returns a snapshot of engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		Running:  e.running,
		Queue:    e.queue.Stats(),
		Handlers: e.router.Types(),
	}
	if e.running {
		s.StartTime = e.startTime
		s.Uptime = time.Since(e.startTime)
	}
	return s
}

// ApplyConfig applies the settings that can change at runtime: the log
// level and the circuit breaker threshold.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		e.logger.Warn().Err(err).Msg("Keeping current log level")
	}
	if cfg.Circuit.Threshold > 0 {
		e.queue.Breaker().SetThreshold(cfg.Circuit.Threshold)
	}
	observability.GetAuditLogger().Record(context.Background(), observability.AuditEvent{
		Category: "config",
		Action:   "reloaded",
		Status:   "applied",
		Details: map[string]any{
			"log_level":         cfg.Logging.Level,
			"circuit_threshold": cfg.Circuit.Threshold,
		},
	})
	e.logger.Info().
		Str("log_level", cfg.Logging.Level).
		Int("circuit_threshold", cfg.Circuit.Threshold).
		Msg("Runtime configuration applied")
}
