package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/storage"
)

const (
	tracerName = "agentcore.session"

	kindSession       = "session"
	kindThreadPointer = "session_thread"
)

func sessionKey(sessionID string) string { return "session:" + sessionID }
func threadKey(threadID string) string   { return "session:thread:" + threadID }

// Manager owns session records in a storage.Adapter.
type Manager struct {
	store  storage.Adapter
	cfg    Config
	locks  *KeyedLock
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store storage.Adapter, cfg Config) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		locks:  NewKeyedLock(),
		logger: log.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Store returns the backing adapter.
func (m *Manager) Store() storage.Adapter { return m.store }

func (m *Manager) log(ctx context.Context, threadID string) *zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("thread_id", threadID).Logger()
	return &logger
}

// GetOrCreate returns the thread's context, creating a session on first
// access. Concurrent first calls for the same thread share one creation.
// A session idle longer than SessionTTL is replaced by a fresh one.
func (m *Manager) GetOrCreate(ctx context.Context, threadID, tenantID string) (*RuntimeContext, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.get_or_create",
		attribute.String("thread_id", threadID))
	defer span.End()

	shareCtx := context.WithoutCancel(ctx)
	v, err, shared := m.locks.Do(threadID, func() (any, error) {
		return m.getOrCreate(shareCtx, threadID, tenantID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("shared", shared))
	return cloneContext(v.(*RuntimeContext)), nil
}

func (m *Manager) getOrCreate(ctx context.Context, threadID, tenantID string) (*RuntimeContext, error) {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	logger := m.log(ctx, threadID)
	now := m.now()

	rec, err := m.load(ctx, threadID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return m.create(ctx, threadID, tenantID)
	case err != nil:
		return nil, err
	}

	if idle := now.Sub(rec.LastActivityAt); idle > m.cfg.SessionTTL {
		logger.Info().
			Str("session_id", rec.SessionID).
			Dur("idle", idle).
			Msg("Session expired, recreating")
		if err := m.deleteRecord(ctx, rec); err != nil {
			return nil, err
		}
		observability.RecordSessionsExpired(1)
		return m.create(ctx, threadID, tenantID)
	}

	expected := rec.Version
	rec.LastActivityAt = now
	if err := m.save(ctx, rec, expected); err != nil {
		return nil, err
	}
	return &rec.Context, nil
}

func (m *Manager) create(ctx context.Context, threadID, tenantID string) (*RuntimeContext, error) {
	now := m.now()
	executionID := tracing.GetExecutionID(ctx)
	if executionID == "" {
		executionID = tracing.NewExecutionID()
	}
	rec := &Record{
		SessionID:            uuid.NewString(),
		ThreadID:             threadID,
		TenantID:             tenantID,
		Status:               StatusActive,
		CreatedAt:            now,
		LastActivityAt:       now,
		CorrelationIDHistory: []string{},
	}
	rec.Context = newRuntimeContext(rec.SessionID, threadID, executionID, now)
	if cid := tracing.GetCorrelationID(ctx); cid != "" {
		rec.CorrelationIDHistory = append(rec.CorrelationIDHistory, cid)
	}

	if err := m.save(ctx, rec, 0); err != nil {
		return nil, err
	}
	err := m.store.Store(ctx, storage.Item{
		Key:       threadKey(threadID),
		Kind:      kindThreadPointer,
		Data:      []byte(rec.SessionID),
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("store thread index: %w", err)
	}

	observability.RecordSessionCreated()
	observability.RecordSessionAudit(ctx, "created", rec.SessionID, "success", map[string]any{
		"thread_id": threadID,
		"tenant_id": tenantID,
	})
	m.log(ctx, threadID).Info().Str("session_id", rec.SessionID).Msg("Session created")
	return &rec.Context, nil
}

// Get returns a copy of the thread's persisted record.
func (m *Manager) Get(ctx context.Context, threadID string) (*Record, error) {
	return m.load(ctx, threadID)
}

// Delete removes the thread's session and its index entries.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	rec, err := m.load(ctx, threadID)
	if err != nil {
		return err
	}
	if err := m.deleteRecord(ctx, rec); err != nil {
		return err
	}
	observability.RecordSessionAudit(ctx, "deleted", rec.SessionID, "success", nil)
	return nil
}

func (m *Manager) deleteRecord(ctx context.Context, rec *Record) error {
	for _, key := range []string{sessionKey(rec.SessionID), threadKey(rec.ThreadID), latestSnapshotKey(rec.SessionID)} {
		if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// AddMessage appends msg and applies windowing. It never creates a session.
func (m *Manager) AddMessage(ctx context.Context, threadID string, msg Message) error {
	return m.mutate(ctx, threadID, "session.add_message", func(rec *Record, now time.Time) error {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		rc := &rec.Context
		rc.Messages = append(rc.Messages, msg)
		if msg.Role == RoleUser {
			rc.State.LastUserIntent = m.cfg.IntentClassifier.Classify(msg.Content)
			rc.State.CurrentIteration = 0
		}
		if n := applyWindow(rc, m.cfg); n > 0 {
			m.log(ctx, threadID).Debug().Int("evicted", n).Msg("Messages folded into digest")
		}
		return nil
	})
}

// AddEntity upserts ref into its type bucket and marks it most recently used.
func (m *Manager) AddEntity(ctx context.Context, threadID string, ref EntityRef) error {
	if ref.ID == "" || ref.Type == "" {
		return fmt.Errorf("entity id and type are required")
	}
	return m.mutate(ctx, threadID, "session.add_entity", func(rec *Record, now time.Time) error {
		if ref.LastUsedAt.IsZero() {
			ref.LastUsedAt = now
		}
		upsertEntity(rec.Context.Entities, ref)
		return nil
	})
}

// SetPhase records the conversation phase.
func (m *Manager) SetPhase(ctx context.Context, threadID, phase string) error {
	return m.mutate(ctx, threadID, "session.set_phase", func(rec *Record, _ time.Time) error {
		rec.Context.State.Phase = phase
		return nil
	})
}

// mutate runs a serialized read-modify-write on the thread's record.
func (m *Manager) mutate(ctx context.Context, threadID, op string, fn func(rec *Record, now time.Time) error) error {
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, tracerName, op, attribute.String("thread_id", threadID))
	defer span.End()

	err := func() error {
		unlock := m.locks.Lock(threadID)
		defer unlock()

		rec, err := m.load(ctx, threadID)
		if err != nil {
			return err
		}
		expected := rec.Version
		now := m.now()
		if err := fn(rec, now); err != nil {
			return err
		}
		rec.LastActivityAt = now
		rec.Context.Timestamp = now
		return m.save(ctx, rec, expected)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) load(ctx context.Context, threadID string) (*Record, error) {
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	ptr, err := m.store.Retrieve(ctx, threadKey(threadID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: thread %s", ErrSessionNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load thread index: %w", err)
	}

	item, err := m.store.Retrieve(ctx, sessionKey(string(ptr.Data)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: thread %s", ErrSessionNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", ptr.Data, err)
	}
	normalize(&rec.Context)
	return &rec, nil
}

// save persists rec. A stored version different from expected is a
// concurrency conflict: logged and counted, and fatal only with StrictVersioning.
func (m *Manager) save(ctx context.Context, rec *Record, expected int64) error {
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	stored, err := m.storedVersion(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if stored != expected {
		observability.RecordSessionConflict()
		m.log(ctx, rec.ThreadID).Warn().
			Str("session_id", rec.SessionID).
			Int64("expected_version", expected).
			Int64("stored_version", stored).
			Bool("strict", m.cfg.StrictVersioning).
			Msg("Session version conflict")
		if m.cfg.StrictVersioning {
			return fmt.Errorf("%w: session %s expected version %d, stored %d",
				ErrConcurrencyConflict, rec.SessionID, expected, stored)
		}
	}
	rec.Version = max(stored, expected) + 1

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = m.store.Store(ctx, storage.Item{
		Key:  sessionKey(rec.SessionID),
		Kind: kindSession,
		Data: data,
		Fields: map[string]string{
			"threadId": rec.ThreadID,
			"tenantId": rec.TenantID,
			"status":   string(rec.Status),
		},
		UpdatedAt: rec.LastActivityAt,
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (m *Manager) storedVersion(ctx context.Context, sessionID string) (int64, error) {
	item, err := m.store.Retrieve(ctx, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read session version: %w", err)
	}
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(item.Data, &v); err != nil {
		return 0, fmt.Errorf("decode session version: %w", err)
	}
	return v.Version, nil
}

// PurgeExpired deletes sessions idle longer than SessionTTL. It needs a
// store implementing storage.Lister and returns 0 otherwise.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	lister, ok := m.store.(storage.Lister)
	if !ok {
		return 0, nil
	}
	items, err := lister.List(ctx, kindSession)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.SessionTTL)
	purged := 0
	for _, it := range items {
		if !it.UpdatedAt.Before(cutoff) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(it.Data, &rec); err != nil {
			m.logger.Warn().Err(err).Str("key", it.Key).Msg("Skipping undecodable session")
			continue
		}
		unlock := m.locks.Lock(rec.ThreadID)
		if err := m.deleteRecord(ctx, &rec); err != nil {
			unlock()
			return purged, err
		}
		unlock()
		purged++
	}
	if purged > 0 {
		observability.RecordSessionsExpired(purged)
		m.logger.Info().Int("purged", purged).Msg("Expired sessions purged")
	}
	return purged, nil
}

func upsertEntity(entities map[string][]EntityRef, ref EntityRef) {
	bucket := entities[ref.Type]
	for i, e := range bucket {
		if e.ID == ref.ID {
			bucket = slices.Delete(bucket, i, i+1)
			break
		}
	}
	entities[ref.Type] = append(bucket, ref)
}

// normalize fills nil collections left by older or foreign writers.
func normalize(rc *RuntimeContext) {
	if rc.Messages == nil {
		rc.Messages = []Message{}
	}
	if rc.Entities == nil {
		rc.Entities = map[string][]EntityRef{}
	}
	if rc.State.PendingActions == nil {
		rc.State.PendingActions = []string{}
	}
	ex := &rc.Execution
	if ex.CompletedSteps == nil {
		ex.CompletedSteps = []string{}
	}
	if ex.FailedSteps == nil {
		ex.FailedSteps = []string{}
	}
	if ex.SkippedSteps == nil {
		ex.SkippedSteps = []string{}
	}
	if ex.StepsJournal == nil {
		ex.StepsJournal = []JournalEntry{}
	}
	if ex.LastToolsUsed == nil {
		ex.LastToolsUsed = []string{}
	}
}

func cloneContext(rc *RuntimeContext) *RuntimeContext {
	out := *rc
	out.State.PendingActions = slices.Clone(rc.State.PendingActions)
	out.Messages = make([]Message, len(rc.Messages))
	for i, msg := range rc.Messages {
		msg.Metadata = maps.Clone(msg.Metadata)
		out.Messages[i] = msg
	}
	out.Entities = make(map[string][]EntityRef, len(rc.Entities))
	for typ, bucket := range rc.Entities {
		refs := make([]EntityRef, len(bucket))
		for i, ref := range bucket {
			ref.Attributes = maps.Clone(ref.Attributes)
			refs[i] = ref
		}
		out.Entities[typ] = refs
	}
	out.Execution.CompletedSteps = slices.Clone(rc.Execution.CompletedSteps)
	out.Execution.FailedSteps = slices.Clone(rc.Execution.FailedSteps)
	out.Execution.SkippedSteps = slices.Clone(rc.Execution.SkippedSteps)
	out.Execution.StepsJournal = slices.Clone(rc.Execution.StepsJournal)
	out.Execution.LastToolsUsed = slices.Clone(rc.Execution.LastToolsUsed)
	return &out
}
