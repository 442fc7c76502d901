package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/storage"
)

// Recover returns the thread's context, restoring it from the latest
// snapshot when the thread has been idle longer than RecoveryGap. The
// returned context always passes ValidateRuntimeContext.
func (m *Manager) Recover(ctx context.Context, threadID string) (*RecoveryResult, error) {
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.recover", attribute.String("thread_id", threadID))
	defer span.End()

	res, err := m.recover(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("recovered", res.WasRecovered),
		attribute.Int64("gap_ms", res.GapDuration.Milliseconds()),
	)
	return res, nil
}

func (m *Manager) recover(ctx context.Context, threadID string) (*RecoveryResult, error) {
	unlock := m.locks.Lock(threadID)
	defer unlock()

	logger := m.log(ctx, threadID)
	rec, err := m.load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	gap := now.Sub(rec.LastActivityAt)
	if gap > m.cfg.SessionTTL {
		return nil, fmt.Errorf("%w: thread %s expired after %s idle", ErrSessionNotFound, threadID, gap.Round(time.Second))
	}

	res := &RecoveryResult{GapDuration: gap, Inferences: map[string]string{}}
	if gap <= m.cfg.RecoveryGap {
		if err := ValidateRuntimeContext(&rec.Context); err != nil {
			observability.RecordSessionRecovery("invalid")
			return nil, err
		}
		res.Context = cloneContext(&rec.Context)
		observability.RecordSessionRecovery("not_needed")
		return res, nil
	}

	res.WasRecovered = true
	outcome := "recovered"
	snap, err := m.LatestSnapshot(ctx, rec.SessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		outcome = "no_snapshot"
	case err != nil:
		return nil, err
	default:
		res.SnapshotID = snap.ID
		for _, ref := range snap.Entities {
			mergeEntity(rec.Context.Entities, ref)
		}
	}
	res.Inferences = buildInferences(rec.Context.Entities)

	if err := ValidateRuntimeContext(&rec.Context); err != nil {
		observability.RecordSessionRecovery("invalid")
		return nil, err
	}

	expected := rec.Version
	rec.Status = StatusRecovered
	rec.LastActivityAt = now
	rec.Context.Timestamp = now
	rec.Context.ExecutionID = tracing.NewExecutionID()
	if err := m.save(ctx, rec, expected); err != nil {
		return nil, err
	}
	res.Context = cloneContext(&rec.Context)

	observability.RecordSessionRecovery(outcome)
	observability.RecordSessionAudit(ctx, "recovered", rec.SessionID, outcome, map[string]any{
		"gap_ms":     gap.Milliseconds(),
		"inferences": len(res.Inferences),
	})
	logger.Info().
		Str("session_id", rec.SessionID).
		Dur("gap", gap).
		Str("snapshot_id", res.SnapshotID).
		Int("inferences", len(res.Inferences)).
		Msg("Session recovered")
	return res, nil
}

// mergeEntity adds ref unless the bucket already holds a fresher copy.
func mergeEntity(entities map[string][]EntityRef, ref EntityRef) {
	if ref.ID == "" || ref.Type == "" {
		return
	}
	for _, e := range entities[ref.Type] {
		if e.ID == ref.ID && !e.LastUsedAt.Before(ref.LastUsedAt) {
			return
		}
	}
	upsertEntity(entities, ref)
}

// buildInferences maps reference phrases to entity ids: "this/that/the
// <type>" resolve to the most recently used entity of that type and "it" to
// the most recently used entity overall.
func buildInferences(entities map[string][]EntityRef) map[string]string {
	out := map[string]string{}
	var latest EntityRef
	haveLatest := false

	for _, typ := range slices.Sorted(maps.Keys(entities)) {
		ref, ok := newestEntity(entities[typ])
		if !ok {
			continue
		}
		noun := strings.ToLower(strings.ReplaceAll(typ, "_", " "))
		for _, det := range []string{"this", "that", "the"} {
			out[det+" "+noun] = ref.ID
		}
		if !haveLatest || ref.LastUsedAt.After(latest.LastUsedAt) {
			latest, haveLatest = ref, true
		}
	}
	if haveLatest {
		out["it"] = latest.ID
	}
	return out
}
