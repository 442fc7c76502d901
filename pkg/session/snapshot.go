package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/storage"
)

const (
	kindSnapshot        = "snapshot"
	kindSnapshotPointer = "snapshot_pointer"
	snapshotErrorChars  = 200
)

func snapshotKey(sessionID, id string) string   { return "snapshot:" + sessionID + ":" + id }
func latestSnapshotKey(sessionID string) string { return "snapshot:latest:" + sessionID }

// SaveSnapshot stores a size-reduced copy of snap for the thread's session:
// the goal, the first five plan steps and step statuses without payloads.
// When snap carries no entities the session's most recent one per type is kept.
func (m *Manager) SaveSnapshot(ctx context.Context, threadID string, snap ExecutionSnapshot) (*ExecutionSnapshot, error) {
	rec, err := m.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	reduced := reduceSnapshot(snap)
	reduced.ID = gonanoid.Must()
	reduced.SessionID = rec.SessionID
	reduced.ThreadID = threadID
	reduced.CreatedAt = now
	if reduced.ExecutionID == "" {
		reduced.ExecutionID = rec.Context.ExecutionID
	}
	if len(reduced.Entities) == 0 {
		reduced.Entities = mostRecentEntities(rec.Context.Entities)
	}

	data, err := json.Marshal(reduced)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	expires := now.Add(m.cfg.SnapshotTTL)
	err = m.store.Store(ctx, storage.Item{
		Key:       snapshotKey(rec.SessionID, reduced.ID),
		Kind:      kindSnapshot,
		Data:      data,
		Fields:    map[string]string{"sessionId": rec.SessionID},
		UpdatedAt: now,
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	err = m.store.Store(ctx, storage.Item{
		Key:       latestSnapshotKey(rec.SessionID),
		Kind:      kindSnapshotPointer,
		Data:      []byte(reduced.ID),
		UpdatedAt: now,
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, fmt.Errorf("store snapshot pointer: %w", err)
	}

	observability.RecordSnapshotSaved()
	m.log(ctx, threadID).Debug().
		Str("snapshot_id", reduced.ID).
		Int("steps", len(reduced.Steps)).
		Msg("Execution snapshot saved")
	return &reduced, nil
}

// LatestSnapshot returns the newest unexpired snapshot for a session.
func (m *Manager) LatestSnapshot(ctx context.Context, sessionID string) (*ExecutionSnapshot, error) {
	var item storage.Item
	var err error

	if q, ok := m.store.(storage.Querier); ok {
		item, err = q.FindOneByQuery(ctx,
			storage.Query{Kind: kindSnapshot, Fields: map[string]string{"sessionId": sessionID}},
			storage.QueryOptions{SortBy: storage.SortByUpdatedAt, Descending: true})
	} else {
		var ptr storage.Item
		ptr, err = m.store.Retrieve(ctx, latestSnapshotKey(sessionID))
		if err == nil {
			item, err = m.store.Retrieve(ctx, snapshotKey(sessionID, string(ptr.Data)))
		}
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap ExecutionSnapshot
	if err := json.Unmarshal(item.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func reduceSnapshot(snap ExecutionSnapshot) ExecutionSnapshot {
	out := snap
	if len(snap.Steps) > maxSnapshotPlanSteps {
		out.Steps = snap.Steps[:maxSnapshotPlanSteps]
	}
	out.Steps = append([]SnapshotStep{}, out.Steps...)
	out.StepResults = make([]SnapshotStepResult, len(snap.StepResults))
	for i, r := range snap.StepResults {
		r.Error = truncate(r.Error, snapshotErrorChars)
		out.StepResults[i] = r
	}
	out.Entities = append([]EntityRef(nil), snap.Entities...)
	return out
}

func mostRecentEntities(entities map[string][]EntityRef) []EntityRef {
	var out []EntityRef
	for _, typ := range slices.Sorted(maps.Keys(entities)) {
		if ref, ok := newestEntity(entities[typ]); ok {
			out = append(out, ref)
		}
	}
	return out
}

func newestEntity(bucket []EntityRef) (EntityRef, bool) {
	var best EntityRef
	found := false
	for _, ref := range bucket {
		if !found || !ref.LastUsedAt.Before(best.LastUsedAt) {
			best = ref
			found = true
		}
	}
	return best, found
}
