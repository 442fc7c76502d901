package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/eventqueue"
	"github.com/harun/agentcore/pkg/session"
)

const maxBodyBytes = 1 << 20

// EnqueueRequest is the body of POST /v1/events.
type EnqueueRequest struct {
	Type          string `json:"type"`
	Data          any    `json:"data,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Source        string `json:"source,omitempty"`
}

// EnqueueResponse is returned for accepted and rejected events alike.
type EnqueueResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// ReprocessRequest is the body of POST /v1/dlq/reprocess.
type ReprocessRequest struct {
	EventType string `json:"eventType,omitempty"`
	MaxAgeMs  int64  `json:"maxAgeMs,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ReprocessResponse lists the ids of events that left the DLQ.
type ReprocessResponse struct {
	Reprocessed int      `json:"reprocessed"`
	EventIDs    []string `json:"eventIds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Store().IsHealthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Queue().Stats())
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}

	source := req.Source
	if source == "" {
		source = "http"
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = tracing.NewTraceID()
	}
	ev := event.New(req.Type, req.Data).WithCorrelationID(correlationID).WithSource(source)

	if !s.engine.Enqueue(ev, req.Priority) {
		writeJSON(w, http.StatusTooManyRequests, EnqueueResponse{ID: ev.ID, Accepted: false})
		return
	}
	s.logger.Debug().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Event accepted")
	writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: ev.ID, Accepted: true})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("eventType")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items := make([]eventqueue.DLQItem, 0)
	for _, it := range s.engine.Queue().DLQ().List() {
		if eventType != "" && it.Event.Type != eventType {
			continue
		}
		items = append(items, it)
		if limit > 0 && len(items) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Queue().DLQ().Stats())
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	item, ok := s.engine.Queue().DLQ().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "dlq item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDLQReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dlq := s.engine.Queue().DLQ()
	if _, ok := dlq.Get(id); !ok {
		writeError(w, http.StatusNotFound, "dlq item not found")
		return
	}
	if !dlq.Reprocess(r.Context(), id) {
		writeError(w, http.StatusConflict, "queue rejected the event, item kept")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "reprocessed": true})
}

func (s *Server) handleDLQReprocessCriteria(w http.ResponseWriter, r *http.Request) {
	var req ReprocessRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Limit < 0 || req.MaxAgeMs < 0 {
		writeError(w, http.StatusBadRequest, "limit and maxAgeMs must be non-negative")
		return
	}

	before := s.engine.Queue().DLQ().Size()
	events := s.engine.Queue().DLQ().ReprocessByCriteria(r.Context(), eventqueue.Criteria{
		EventType: req.EventType,
		MaxAge:    time.Duration(req.MaxAgeMs) * time.Millisecond,
		Limit:     req.Limit,
	})
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	removed := before - s.engine.Queue().DLQ().Size()
	writeJSON(w, http.StatusOK, ReprocessResponse{Reprocessed: max(removed, 0), EventIDs: ids})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Sessions().Get(r.Context(), r.PathValue("threadID"))
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", r.PathValue("threadID")).Msg("Failed to load session")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	go s.hub.serve(conn, r.RemoteAddr)
}
