package engine

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/eventqueue"
)

// Router dispatches queued events to handlers by event type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]eventqueue.Handler
	logger   zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]eventqueue.Handler),
		logger:   log.With().Str("component", "router").Logger(),
	}
}

// Register sets the handler for eventType, replacing any previous one.
func (r *Router) Register(eventType string, h eventqueue.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Unregister removes the handler for eventType.
func (r *Router) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, eventType)
}

// Types returns the registered event types in sorted order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Handle is an eventqueue.Handler. Events without a handler are acknowledged.
func (r *Router) Handle(ctx context.Context, ev event.Event) error {
	r.mu.RLock()
	h, ok := r.handlers[ev.Type]
	r.mu.RUnlock()

	if !ok {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Debug().
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Msg("No handler for event type, acknowledging")
		return nil
	}
	if id := ev.CorrelationID(); id != "" {
		ctx = tracing.WithCorrelationID(ctx, id)
	}
	return h(ctx, ev)
}
