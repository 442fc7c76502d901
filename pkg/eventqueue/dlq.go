package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/storage"
)

const (
	dlqKind       = "dlq"
	dlqKeyPrefix  = "dlq:"
	recentDLQSize = 10
)

// DLQConfig configures a DLQ.
type DLQConfig struct {
	MaxSize int // default 1000
	// Store mirrors items so they survive restarts. Optional.
	Store storage.Adapter
}

// DLQItem is a quarantined event with its failure record.
type DLQItem struct {
	ID            string      `json:"id"`
	Event         event.Event `json:"event"`
	Priority      int         `json:"priority"`
	Error         string      `json:"error"`
	AttemptsMade  int         `json:"attemptsMade"`
	FirstFailedAt time.Time   `json:"firstFailedAt"`
	LastFailedAt  time.Time   `json:"lastFailedAt"`
}

// DLQStats summarizes DLQ contents.
type DLQStats struct {
	TotalItems       int            `json:"totalItems"`
	ItemsByEventType map[string]int `json:"itemsByEventType"`
	RecentItems      []DLQItem      `json:"recentItems"` // newest first
}

// Criteria selects DLQ items for reprocessing. Set fields are ANDed.
type Criteria struct {
	EventType string
	MaxAge    time.Duration // measured from LastFailedAt
	Limit     int
}

// Resubmitter puts a reprocessed event back on a live queue.
type Resubmitter interface {
	Resubmit(ctx context.Context, ev event.Event, priority int) bool
}

// DLQ holds events that exhausted retries or were rejected by an open circuit.
// Items are kept oldest first; the oldest is evicted past MaxSize.
type DLQ struct {
	mu          sync.Mutex
	items       []*DLQItem
	maxSize     int
	store       storage.Adapter
	resubmitter Resubmitter
	now         func() time.Time
}

// NewDLQ creates an empty DLQ.
func NewDLQ(cfg DLQConfig) *DLQ {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &DLQ{
		maxSize: cfg.MaxSize,
		store:   cfg.Store,
		now:     time.Now,
	}
}

// SetResubmitter attaches the live queue used by Reprocess.
func (d *DLQ) SetResubmitter(r Resubmitter) {
	d.mu.Lock()
	d.resubmitter = r
	d.mu.Unlock()
}

// Send quarantines ev. attemptsMade is the number of handler attempts.
func (d *DLQ) Send(ctx context.Context, ev event.Event, cause error, attemptsMade int) *DLQItem {
	return d.send(ctx, ev, 0, cause, attemptsMade)
}

func (d *DLQ) send(ctx context.Context, ev event.Event, priority int, cause error, attemptsMade int) *DLQItem {
	now := d.now()
	first := now
	if h := ev.RetryHistory(); len(h) > 0 {
		first = time.UnixMilli(h[0].FailedAt)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	item := &DLQItem{
		ID:            gonanoid.Must(),
		Event:         ev,
		Priority:      priority,
		Error:         msg,
		AttemptsMade:  attemptsMade,
		FirstFailedAt: first,
		LastFailedAt:  now,
	}

	d.mu.Lock()
	d.items = append(d.items, item)
	var evicted []*DLQItem
	for len(d.items) > d.maxSize {
		evicted = append(evicted, d.items[0])
		d.items[0] = nil
		d.items = d.items[1:]
	}
	size := len(d.items)
	d.mu.Unlock()

	reason := dlqReason(cause)
	log.Warn().
		Str("dlq_id", item.ID).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Int("attempts", attemptsMade).
		Str("reason", reason).
		Str("error", msg).
		Msg("Event moved to dead-letter queue")

	observability.RecordDLQAdd(reason, size)
	observability.RecordDLQAudit(ctx, "added", ev.ID, reason)

	d.persist(ctx, item)
	for _, old := range evicted {
		log.Warn().Str("dlq_id", old.ID).Str("event_type", old.Event.Type).Msg("DLQ full, evicted oldest item")
		d.unpersist(ctx, old.ID)
	}

	cp := *item
	return &cp
}

// Get returns a copy of one item.
func (d *DLQ) Get(id string) (DLQItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, it := range d.items {
		if it.ID == id {
			return *it, true
		}
	}
	return DLQItem{}, false
}

// List returns copies of all items, oldest first.
func (d *DLQ) List() []DLQItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DLQItem, len(d.items))
	for i, it := range d.items {
		out[i] = *it
	}
	return out
}

// Size returns the number of quarantined items.
func (d *DLQ) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Stats returns totals, per-type counts and up to ten newest items.
func (d *DLQ) Stats() DLQStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := DLQStats{
		TotalItems:       len(d.items),
		ItemsByEventType: make(map[string]int),
		RecentItems:      make([]DLQItem, 0, min(recentDLQSize, len(d.items))),
	}
	for _, it := range d.items {
		st.ItemsByEventType[it.Event.Type]++
	}
	for i := len(d.items) - 1; i >= 0 && len(st.RecentItems) < recentDLQSize; i-- {
		st.RecentItems = append(st.RecentItems, *d.items[i])
	}
	return st
}

// Reprocess removes one item and resubmits its event with a fresh retry
// budget. It returns false for unknown ids, when no queue is attached, or
// when the queue rejects the event; in those cases the item stays.
func (d *DLQ) Reprocess(ctx context.Context, id string) bool {
	d.mu.Lock()
	r := d.resubmitter
	idx := -1
	for i, it := range d.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || r == nil {
		d.mu.Unlock()
		return false
	}
	item := d.items[idx]
	d.items = append(d.items[:idx], d.items[idx+1:]...)
	d.mu.Unlock()

	if !r.Resubmit(ctx, item.Event.WithoutRetry(), item.Priority) {
		d.reinsert(item)
		log.Warn().Str("dlq_id", id).Msg("Reprocess rejected by queue, item kept")
		return false
	}

	d.unpersist(ctx, id)
	observability.RecordDLQReprocess(1, d.Size())
	observability.RecordDLQAudit(ctx, "reprocessed", item.Event.ID, "manual")
	log.Info().Str("dlq_id", id).Str("event_type", item.Event.Type).Msg("DLQ item reprocessed")
	return true
}

// ReprocessByCriteria removes every matching item (oldest first, capped by
// Limit) and returns their events with retry metadata cleared. When a queue
// is attached the events are resubmitted; any the queue rejects are put back
// and left out of the result.
func (d *DLQ) ReprocessByCriteria(ctx context.Context, c Criteria) []event.Event {
	now := d.now()

	d.mu.Lock()
	r := d.resubmitter
	var (
		matched []*DLQItem
		kept    = d.items[:0:0]
	)
	for _, it := range d.items {
		if (c.Limit <= 0 || len(matched) < c.Limit) && c.matches(it, now) {
			matched = append(matched, it)
			continue
		}
		kept = append(kept, it)
	}
	d.items = kept
	d.mu.Unlock()

	out := make([]event.Event, 0, len(matched))
	removed := 0
	for _, it := range matched {
		ev := it.Event.WithoutRetry()
		if r != nil && !r.Resubmit(ctx, ev, it.Priority) {
			d.reinsert(it)
			log.Warn().Str("dlq_id", it.ID).Msg("Reprocess rejected by queue, item kept")
			continue
		}
		out = append(out, ev)
		d.unpersist(ctx, it.ID)
		removed++
	}

	if len(matched) > 0 {
		observability.RecordDLQReprocess(removed, d.Size())
		log.Info().
			Str("event_type", c.EventType).
			Int("matched", len(matched)).
			Int("removed", removed).
			Msg("DLQ reprocessed by criteria")
	}
	return out
}

func (c Criteria) matches(it *DLQItem, now time.Time) bool {
	if c.EventType != "" && it.Event.Type != c.EventType {
		return false
	}
	if c.MaxAge > 0 && now.Sub(it.LastFailedAt) > c.MaxAge {
		return false
	}
	return true
}

// reinsert puts an item back in failure-time order.
func (d *DLQ) reinsert(item *DLQItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pos := len(d.items)
	for i, it := range d.items {
		if it.LastFailedAt.After(item.LastFailedAt) {
			pos = i
			break
		}
	}
	d.items = append(d.items, nil)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = item
}

// Clear drops every item and returns how many were removed.
func (d *DLQ) Clear(ctx context.Context) int {
	d.mu.Lock()
	items := d.items
	d.items = nil
	d.mu.Unlock()

	for _, it := range items {
		d.unpersist(ctx, it.ID)
	}
	observability.SetDLQSize(0)
	return len(items)
}

// Restore loads items mirrored by a previous process. It requires a store
// that implements storage.Lister and is a no-op otherwise.
func (d *DLQ) Restore(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	lister, ok := d.store.(storage.Lister)
	if !ok {
		log.Debug().Msg("DLQ store cannot list items, skipping restore")
		return 0, nil
	}
	stored, err := lister.List(ctx, dlqKind)
	if err != nil {
		return 0, fmt.Errorf("list dlq items: %w", err)
	}

	d.mu.Lock()
	seen := make(map[string]bool, len(d.items))
	for _, it := range d.items {
		seen[it.ID] = true
	}
	restored := 0
	for _, s := range stored {
		var item DLQItem
		if err := json.Unmarshal(s.Data, &item); err != nil {
			log.Warn().Err(err).Str("key", s.Key).Msg("Skipping undecodable DLQ item")
			continue
		}
		if seen[item.ID] {
			continue
		}
		d.items = append(d.items, &item)
		restored++
	}
	var dropped []*DLQItem
	if over := len(d.items) - d.maxSize; over > 0 {
		dropped = append(dropped, d.items[:over]...)
		d.items = d.items[over:]
	}
	size := len(d.items)
	d.mu.Unlock()

	for _, it := range dropped {
		d.unpersist(ctx, it.ID)
	}
	observability.SetDLQSize(size)
	if restored > 0 {
		log.Info().Int("restored", restored).Msg("DLQ items restored from storage")
	}
	return restored, nil
}

func (d *DLQ) persist(ctx context.Context, item *DLQItem) {
	if d.store == nil {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		log.Error().Err(err).Str("dlq_id", item.ID).Msg("Failed to encode DLQ item")
		return
	}
	err = d.store.Store(ctx, storage.Item{
		Key:       dlqKeyPrefix + item.ID,
		Kind:      dlqKind,
		Data:      data,
		Fields:    map[string]string{"eventType": item.Event.Type},
		UpdatedAt: item.LastFailedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("dlq_id", item.ID).Msg("Failed to persist DLQ item")
	}
}

func (d *DLQ) unpersist(ctx context.Context, id string) {
	if d.store == nil {
		return
	}
	if err := d.store.Delete(ctx, dlqKeyPrefix+id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("dlq_id", id).Msg("Failed to delete persisted DLQ item")
	}
}
