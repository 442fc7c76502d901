// Package storage defines the persistence contract used by the session
// manager and the dead-letter queue, plus an in-process implementation.
// Durable backends live in the sqlitestore, redisstore, mongostore and
// pgstore subpackages.
package storage

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrNotFound is returned by Retrieve when the key is absent or expired.
var ErrNotFound = errors.New("storage: not found")

// SortByUpdatedAt orders query results by last write time.
const SortByUpdatedAt = "updatedAt"

// Item is one stored value. Fields are indexed string attributes used by
// FindOneByQuery; Data is opaque to the backend.
type Item struct {
	Key       string            `json:"key"`
	Kind      string            `json:"kind"`
	Data      []byte            `json:"data"`
	Fields    map[string]string `json:"fields,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
	ExpiresAt time.Time         `json:"expiresAt,omitzero"` // zero means no expiry
}

// Expired reports whether the item is past its expiry at now.
func (it Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	out := it
	out.Data = append([]byte(nil), it.Data...)
	out.Fields = maps.Clone(it.Fields)
	return out
}

// Stats describes backend contents.
type Stats struct {
	Backend string         `json:"backend"`
	Items   int            `json:"items"`
	ByKind  map[string]int `json:"byKind,omitempty"`
}

// Adapter is the storage contract every backend implements.
type Adapter interface {
	// Store upserts the item. A zero UpdatedAt is set to the current time.
	Store(ctx context.Context, item Item) error
	Retrieve(ctx context.Context, key string) (Item, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	IsHealthy(ctx context.Context) bool
	// Cleanup purges expired items and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

// Query selects items of one kind whose Fields contain all given pairs.
type Query struct {
	Kind   string
	Fields map[string]string
}

// QueryOptions controls ordering for FindOneByQuery. SortBy is either
// SortByUpdatedAt or the name of an indexed field.
type QueryOptions struct {
	SortBy     string
	Descending bool
}

// Querier is implemented by backends that support secondary lookups.
type Querier interface {
	FindOneByQuery(ctx context.Context, q Query, opts QueryOptions) (Item, error)
}

// Lister is implemented by backends that can enumerate one kind.
type Lister interface {
	List(ctx context.Context, kind string) ([]Item, error)
}

// Matches reports whether it satisfies q.
func (q Query) Matches(it Item) bool {
	if q.Kind != "" && it.Kind != q.Kind {
		return false
	}
	for k, v := range q.Fields {
		if it.Fields[k] != v {
			return false
		}
	}
	return true
}

// Less orders a before b according to opts.
func (o QueryOptions) Less(a, b Item) bool {
	var less bool
	switch o.SortBy {
	case "", SortByUpdatedAt:
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			less = a.Key < b.Key
		} else {
			less = a.UpdatedAt.Before(b.UpdatedAt)
		}
	default:
		av, bv := a.Fields[o.SortBy], b.Fields[o.SortBy]
		if av == bv {
			less = a.Key < b.Key
		} else {
			less = av < bv
		}
	}
	if o.Descending {
		return !less
	}
	return less
}
