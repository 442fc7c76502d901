// Package redisstore implements storage.Adapter on Redis (go-redis v9).
//
// Items are JSON strings with native TTLs. Each kind keeps a sorted set of
// member keys scored by update time; it backs List and FindOneByQuery and is
// pruned lazily when members have expired.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/pkg/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "agentcore:"

// Store is a Redis-backed storage.Adapter.
type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Querier = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

// NewFromURL parses a redis:// URL, connects and pings.
func NewFromURL(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return NewFromClient(client, prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) itemKey(key string) string  { return s.prefix + "item:" + key }
func (s *Store) kindKey(kind string) string { return s.prefix + "kind:" + kind }
func (s *Store) kindsKey() string           { return s.prefix + "kinds" }

func (s *Store) Store(ctx context.Context, item storage.Item) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}

	var ttl time.Duration
	if !item.ExpiresAt.IsZero() {
		ttl = time.Until(item.ExpiresAt)
		if ttl <= 0 {
			return s.Delete(ctx, item.Key)
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redisstore: marshal %s: %w", item.Key, err)
	}

	prev, err := s.Retrieve(ctx, item.Key)
	hadPrev := err == nil

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.itemKey(item.Key), data, ttl)
		if hadPrev && prev.Kind != item.Kind {
			pipe.ZRem(ctx, s.kindKey(prev.Kind), item.Key)
		}
		pipe.ZAdd(ctx, s.kindKey(item.Kind), redis.Z{
			Score:  float64(item.UpdatedAt.UnixMilli()),
			Member: item.Key,
		})
		pipe.SAdd(ctx, s.kindsKey(), item.Kind)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: store %s: %w", item.Key, err)
	}
	return nil
}

func (s *Store) Retrieve(ctx context.Context, key string) (storage.Item, error) {
	raw, err := s.client.Get(ctx, s.itemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Item{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Item{}, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var it storage.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return storage.Item{}, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return it, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	it, err := s.Retrieve(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.itemKey(key))
		if it.Kind != "" {
			pipe.ZRem(ctx, s.kindKey(it.Kind), key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redisstore: clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redisstore: scan: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redisstore: clear: %w", err)
		}
	}
	return nil
}

func (s *Store) kinds(ctx context.Context) ([]string, error) {
	kinds, err := s.client.SMembers(ctx, s.kindsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: kinds: %w", err)
	}
	return kinds, nil
}

// members loads the live items of one kind in update order and prunes
// index entries whose item has expired. It returns the number pruned.
func (s *Store) members(ctx context.Context, kind string, rev bool) ([]storage.Item, int, error) {
	keys, err := s.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:   s.kindKey(kind),
		Start: 0,
		Stop:  -1,
		Rev:   rev,
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redisstore: range %s: %w", kind, err)
	}
	if len(keys) == 0 {
		return nil, 0, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.itemKey(k)
	}
	vals, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redisstore: mget %s: %w", kind, err)
	}

	var (
		items []storage.Item
		stale []any
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var it storage.Item
		if err := json.Unmarshal([]byte(str), &it); err != nil {
			return nil, 0, fmt.Errorf("redisstore: decode %s: %w", keys[i], err)
		}
		items = append(items, it)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.kindKey(kind), stale...).Err(); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("Failed to prune expired index entries")
		}
	}
	return items, len(stale), nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	kinds, err := s.kinds(ctx)
	if err != nil {
		return storage.Stats{}, err
	}
	st := storage.Stats{Backend: "redis", ByKind: make(map[string]int)}
	for _, kind := range kinds {
		items, _, err := s.members(ctx, kind, false)
		if err != nil {
			return storage.Stats{}, err
		}
		if len(items) > 0 {
			st.ByKind[kind] = len(items)
			st.Items += len(items)
		}
	}
	return st, nil
}

func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Cleanup prunes index entries for items Redis has already expired.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	kinds, err := s.kinds(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, kind := range kinds {
		_, pruned, err := s.members(ctx, kind, false)
		if err != nil {
			return total, err
		}
		total += pruned
	}
	return total, nil
}

func (s *Store) FindOneByQuery(ctx context.Context, q storage.Query, opts storage.QueryOptions) (storage.Item, error) {
	if q.Kind == "" {
		return storage.Item{}, fmt.Errorf("redisstore: query requires a kind")
	}
	items, _, err := s.members(ctx, q.Kind, false)
	if err != nil {
		return storage.Item{}, err
	}

	var matched []storage.Item
	for _, it := range items {
		if q.Matches(it) {
			matched = append(matched, it)
		}
	}
	if len(matched) == 0 {
		return storage.Item{}, storage.ErrNotFound
	}
	slices.SortFunc(matched, func(a, b storage.Item) int {
		if opts.Less(a, b) {
			return -1
		}
		return 1
	})
	return matched[0], nil
}

func (s *Store) List(ctx context.Context, kind string) ([]storage.Item, error) {
	items, _, err := s.members(ctx, kind, false)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(items, func(a, b storage.Item) int {
		if (storage.QueryOptions{}).Less(a, b) {
			return -1
		}
		return 1
	})
	return items, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
