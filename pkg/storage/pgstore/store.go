// Package pgstore implements storage.Adapter on PostgreSQL through a pgx v5
// pool. Indexed fields are a JSONB column queried by containment.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS agentcore_items (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	data       BYTEA,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_agentcore_items_kind ON agentcore_items (kind, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_agentcore_items_fields ON agentcore_items USING GIN (fields);
CREATE INDEX IF NOT EXISTS idx_agentcore_items_expires ON agentcore_items (expires_at) WHERE expires_at IS NOT NULL;
`

const (
	maxRetries     = 3
	retryBaseDelay = 20 * time.Millisecond
)

// Store is a PostgreSQL-backed storage.Adapter.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Querier = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

// New connects a pool to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}

	log.Info().Str("host", cfg.ConnConfig.Host).Msg("Connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

func (s *Store) Store(ctx context.Context, item storage.Item) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("pgstore: marshal fields: %w", err)
	}
	if item.Fields == nil {
		fields = []byte(`{}`)
	}
	var expires *time.Time
	if !item.ExpiresAt.IsZero() {
		expires = &item.ExpiresAt
	}

	err = withRetry(ctx, maxRetries, retryBaseDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO agentcore_items (key, kind, data, fields, updated_at, expires_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6)
			ON CONFLICT (key) DO UPDATE SET
				kind = EXCLUDED.kind,
				data = EXCLUDED.data,
				fields = EXCLUDED.fields,
				updated_at = EXCLUDED.updated_at,
				expires_at = EXCLUDED.expires_at`,
			item.Key, item.Kind, item.Data, string(fields), item.UpdatedAt, expires,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("pgstore: store %s: %w", item.Key, err)
	}
	return nil
}

const itemColumns = `key, kind, data, fields, updated_at, expires_at`

func scanItem(row pgx.Row) (storage.Item, error) {
	var (
		it      storage.Item
		fields  []byte
		expires *time.Time
	)
	if err := row.Scan(&it.Key, &it.Kind, &it.Data, &fields, &it.UpdatedAt, &expires); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Item{}, storage.ErrNotFound
		}
		return storage.Item{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &it.Fields); err != nil {
			return storage.Item{}, fmt.Errorf("pgstore: decode fields: %w", err)
		}
		if len(it.Fields) == 0 {
			it.Fields = nil
		}
	}
	if expires != nil {
		it.ExpiresAt = *expires
	}
	return it, nil
}

func (s *Store) Retrieve(ctx context.Context, key string) (storage.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM agentcore_items
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Item{}, fmt.Errorf("pgstore: retrieve %s: %w", key, err)
	}
	return it, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := withRetry(ctx, maxRetries, retryBaseDelay, func() error {
		_, err := s.pool.Exec(ctx, `DELETE FROM agentcore_items WHERE key = $1`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agentcore_items`); err != nil {
		return fmt.Errorf("pgstore: clear: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, COUNT(*) FROM agentcore_items
		WHERE expires_at IS NULL OR expires_at > now()
		GROUP BY kind`)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("pgstore: stats: %w", err)
	}
	defer rows.Close()

	st := storage.Stats{Backend: "postgres", ByKind: make(map[string]int)}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return storage.Stats{}, err
		}
		st.ByKind[kind] = int(n)
		st.Items += int(n)
	}
	return st, rows.Err()
}

func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *Store) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agentcore_items WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("pgstore: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) FindOneByQuery(ctx context.Context, q storage.Query, opts storage.QueryOptions) (storage.Item, error) {
	fields := q.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	filter, err := json.Marshal(fields)
	if err != nil {
		return storage.Item{}, fmt.Errorf("pgstore: marshal query: %w", err)
	}

	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}
	args := []any{string(filter)}
	where := `fields @> $1::jsonb AND (expires_at IS NULL OR expires_at > now())`
	if q.Kind != "" {
		args = append(args, q.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	orderBy := "updated_at"
	if opts.SortBy != "" && opts.SortBy != storage.SortByUpdatedAt {
		args = append(args, opts.SortBy)
		orderBy = fmt.Sprintf("fields->>$%d", len(args))
	}

	sql := fmt.Sprintf(`SELECT %s FROM agentcore_items WHERE %s ORDER BY %s %s, key %s LIMIT 1`,
		itemColumns, where, orderBy, dir, dir)

	it, err := scanItem(s.pool.QueryRow(ctx, sql, args...))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Item{}, fmt.Errorf("pgstore: query: %w", err)
	}
	return it, err
}

func (s *Store) List(ctx context.Context, kind string) ([]storage.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM agentcore_items
		 WHERE kind = $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY updated_at ASC, key ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []storage.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
