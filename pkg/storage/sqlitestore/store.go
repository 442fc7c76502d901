// Package sqlitestore implements storage.Adapter on SQLite (mattn/go-sqlite3)
// in WAL mode. Indexed fields live in a side table so FindOneByQuery can
// filter and sort on them.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/pkg/storage"
)

// Store is a SQLite-backed storage.Adapter.
type Store struct {
	db *sql.DB
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Querier = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

// Open opens (or creates) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlitestore: database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("SQLite store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			data BLOB,
			fields TEXT,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind, updated_at);
		CREATE INDEX IF NOT EXISTS idx_items_expires ON items(expires_at);

		CREATE TABLE IF NOT EXISTS item_fields (
			item_key TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (item_key, name)
		);
		CREATE INDEX IF NOT EXISTS idx_item_fields_lookup ON item_fields(name, value);
	`)
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Store) Store(ctx context.Context, item storage.Item) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO items (key, kind, data, fields, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			data = excluded.data,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		item.Key, item.Kind, item.Data, string(fields), toMillis(item.UpdatedAt), toMillis(item.ExpiresAt),
	); err != nil {
		return fmt.Errorf("sqlitestore: upsert %s: %w", item.Key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM item_fields WHERE item_key = ?`, item.Key); err != nil {
		return fmt.Errorf("sqlitestore: reset fields: %w", err)
	}
	for name, value := range item.Fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_fields (item_key, name, value) VALUES (?, ?, ?)`,
			item.Key, name, value,
		); err != nil {
			return fmt.Errorf("sqlitestore: insert field %s: %w", name, err)
		}
	}

	return tx.Commit()
}

const itemColumns = `i.key, i.kind, i.data, i.fields, i.updated_at, i.expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (storage.Item, error) {
	var (
		it      storage.Item
		fields  sql.NullString
		updated int64
		expires int64
	)
	if err := row.Scan(&it.Key, &it.Kind, &it.Data, &fields, &updated, &expires); err != nil {
		return storage.Item{}, err
	}
	if fields.Valid && fields.String != "" && fields.String != "null" {
		if err := json.Unmarshal([]byte(fields.String), &it.Fields); err != nil {
			return storage.Item{}, fmt.Errorf("sqlitestore: decode fields: %w", err)
		}
	}
	it.UpdatedAt = fromMillis(updated)
	it.ExpiresAt = fromMillis(expires)
	return it, nil
}

func (s *Store) Retrieve(ctx context.Context, key string) (storage.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items i WHERE i.key = ? AND (i.expires_at = 0 OR i.expires_at > ?)`,
		key, time.Now().UnixMilli(),
	)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Item{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Item{}, fmt.Errorf("sqlitestore: retrieve %s: %w", key, err)
	}
	return it, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM item_fields WHERE item_key = ?`, key); err != nil {
		return fmt.Errorf("sqlitestore: delete fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM item_fields; DELETE FROM items;`); err != nil {
		return fmt.Errorf("sqlitestore: clear: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM items WHERE expires_at = 0 OR expires_at > ? GROUP BY kind`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("sqlitestore: stats: %w", err)
	}
	defer rows.Close()

	st := storage.Stats{Backend: "sqlite", ByKind: make(map[string]int)}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return storage.Stats{}, err
		}
		st.ByKind[kind] = n
		st.Items += n
	}
	return st, rows.Err()
}

func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *Store) Cleanup(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM item_fields WHERE item_key IN (
			SELECT key FROM items WHERE expires_at != 0 AND expires_at <= ?
		)`, now); err != nil {
		return 0, fmt.Errorf("sqlitestore: cleanup fields: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (s *Store) FindOneByQuery(ctx context.Context, q storage.Query, opts storage.QueryOptions) (storage.Item, error) {
	var (
		joins []string
		args  []any
	)
	i := 0
	for name, value := range q.Fields {
		alias := fmt.Sprintf("f%d", i)
		joins = append(joins, fmt.Sprintf(
			"JOIN item_fields %[1]s ON %[1]s.item_key = i.key AND %[1]s.name = ? AND %[1]s.value = ?", alias))
		args = append(args, name, value)
		i++
	}

	orderCol := "i.updated_at"
	if opts.SortBy != "" && opts.SortBy != storage.SortByUpdatedAt {
		joins = append(joins, "LEFT JOIN item_fields s ON s.item_key = i.key AND s.name = ?")
		args = append(args, opts.SortBy)
		orderCol = "s.value"
	}
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}

	where := []string{"(i.expires_at = 0 OR i.expires_at > ?)"}
	args = append(args, time.Now().UnixMilli())
	if q.Kind != "" {
		where = append(where, "i.kind = ?")
		args = append(args, q.Kind)
	}

	query := fmt.Sprintf(`SELECT %s FROM items i %s WHERE %s ORDER BY %s %s, i.key %s LIMIT 1`,
		itemColumns, strings.Join(joins, " "), strings.Join(where, " AND "), orderCol, dir, dir)

	it, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Item{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Item{}, fmt.Errorf("sqlitestore: query: %w", err)
	}
	return it, nil
}

func (s *Store) List(ctx context.Context, kind string) ([]storage.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i
		 WHERE i.kind = ? AND (i.expires_at = 0 OR i.expires_at > ?)
		 ORDER BY i.updated_at ASC, i.key ASC`,
		kind, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", kind, err)
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

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
