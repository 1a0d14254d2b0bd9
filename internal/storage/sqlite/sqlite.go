package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/echo/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteStore implements storage.Store
var _ storage.Store = (*sqliteStore)(nil)

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Times are unix milliseconds so range predicates compare numerically.
// expires_at 0 means the entry never expires.
const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_entries_created_at ON cache_entries (created_at);
`

// New opens (or creates) a SQLite-backed storage.Store.
func New(dsn string) (storage.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &sqliteStore{db: db, now: time.Now}, nil
}

func (s *sqliteStore) Save(ctx context.Context, e *storage.Entry) error {
	query := `
	INSERT INTO cache_entries (key, payload, created_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		payload = excluded.payload,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query, e.Key, e.Payload, millis(e.CreatedAt), millis(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("sqlite: save: %w", err)
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context, key string) (*storage.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, payload, created_at, expires_at FROM cache_entries WHERE key = ?`, key)

	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load: %w", err)
	}
	if e.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (s *sqliteStore) Query(ctx context.Context, filter storage.Filter) ([]*storage.Entry, error) {
	query := `SELECT key, payload, created_at, expires_at FROM cache_entries WHERE 1=1`
	args := []any{}

	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, millis(*filter.Since))
	}
	if !filter.IncludeExpired {
		query += ` AND (expires_at = 0 OR expires_at > ?)`
		args = append(args, millis(s.now()))
	}

	query += ` ORDER BY created_at DESC, key ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var entries []*storage.Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	return entries, nil
}

func (s *sqliteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <> 0 AND expires_at <= ?`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*storage.Entry, error) {
	var e storage.Entry
	var created, expires int64
	if err := row.Scan(&e.Key, &e.Payload, &created, &expires); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	if expires != 0 {
		e.ExpiresAt = time.UnixMilli(expires).UTC()
	}
	return &e, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
