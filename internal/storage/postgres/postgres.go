package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/echo/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresStore implements storage.Store
var _ storage.Store = (*postgresStore)(nil)

type postgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS echo_cache_entries (
	key TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS echo_cache_entries_created_at ON echo_cache_entries (created_at);
`

// New connects to Postgres and prepares the cache table.
func New(ctx context.Context, dsn string) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}

	return &postgresStore{pool: pool, now: time.Now}, nil
}

func (s *postgresStore) Save(ctx context.Context, e *storage.Entry) error {
	query := `
	INSERT INTO echo_cache_entries (key, payload, created_at, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (key) DO UPDATE SET
		payload = EXCLUDED.payload,
		created_at = EXCLUDED.created_at,
		expires_at = EXCLUDED.expires_at
	`

	_, err := s.pool.Exec(ctx, query, e.Key, e.Payload, e.CreatedAt, nullTime(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("postgres: save: %w", err)
	}
	return nil
}

func (s *postgresStore) Load(ctx context.Context, key string) (*storage.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, payload, created_at, expires_at FROM echo_cache_entries WHERE key = $1`, key)

	e, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load: %w", err)
	}
	if e.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (s *postgresStore) Query(ctx context.Context, filter storage.Filter) ([]*storage.Entry, error) {
	query := `SELECT key, payload, created_at, expires_at FROM echo_cache_entries WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}
	if !filter.IncludeExpired {
		query += fmt.Sprintf(` AND (expires_at IS NULL OR expires_at > $%d)`, paramCount)
		args = append(args, s.now())
		paramCount++
	}

	query += ` ORDER BY created_at DESC, key ASC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	var entries []*storage.Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	return entries, nil
}

func (s *postgresStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM echo_cache_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scan(row pgx.Row) (*storage.Entry, error) {
	var e storage.Entry
	var expires *time.Time
	if err := row.Scan(&e.Key, &e.Payload, &e.CreatedAt, &expires); err != nil {
		return nil, err
	}
	if expires != nil {
		e.ExpiresAt = *expires
	}
	return &e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
