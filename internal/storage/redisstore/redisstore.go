// Package redisstore keeps cache entries in Redis with native key expiry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/FranksOps/echo/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "echo:cache"

var _ storage.Store = (*Store)(nil)

// Store persists entries as JSON records. A sorted set indexed by creation
// time backs listing; members whose record has expired are dropped lazily.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
	now    func() time.Time
}

type record struct {
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// New connects to the Redis server at url (redis:// or rediss://).
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	s := NewWithClient(client, DefaultPrefix)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) entryKey(key string) string { return s.prefix + ":entry:" + key }
func (s *Store) indexKey() string          { return s.prefix + ":index" }

func (s *Store) Save(ctx context.Context, e *storage.Entry) error {
	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.remove(ctx, e.Key)
		}
	}

	data, err := json.Marshal(record{Payload: e.Payload, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt})
	if err != nil {
		return fmt.Errorf("redisstore: encode: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.entryKey(e.Key), data, ttl)
		p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) (*storage.Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load: %w", err)
	}
	e, err := decode(key, data)
	if err != nil {
		return nil, err
	}
	if e.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

// Query lists live entries. Redis drops expired records itself, so
// IncludeExpired only matters for records whose deadline passed between
// Redis expiry ticks.
func (s *Store) Query(ctx context.Context, filter storage.Filter) ([]*storage.Entry, error) {
	lo := "-inf"
	if filter.Since != nil {
		lo = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	keys, err := s.client.ZRevRangeByScore(ctx, s.indexKey(), &goredis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	entryKeys := make([]string, len(keys))
	for i, k := range keys {
		entryKeys[i] = s.entryKey(k)
	}
	values, err := s.client.MGet(ctx, entryKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: query: %w", err)
	}

	now := s.now()
	var entries []*storage.Entry
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decode(keys[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		if !filter.IncludeExpired && e.Expired(now) {
			continue
		}
		entries = append(entries, e)
	}
	return filter.Window(entries), nil
}

// Purge drops index members whose record is gone or expired at before and
// returns how many were removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list index: %w", err)
	}

	removed := 0
	for _, key := range keys {
		data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return removed, fmt.Errorf("redisstore: purge: %w", err)
		}
		if err == nil {
			e, derr := decode(key, data)
			if derr == nil && !e.Expired(before) {
				continue
			}
		}
		if err := s.remove(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close closes the client if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) remove(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.entryKey(key))
		p.ZRem(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	return nil
}

func decode(key string, data []byte) (*storage.Entry, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return &storage.Entry{Key: key, Payload: r.Payload, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt}, nil
}
