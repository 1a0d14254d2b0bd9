// Package storage defines the persistence tier behind the results cache.
// Entries are opaque payloads addressed by a hashed key; no raw query text
// reaches a backend.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load for a missing or expired entry.
var ErrNotFound = errors.New("storage: entry not found")

// Entry is one cached payload.
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is no longer valid at now. A zero
// ExpiresAt never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Filter selects entries for listing. Results are ordered newest first.
type Filter struct {
	Since          *time.Time
	IncludeExpired bool
	Limit          int
	Offset         int
}

// Store is a cache persistence backend.
type Store interface {
	// Save inserts or replaces the entry with the same key.
	Save(ctx context.Context, e *Entry) error
	// Load returns the live entry for key or ErrNotFound.
	Load(ctx context.Context, key string) (*Entry, error)
	// Query lists entries matching the filter.
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
	// Purge deletes entries that expired at or before the given instant and
	// returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Window applies Offset and Limit to an already ordered slice.
func (f Filter) Window(entries []*Entry) []*Entry {
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return nil
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries
}
