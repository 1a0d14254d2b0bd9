package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/FranksOps/echo/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewWithClient(client, "test")
	s.now = func() time.Time { return base }
	return s, mr
}

func TestSaveLoadTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	e := &storage.Entry{Key: "k1", Payload: []byte(`{"a":1}`), CreatedAt: base, ExpiresAt: base.Add(time.Minute)}
	if err := s.Save(ctx, e); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "k1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.Payload) != `{"a":1}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
	if ttl := mr.TTL("test:entry:k1"); ttl != time.Minute {
		t.Fatalf("expected 1m TTL, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.Load(ctx, "k1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestSaveExpiredEntryRemovesIt(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &storage.Entry{Key: "k", Payload: []byte("x"), CreatedAt: base}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, &storage.Entry{Key: "k", Payload: []byte("y"), CreatedAt: base, ExpiresAt: base.Add(-time.Second)}); err != nil {
		t.Fatalf("Save expired: %v", err)
	}
	if mr.Exists("test:entry:k") {
		t.Fatalf("expected expired save to delete the record")
	}
}

func TestQueryAndPurge(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i, key := range []string{"old", "mid", "new"} {
		e := &storage.Entry{
			Key:       key,
			Payload:   []byte(key),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			ExpiresAt: base.Add(time.Duration(i+1) * 10 * time.Minute),
		}
		if err := s.Save(ctx, e); err != nil {
			t.Fatalf("Save %s: %v", key, err)
		}
	}

	all, err := s.Query(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 || all[0].Key != "new" || all[2].Key != "old" {
		t.Fatalf("unexpected order: %+v", all)
	}

	since := base.Add(time.Minute)
	recent, err := s.Query(ctx, storage.Filter{Since: &since, Limit: 1})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(recent) != 1 || recent[0].Key != "new" {
		t.Fatalf("unexpected recent entries: %+v", recent)
	}

	// "old" expires at +10m and leaves a dangling index member.
	mr.FastForward(15 * time.Minute)
	n, err := s.Purge(ctx, base.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged member, got %d", n)
	}
	members, err := mr.ZMembers("test:index")
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 index members, got %v", members)
	}
}
