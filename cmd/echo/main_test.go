package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/echo/internal/config"
	"github.com/FranksOps/echo/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCacheCommandsNeedStore(t *testing.T) {
	t.Setenv("ECHO_CACHE_BACKEND", "memory")
	_, err := run(t, "cache", "list")
	assert.ErrorIs(t, err, errNoStore)
}

func TestCacheListAndPurge(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	t.Setenv("ECHO_CACHE_BACKEND", "sqlite")
	t.Setenv("ECHO_CACHE_DSN", dsn)

	store, err := openStore(context.Background(), config.CacheConfig{Backend: "sqlite", DSN: dsn})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.Save(context.Background(), &storage.Entry{
		Key:       "0123456789abcdef",
		Payload:   []byte(`{"intent":{"keywords":["go","generics"]},"posts":[{},{}]}`),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Save(context.Background(), &storage.Entry{
		Key:       "stale",
		Payload:   []byte(`{}`),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.Close())

	out, err := run(t, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0123456789ab")
	assert.Contains(t, out, "go, generics")
	assert.NotContains(t, out, "stale")

	out, err = run(t, "cache", "purge")
	require.NoError(t, err)
	assert.Equal(t, "purged 1 entries\n", out)
}

func TestInvalidConfigFailsEarly(t *testing.T) {
	t.Setenv("ECHO_LOG_FORMAT", "xml")
	_, err := run(t, "cache", "list")
	assert.ErrorIs(t, err, config.ErrInvalidFormat)
}

func TestQueryRejectsBadFlags(t *testing.T) {
	_, err := run(t, "query", "--platform", "myspace", "anything")
	assert.Error(t, err)

	_, err = run(t, "query", "--format", "yaml", "anything")
	assert.ErrorContains(t, err, "unknown format")
}

func TestOpenStoreMemory(t *testing.T) {
	s, err := openStore(context.Background(), config.CacheConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = openStore(context.Background(), config.CacheConfig{Backend: "mongo"})
	assert.ErrorIs(t, err, config.ErrInvalidBackend)
}
