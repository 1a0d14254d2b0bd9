// Package cache memoises finished query results. Reads never lock: they load
// an immutable snapshot map that writers replace wholesale.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/FranksOps/echo/internal/metrics"
	"github.com/FranksOps/echo/internal/social"
	"github.com/FranksOps/echo/internal/storage"
	"github.com/FranksOps/echo/internal/stream"
	"github.com/FranksOps/echo/internal/textutil"
)

// DefaultTTL bounds how long a result is served from the cache.
const DefaultTTL = 5 * time.Minute

// Value is one cached query result. Posts are ranked and enhanced.
type Value struct {
	Intent          social.QueryIntent `json:"intent"`
	Posts           []*social.Post     `json:"posts"`
	TotalCandidates int                `json:"total_candidates"`
	// Sources are replayed as source_results events on a hit.
	Sources []stream.SourceResults `json:"sources,omitempty"`
	// Partial marks a result built while a source was unavailable. Set
	// does not keep partial values.
	Partial bool `json:"partial,omitempty"`
}

func (v Value) clone() Value {
	out := v
	out.Intent.Keywords = append([]string(nil), v.Intent.Keywords...)
	out.Intent.Platforms = append([]social.Source(nil), v.Intent.Platforms...)
	out.Sources = append([]stream.SourceResults(nil), v.Sources...)
	out.Posts = make([]*social.Post, len(v.Posts))
	for i, p := range v.Posts {
		out.Posts[i] = p.Clone()
	}
	return out
}

// Key derives the cache key for a query and its filters. Queries that differ
// only in case or spacing share a key. The raw text is never stored.
func Key(query string, f social.Filters) string {
	var b strings.Builder
	b.WriteString(textutil.Normalize(query))
	b.WriteString("\x00")
	for _, p := range social.OrderPlatforms(f.Platforms) {
		b.WriteString(string(p))
		b.WriteString(",")
	}
	b.WriteString("\x00")
	b.WriteString(string(f.TimeRange))
	b.WriteString("\x00")
	if f.MinEngagement != nil {
		b.WriteString(strconv.FormatFloat(*f.MinEngagement, 'g', -1, 64))
	}
	b.WriteString("\x00")
	if f.Sentiment != nil {
		b.WriteString(string(*f.Sentiment))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Config tunes a Cache.
type Config struct {
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// SweepInterval is the period of the background eviction sweep.
	// Defaults to TTL.
	SweepInterval time.Duration
	// Store is an optional second tier consulted on memory misses.
	Store  storage.Store
	Logger *slog.Logger
	Now    func() time.Time
}

type item struct {
	value   Value
	expires time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Cache is safe for concurrent use.
type Cache struct {
	snap  atomic.Pointer[map[string]*item]
	mu    sync.Mutex // serialises writers
	group singleflight.Group

	ttl    time.Duration
	sweep  time.Duration
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	hits, misses atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns an empty cache. Call Start to run the background sweep.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{
		ttl:    cfg.TTL,
		sweep:  cfg.SweepInterval,
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
		stop:   make(chan struct{}),
	}
	empty := map[string]*item{}
	c.snap.Store(&empty)
	return c
}

// Get returns a copy of the live value for key.
func (c *Cache) Get(ctx context.Context, key string) (Value, bool) {
	if it, ok := (*c.snap.Load())[key]; ok && c.now().Before(it.expires) {
		c.hits.Add(1)
		metrics.CacheRequestsTotal.WithLabelValues("memory", "hit").Inc()
		return it.value.clone(), true
	}
	metrics.CacheRequestsTotal.WithLabelValues("memory", "miss").Inc()

	if c.store == nil {
		c.misses.Add(1)
		return Value{}, false
	}

	// Concurrent misses for one key share a single store read.
	res, err, _ := c.group.Do("store:"+key, func() (any, error) {
		return c.loadStore(ctx, key)
	})
	if err != nil {
		c.misses.Add(1)
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("cache store read failed", "err", err)
		}
		metrics.CacheRequestsTotal.WithLabelValues("store", "miss").Inc()
		return Value{}, false
	}
	c.hits.Add(1)
	metrics.CacheRequestsTotal.WithLabelValues("store", "hit").Inc()
	return res.(Value).clone(), true
}

func (c *Cache) loadStore(ctx context.Context, key string) (Value, error) {
	e, err := c.store.Load(ctx, key)
	if err != nil {
		return Value{}, err
	}
	var v Value
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return Value{}, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	expires := e.ExpiresAt
	if expires.IsZero() || expires.After(c.now().Add(c.ttl)) {
		expires = c.now().Add(c.ttl)
	}
	c.put(key, v, expires)
	return v, nil
}

// Set stores a copy of v under key in memory and, when configured, in the
// store. Store failures are logged; the cache stays usable without it.
func (c *Cache) Set(ctx context.Context, key string, v Value) {
	if v.Partial {
		return
	}
	now := c.now()
	v = v.clone()
	c.put(key, v, now.Add(c.ttl))

	if c.store == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", "err", err)
		return
	}
	e := &storage.Entry{Key: key, Payload: payload, CreatedAt: now, ExpiresAt: now.Add(c.ttl)}
	if err := c.store.Save(ctx, e); err != nil {
		c.logger.Warn("cache store write failed", "err", err)
	}
}

// GetOrLoad returns the cached value for key, or runs load once for all
// concurrent callers of the same key. cached is false only for the caller
// whose load produced the value. A failed or partial shared load is retried
// by each waiting caller with its own context, since neither was kept.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (Value, error)) (v Value, cached bool, err error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, true, nil
	}

	leader := false
	res, err, _ := c.group.Do("load:"+key, func() (any, error) {
		leader = true
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, v)
		return v, nil
	})
	if leader {
		if err != nil {
			return Value{}, false, err
		}
		return res.(Value), false, nil
	}
	if err != nil || res.(Value).Partial {
		v, err := load(ctx)
		if err != nil {
			return Value{}, false, err
		}
		c.Set(ctx, key, v)
		return v, false, nil
	}
	return res.(Value).clone(), true, nil
}

// Delete removes key from memory. The store entry expires on its own.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.snap.Load()
	if _, ok := cur[key]; !ok {
		return
	}
	next := maps.Clone(cur)
	delete(next, key)
	c.snap.Store(&next)
}

// Sweep evicts expired entries from memory and returns how many went.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.snap.Load()
	next := make(map[string]*item, len(cur))
	for k, it := range cur {
		if now.Before(it.expires) {
			next[k] = it
		}
	}
	removed := len(cur) - len(next)
	if removed > 0 {
		c.snap.Store(&next)
	}
	return removed
}

// Start runs the periodic sweep until ctx ends or Close is called. Each tick
// also purges expired store entries.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				n := c.Sweep()
				if c.store != nil {
					purged, err := c.store.Purge(ctx, c.now())
					if err != nil {
						c.logger.Warn("cache store purge failed", "err", err)
					}
					n += purged
				}
				if n > 0 {
					c.logger.Debug("cache sweep", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweep. It does not close the store.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Stats reports the current entry count and lookup totals.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries: len(*c.snap.Load()),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func (c *Cache) put(key string, v Value, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.snap.Load()
	next := make(map[string]*item, len(cur)+1)
	maps.Copy(next, cur)
	next[key] = &item{value: v, expires: expires}
	c.snap.Store(&next)
}
