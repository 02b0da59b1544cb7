package insight

import (
	"context"
	"crypto/sha1" //nolint:gosec // cache key digest, not a security boundary
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/carbonsight/pkg/analytics"
	"golang.org/x/sync/singleflight"
)

// CacheObserver is notified of cache hits and misses.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

type cacheEntry[T any] struct {
	org string
	val T
	exp time.Time
}

// seriesCache is a read-through TTL cache of immutable snapshots. Entries are
// indexed by organization so ingestion can drop them wholesale.
type seriesCache[T any] struct {
	mu     sync.RWMutex
	m      map[string]cacheEntry[T]
	byOrg  map[string]map[string]struct{}
	gen    map[string]uint64 // Bumped by invalidate; stale loads are not stored
	ttl    time.Duration
	obs    CacheObserver
	now    func() time.Time
	flight singleflight.Group
}

func newSeriesCache[T any](ttl time.Duration, obs CacheObserver) *seriesCache[T] {
	return &seriesCache[T]{
		m:     make(map[string]cacheEntry[T]),
		byOrg: make(map[string]map[string]struct{}),
		gen:   make(map[string]uint64),
		ttl:   ttl,
		obs:   obs,
		now:   time.Now,
	}
}

func (c *seriesCache[T]) get(key string) (T, bool) {
	v, ok := c.lookup(key)
	if c.obs != nil {
		if ok {
			c.obs.CacheHit()
		} else {
			c.obs.CacheMiss()
		}
	}
	return v, ok
}

func (c *seriesCache[T]) lookup(key string) (T, bool) {
	var zero T
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.exp) {
		return zero, false
	}
	return e.val, true
}

func (c *seriesCache[T]) generation(org string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen[org]
}

// set stores v unless org was invalidated after generation gen was read.
func (c *seriesCache[T]) set(org, key string, gen uint64, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[org] != gen {
		return
	}
	c.m[key] = cacheEntry[T]{org: org, val: v, exp: c.now().Add(c.ttl)}
	keys, ok := c.byOrg[org]
	if !ok {
		keys = make(map[string]struct{})
		c.byOrg[org] = keys
	}
	keys[key] = struct{}{}
}

// getOrLoad returns the cached value for key or runs load once for all
// concurrent callers. The shared load runs detached from any one caller's
// cancellation; each caller stops waiting when its own ctx is done. Failed
// loads are not cached.
func (c *seriesCache[T]) getOrLoad(ctx context.Context, org, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := c.get(key); ok {
		return v, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		// A load that finished between get and DoChan has already stored the value.
		if val, ok := c.lookup(key); ok {
			return val, nil
		}
		gen := c.generation(org)
		val, err := load(shared)
		if err != nil {
			return nil, err
		}
		c.set(org, key, gen, val)
		return val, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// invalidate drops every entry belonging to org and returns how many.
func (c *seriesCache[T]) invalidate(org string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byOrg[org]
	for k := range keys {
		delete(c.m, k)
	}
	delete(c.byOrg, org)
	c.gen[org]++
	return len(keys)
}

// sweep removes expired entries and returns how many were removed.
func (c *seriesCache[T]) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.m {
		if now.After(e.exp) {
			delete(c.m, k)
			if keys := c.byOrg[e.org]; keys != nil {
				delete(keys, k)
				if len(keys) == 0 {
					delete(c.byOrg, e.org)
				}
			}
			removed++
		}
	}
	return removed
}

func (c *seriesCache[T]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// seriesKey digests the identity of an aggregated series request.
func seriesKey(org string, metric analytics.Metric, dim analytics.Dimension, tf analytics.TimeFrame, period analytics.Period, filters []analytics.Filter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f.Tag+"="+f.Value)
	}
	slices.Sort(parts)

	h := sha1.New() //nolint:gosec // see import
	for _, s := range []string{
		org, string(metric), string(dim), string(tf),
		period.Start.UTC().Format(time.RFC3339Nano),
		period.End.UTC().Format(time.RFC3339Nano),
		strings.Join(parts, "&"),
	} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
