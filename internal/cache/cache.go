// Package cache layers a per-process LRU over the shared TTL store. Reads
// fall through tier-1 to tier-2 and re-warm tier-1; writes land in tier-1
// synchronously and reach tier-2 asynchronously so the response path never
// waits on the network. Tier-2 failures degrade to misses, never to errors.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/query"
	"github.com/nethalo/sologate/internal/store"
	"github.com/nethalo/sologate/internal/worker"
)

// GenerateKey builds the canonical cache key for an operation and its
// parameters. Maps serialize with sorted keys, so semantically equal
// parameter sets always hash identically.
func GenerateKey(prefix string, params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		// Params are plain data; marshal only fails on exotic types, which
		// would be a programming error. Key on the prefix alone.
		raw = nil
	}
	return "cache:" + prefix + ":" + query.HashBase36(string(raw))
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Tier1Hits   uint64
	Tier2Hits   uint64
	Misses      uint64
	Evictions   uint64
	Tier2Errors uint64
	Tier1Size   int
}

// TwoTier is the read-path result cache.
type TwoTier struct {
	tier1  *lru
	tier2  store.Store
	async  *worker.Pool
	cfg    config.Cache
	logger zerolog.Logger

	tier1Hits   atomic.Uint64
	tier2Hits   atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	tier2Errors atomic.Uint64
}

// New builds the cache. The worker pool is shared with other fire-and-forget
// producers and is owned by the caller.
func New(cfg config.Cache, tier2 store.Store, async *worker.Pool, logger zerolog.Logger) *TwoTier {
	return &TwoTier{
		tier1:  newLRU(cfg.MemoryMax, cfg.MemoryTTL),
		tier2:  tier2,
		async:  async,
		cfg:    cfg,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Get reads through both tiers. A tier-2 hit re-warms tier-1.
func (c *TwoTier) Get(ctx context.Context, key string) (string, bool) {
	if v, ok := c.tier1.get(key); ok {
		c.tier1Hits.Add(1)
		return v, true
	}
	v, err := c.tier2.Get(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			c.tier2Errors.Add(1)
			c.logger.Warn().Err(err).Msg("tier-2 read failed, treating as miss")
		}
		c.misses.Add(1)
		return "", false
	}
	c.tier2Hits.Add(1)
	if c.tier1.set(key, v) {
		c.evictions.Add(1)
	}
	return v, true
}

// Set writes tier-1 synchronously and schedules the tier-2 write. The ttl
// applies to tier-2 only; tier-1 entries live under their own short max age.
func (c *TwoTier) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.tier1.set(key, value) {
		c.evictions.Add(1)
	}
	c.async.Submit(func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.tier2.SetEx(wctx, key, value, ttl); err != nil {
			c.tier2Errors.Add(1)
			c.logger.Warn().Err(err).Str("key", key).Msg("tier-2 write failed")
		}
	})
}

// Del removes a key from tier-1 synchronously and tier-2 best-effort.
func (c *TwoTier) Del(ctx context.Context, key string) {
	c.tier1.del(key)
	c.async.Submit(func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.tier2.Del(wctx, key); err != nil {
			c.tier2Errors.Add(1)
		}
	})
}

// TTLFor selects the tier-2 TTL for a result. First match wins: hot keys
// (more than five tier-1 reads), aggregations, ranges ending inside the last
// 24 h, then the historical default.
func (c *TwoTier) TTLFor(key string, isAggregation bool, dateRange *query.DateRange) time.Duration {
	switch {
	case c.tier1.hits(key) > 5:
		return c.cfg.HotTTL
	case isAggregation:
		return c.cfg.AggregationTTL
	case dateRange == nil || dateRange.EndsWithin(24*time.Hour, time.Now()):
		return c.cfg.RecentTTL
	default:
		return c.cfg.HistoricalTTL
	}
}

// Stats snapshots the counters.
func (c *TwoTier) Stats() Stats {
	return Stats{
		Tier1Hits:   c.tier1Hits.Load(),
		Tier2Hits:   c.tier2Hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Tier2Errors: c.tier2Errors.Load(),
		Tier1Size:   c.tier1.len(),
	}
}
