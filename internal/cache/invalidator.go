package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TailReader reports the newest ingested block time. The warehouse pool
// satisfies it through a thin adapter in the gateway wiring.
type TailReader interface {
	MaxBlockTime(ctx context.Context) (time.Time, error)
}

// Invalidator watches the warehouse tail and drops freshness-sensitive
// entries when new data lands. Ingest is append-only, so only keys whose
// name carries a "date" or "recent" marker can go stale; everything else
// ages out through its TTL.
type Invalidator struct {
	cache    *TwoTier
	tail     TailReader
	interval time.Duration
	logger   zerolog.Logger

	maxBlockTime atomic.Int64 // unix nanos of the last seen tail
	runs         atomic.Uint64
	invalidated  atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// NewInvalidator builds the ticker; Start launches it.
func NewInvalidator(cache *TwoTier, tail TailReader, interval time.Duration, logger zerolog.Logger) *Invalidator {
	return &Invalidator{
		cache:    cache,
		tail:     tail,
		interval: interval,
		logger:   logger.With().Str("component", "cache-invalidator").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the ticker until Stop is called.
func (inv *Invalidator) Start() {
	go func() {
		defer close(inv.done)
		t := time.NewTicker(inv.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				inv.RunOnce(context.Background())
			case <-inv.stop:
				return
			}
		}
	}()
}

// Stop halts the ticker and waits for the in-flight sweep.
func (inv *Invalidator) Stop() {
	close(inv.stop)
	<-inv.done
}

// RunOnce performs one tail check and, when the tail advanced, one sweep.
// Exposed for tests and for a warm-up call at boot.
func (inv *Invalidator) RunOnce(ctx context.Context) {
	inv.runs.Add(1)
	tail, err := inv.tail.MaxBlockTime(ctx)
	if err != nil {
		inv.logger.Warn().Err(err).Msg("tail probe failed, skipping sweep")
		return
	}

	prev := inv.maxBlockTime.Load()
	if tail.UnixNano() <= prev {
		return
	}
	inv.maxBlockTime.Store(tail.UnixNano())
	if prev == 0 {
		// First observation establishes the baseline; nothing was stale
		// before we started watching.
		return
	}

	n := inv.sweep(ctx)
	inv.invalidated.Add(uint64(n))
	inv.logger.Info().Int("keys", n).Time("tail", tail).Msg("invalidated freshness-sensitive entries")
}

func (inv *Invalidator) sweep(ctx context.Context) int {
	inv.cache.tier1.purge(staleKey)

	keys, err := inv.cache.tier2.Keys(ctx, "cache:*")
	if err != nil {
		inv.cache.tier2Errors.Add(1)
		inv.logger.Warn().Err(err).Msg("tier-2 key scan failed")
		return 0
	}
	var stale []string
	for _, k := range keys {
		if staleKey(k) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0
	}
	if err := inv.cache.tier2.Del(ctx, stale...); err != nil {
		inv.cache.tier2Errors.Add(1)
		inv.logger.Warn().Err(err).Msg("tier-2 delete failed")
		return 0
	}
	return len(stale)
}

func staleKey(key string) bool {
	return strings.Contains(key, "date") || strings.Contains(key, "recent")
}

// Runs reports completed ticker iterations.
func (inv *Invalidator) Runs() uint64 { return inv.runs.Load() }

// Invalidated reports the total number of deleted tier-2 keys.
func (inv *Invalidator) Invalidated() uint64 { return inv.invalidated.Load() }
