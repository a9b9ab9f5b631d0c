// Package admission implements the sliding-window rate limiter in front of
// the orchestrator. Counters live in the shared TTL store so every gateway
// process sees the same window; a store outage fails open, never closed.
package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/store"
)

// Profile selects what the window counts.
type Profile string

const (
	// ProfilePlan counts requests against the plan tier limit.
	ProfilePlan Profile = "plan"
	// ProfileCost accumulates complexity scores against a cost budget.
	ProfileCost Profile = "cost"
)

// costTiers maps cost-profile tier names to their per-window budget.
var costTiers = map[string]int64{
	"cost50":   50,
	"cost100":  100,
	"cost200":  200,
	"cost500":  500,
	"cost1000": 1000,
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Tier       string
	Limit      int64
	Used       int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Headers renders the decision as transport headers.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(d.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(d.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(d.Reset.Unix(), 10),
	}
	if !d.Allowed {
		h["Retry-After"] = strconv.Itoa(int(d.RetryAfter.Seconds() + 0.5))
	}
	return h
}

// Err converts a denial into the typed error the envelope surfaces.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Newf(apperr.CodeRateLimited, "rate limit exceeded for tier %s", d.Tier).
		WithExtension("limit", d.Limit).
		WithExtension("used", d.Used).
		WithExtension("tier", d.Tier).
		WithExtension("retryAfterSeconds", int(d.RetryAfter.Seconds()+0.5))
}

// Limiter admits or denies requests per identity.
type Limiter struct {
	store  store.Store
	cfg    config.RateLimit
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a limiter over the shared TTL store.
func New(st store.Store, cfg config.RateLimit, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:  st,
		cfg:    cfg,
		logger: logger.With().Str("component", "admission").Logger(),
		now:    time.Now,
	}
}

func (l *Limiter) limitFor(tier string) int64 {
	if Profile(l.cfg.Profile) == ProfileCost {
		if budget, ok := costTiers[tier]; ok {
			return budget
		}
		return costTiers["cost50"]
	}
	return l.cfg.PlanLimit(tier)
}

// Check admits a request of the given cost for an identity. Plan-profile
// callers pass cost 1; cost-profile callers pass the complexity score
// rounded up. The counter window starts on the first increment.
func (l *Limiter) Check(ctx context.Context, identity, tier string, cost int64) Decision {
	limit := l.limitFor(tier)
	if !l.cfg.Enabled {
		return Decision{Allowed: true, Tier: tier, Limit: limit, Remaining: limit,
			Reset: l.now().Add(l.cfg.Window)}
	}
	if cost < 1 {
		cost = 1
	}
	key := "ratelimit:" + identity

	used, err := l.currentUsage(ctx, key)
	if err != nil {
		// The window is advisory; an unreachable store must not take the
		// read path down with it.
		l.logger.Warn().Err(err).Str("identity", identity).Msg("limiter store unavailable, failing open")
		return Decision{Allowed: true, Tier: tier, Limit: limit, Remaining: limit,
			Reset: l.now().Add(l.cfg.Window)}
	}

	reset := l.windowEnd(ctx, key)
	if used+cost > limit {
		return Decision{
			Allowed:    false,
			Tier:       tier,
			Limit:      limit,
			Used:       used,
			Remaining:  max64(0, limit-used),
			Reset:      reset,
			RetryAfter: reset.Sub(l.now()),
		}
	}

	total, err := l.store.IncrBy(ctx, key, cost)
	if err != nil {
		l.logger.Warn().Err(err).Str("identity", identity).Msg("limiter increment failed, failing open")
		return Decision{Allowed: true, Tier: tier, Limit: limit, Remaining: max64(0, limit-used),
			Reset: reset}
	}
	if total == cost {
		// First hit in a fresh window; give the counter its lifetime.
		if err := l.store.Expire(ctx, key, l.cfg.Window); err != nil {
			l.logger.Warn().Err(err).Str("identity", identity).Msg("limiter expire failed")
		}
		reset = l.now().Add(l.cfg.Window)
	}
	return Decision{
		Allowed:   true,
		Tier:      tier,
		Limit:     limit,
		Used:      total,
		Remaining: max64(0, limit-total),
		Reset:     reset,
	}
}

func (l *Limiter) currentUsage(ctx context.Context, key string) (int64, error) {
	v, err := l.store.Get(ctx, key)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil // corrupt counter resets the window
	}
	return n, nil
}

func (l *Limiter) windowEnd(ctx context.Context, key string) time.Time {
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl < 0 {
		return l.now().Add(l.cfg.Window)
	}
	return l.now().Add(ttl)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
