// Package gateway orchestrates one analytical request end to end: validate,
// estimate, admit, consult the cache, compile, execute, page, cache. Every
// step failure surfaces as a typed error; nothing on the response path waits
// on tier-2 writes or logging.
package gateway

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/admission"
	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/cache"
	"github.com/nethalo/sologate/internal/complexity"
	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/query"
	"github.com/nethalo/sologate/internal/security"
	"github.com/nethalo/sologate/internal/warehouse"
)

// passthroughTimeout bounds validated raw SQL.
const passthroughTimeout = 30 * time.Second

// passthroughLimit is injected into raw SQL that carries no LIMIT.
const passthroughLimit = 1000

// paginationThreshold is the row estimate above which a scan must page.
const paginationThreshold = 10_000

// Warehouse is the query surface the orchestrator needs from the pool.
type Warehouse interface {
	Query(ctx context.Context, sql string, params map[string]string, timeout time.Duration) ([]warehouse.Row, error)
}

// Estimator predicts request cost.
type Estimator interface {
	Calculate(ctx context.Context, s *query.Spec) (*complexity.Record, error)
}

// Admitter rate-limits identities.
type Admitter interface {
	Check(ctx context.Context, identity, tier string, cost int64) admission.Decision
}

// ResultCache is the two-tier result cache surface.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	TTLFor(key string, isAggregation bool, dateRange *query.DateRange) time.Duration
}

// Request is one inbound read.
type Request struct {
	Spec     *query.Spec
	Identity string // plan id or client address
	Tier     string // plan tier ("free", "x402", "enterprise") or cost tier
}

// Result is the successful outcome.
type Result struct {
	Connection *Connection
	Complexity *complexity.Record
	RateLimit  admission.Decision
	CacheHit   bool
	Took       time.Duration
}

// Orchestrator drives the request state machine.
type Orchestrator struct {
	warehouse Warehouse
	estimator Estimator
	admitter  Admitter
	cache     ResultCache
	cfg       *config.Config
	logger    zerolog.Logger
}

// New wires the orchestrator.
func New(wh Warehouse, est Estimator, adm Admitter, rc ResultCache, cfg *config.Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		warehouse: wh,
		estimator: est,
		admitter:  adm,
		cache:     rc,
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// Execute runs one request through the full pipeline.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	s := req.Spec

	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := security.ValidateParams(s.Filters.StringValues()); err != nil {
		o.logger.Warn().Err(err).Str("identity", req.Identity).Msg("parameter screen rejected request")
		return nil, apperr.Wrap(apperr.CodeQuerySecurity, err, "rejected parameter value")
	}

	record, err := o.estimator.Calculate(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := o.admit(s, record); err != nil {
		return nil, err
	}

	// Admission runs before the cache lookup: cached pages still count
	// against the window, so an exhausted identity cannot keep reading
	// warm entries for free.
	decision := o.admitter.Check(ctx, req.Identity, req.Tier, o.requestCost(record))
	if !decision.Allowed {
		return nil, decision.Err()
	}

	key := cacheKey(s)
	if cached, ok := o.cache.Get(ctx, key); ok {
		var conn Connection
		if err := json.Unmarshal([]byte(cached), &conn); err == nil {
			o.logger.Debug().Str("key", key).Msg("cache hit")
			return &Result{
				Connection: &conn,
				Complexity: record,
				RateLimit:  decision,
				CacheHit:   true,
				Took:       time.Since(start),
			}, nil
		}
		// A corrupt entry falls through to a fresh execution.
	}

	compiled, err := query.Compile(s)
	if err != nil {
		return nil, err
	}

	timeout := complexity.TimeoutFor(record.Score)
	rows, err := o.warehouse.Query(ctx, compiled.SQL, compiled.Params, timeout)
	if err != nil {
		return nil, err
	}

	conn := buildConnection(rows, compiled, s)
	o.writeCache(ctx, key, conn, s)

	o.logger.Info().
		Str("identity", req.Identity).
		Float64("score", record.Score).
		Int("rows", len(conn.Edges)).
		Dur("took", time.Since(start)).
		Msg("request served")

	return &Result{
		Connection: conn,
		Complexity: record,
		RateLimit:  decision,
		Took:       time.Since(start),
	}, nil
}

// admit applies the pre-execution gates in order: pagination, group blow-up,
// complexity ceiling.
func (o *Orchestrator) admit(s *query.Spec, record *complexity.Record) error {
	p := s.Pagination
	if !s.IsAggregation() && record.EstimatedRows > paginationThreshold &&
		(p == nil || (p.First == nil && p.Last == nil)) {
		return apperr.Newf(apperr.CodePaginationRequired,
			"an estimated %d rows match; supply first or last", record.EstimatedRows).
			WithExtension("estimatedRows", record.EstimatedRows)
	}
	if s.IsAggregation() && minU64(record.EstimatedRows, paginationThreshold) > paginationThreshold {
		return apperr.New(apperr.CodeTooManyGroups, "aggregation produces too many groups").
			WithExtension("estimatedRows", record.EstimatedRows)
	}
	if record.Score > o.cfg.Limits.MaxComplexity {
		return apperr.Newf(apperr.CodeComplexityTooHigh,
			"complexity %.2f exceeds the limit of %.0f", record.Score, o.cfg.Limits.MaxComplexity).
			WithExtension("score", record.Score).
			WithExtension("estimatedRows", record.EstimatedRows).
			WithExtension("recommendations", record.Recommendations)
	}
	return nil
}

// requestCost is what the limiter charges: one request under the plan
// profile, the complexity score under the cost profile.
func (o *Orchestrator) requestCost(record *complexity.Record) int64 {
	if admission.Profile(o.cfg.RateLimit.Profile) == admission.ProfileCost {
		return int64(math.Ceil(record.Score))
	}
	return 1
}

func (o *Orchestrator) writeCache(ctx context.Context, key string, conn *Connection, s *query.Spec) {
	raw, err := json.Marshal(conn)
	if err != nil {
		o.logger.Error().Err(err).Msg("connection marshal failed, skipping cache write")
		return
	}
	ttl := o.cache.TTLFor(key, s.IsAggregation(), s.Filters.DateRange)
	o.cache.Set(ctx, key, string(raw), ttl)
}

// cacheKey derives the canonical key. Freshness markers go into the prefix:
// the invalidation sweep deletes keys containing "date" or "recent", and the
// hash itself can never spell those out.
func cacheKey(s *query.Spec) string {
	prefix := "executeQuery"
	if s.Filters.DateRange != nil {
		prefix += ":date"
	}
	if s.Filters.DateRange == nil || s.Filters.DateRange.EndsWithin(24*time.Hour, time.Now()) {
		prefix += ":recent"
	}
	return cache.GenerateKey(prefix, s.CanonicalParams())
}

// ExecuteSQL is the validated passthrough: sanitized, bounded, screened raw
// SQL against the warehouse. A rejected query never reaches the wire.
func (o *Orchestrator) ExecuteSQL(ctx context.Context, req Request, sqlText string) ([]warehouse.Row, error) {
	decision := o.admitter.Check(ctx, req.Identity, req.Tier, 1)
	if !decision.Allowed {
		return nil, decision.Err()
	}

	sanitized := security.EnsureLimit(security.Sanitize(sqlText), passthroughLimit)
	if res := security.ValidateReadOnly(sanitized); !res.Valid {
		o.logger.Warn().Str("identity", req.Identity).Str("reason", res.Reason).
			Msg("passthrough query rejected")
		return nil, apperr.Newf(apperr.CodeQuerySecurity, "query rejected: %s", res.Reason)
	}

	return o.warehouse.Query(ctx, sanitized, nil, passthroughTimeout)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
