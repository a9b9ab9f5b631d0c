// Package complexity predicts query cost before execution. The estimate
// drives admission (hard ceiling) and the per-query timeout tier, so it must
// be fast: the row count probe runs under a one-second server-side cap and
// any probe failure degrades to a conservative fixed estimate.
package complexity

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/query"
)

// FallbackRows is the conservative estimate used when the probe fails.
const FallbackRows = 1_000_000

// Counter runs the bounded count probe. The warehouse pool satisfies it.
type Counter interface {
	Count(ctx context.Context, sql string, params map[string]string, timeout time.Duration) (uint64, error)
}

// Record is the cost prediction for one request.
type Record struct {
	Score             float64  `json:"score"`
	EstimatedRows     uint64   `json:"estimatedRows"`
	BaseCost          float64  `json:"baseCost"`
	GroupByMultiplier float64  `json:"groupByMultiplier"`
	AggregationCost   float64  `json:"aggregationCost"`
	Recommendations   []string `json:"recommendations,omitempty"`
}

// Estimator scores requests against the warehouse.
type Estimator struct {
	counter Counter
	logger  zerolog.Logger
}

// New builds an estimator over a count probe source.
func New(counter Counter, logger zerolog.Logger) *Estimator {
	return &Estimator{
		counter: counter,
		logger:  logger.With().Str("component", "complexity").Logger(),
	}
}

// Calculate probes the row count and computes the cost record:
//
//	baseCost          = estimatedRows / 10000
//	groupByMultiplier = 2^|groupBy|
//	aggregationCost   = baseCost * 0.1 * |metrics|
//	score             = baseCost * groupByMultiplier + aggregationCost
//
// Scores are rounded to two decimals.
func (e *Estimator) Calculate(ctx context.Context, s *query.Spec) (*Record, error) {
	rows := e.estimateRows(ctx, s)

	baseCost := float64(rows) / 10_000
	groupByMultiplier := math.Pow(2, float64(len(s.GroupBy)))
	aggregationCost := baseCost * 0.1 * float64(len(s.Metrics))
	score := round2(baseCost*groupByMultiplier + aggregationCost)

	r := &Record{
		Score:             score,
		EstimatedRows:     rows,
		BaseCost:          round2(baseCost),
		GroupByMultiplier: groupByMultiplier,
		AggregationCost:   round2(aggregationCost),
	}

	if rows > 5_000_000 && len(s.Filters.Signatures) == 0 {
		r.Recommendations = append(r.Recommendations,
			"narrow filters (signature, date range) or paginate")
	}
	if score > 1000 {
		r.Recommendations = append(r.Recommendations,
			"use an export job for result sets this large")
	}
	if len(s.GroupBy) > 3 {
		r.Recommendations = append(r.Recommendations,
			"reduce groupBy dimensions")
	}
	return r, nil
}

// estimateRows runs the capped probe; any failure returns the fallback.
func (e *Estimator) estimateRows(ctx context.Context, s *query.Spec) uint64 {
	probe, err := query.CompileCount(s)
	if err != nil {
		e.logger.Warn().Err(err).Msg("count probe compile failed, using fallback estimate")
		return FallbackRows
	}
	n, err := e.counter.Count(ctx, probe.SQL, probe.Params, 2*time.Second)
	if err != nil {
		e.logger.Debug().Err(err).Msg("count probe failed, using fallback estimate")
		return FallbackRows
	}
	return n
}

// TimeoutFor maps a score to its execution deadline tier.
func TimeoutFor(score float64) time.Duration {
	switch {
	case score < 100:
		return 10 * time.Second
	case score < 500:
		return 30 * time.Second
	default:
		return 90 * time.Second
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
