package complexity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/query"
)

type fakeCounter struct {
	rows    uint64
	err     error
	lastSQL string
}

func (f *fakeCounter) Count(_ context.Context, sql string, _ map[string]string, _ time.Duration) (uint64, error) {
	f.lastSQL = sql
	return f.rows, f.err
}

func TestCalculate_ScanScore(t *testing.T) {
	e := New(&fakeCounter{rows: 250_000}, zerolog.Nop())
	r, err := e.Calculate(context.Background(), &query.Spec{Table: query.TableTransactions})
	if err != nil {
		t.Fatal(err)
	}
	// 250000/10000 = 25; no groups, no metrics: score = 25 * 2^0 + 0.
	if r.Score != 25 {
		t.Errorf("Score = %v, want 25", r.Score)
	}
	if r.BaseCost != 25 || r.GroupByMultiplier != 1 || r.AggregationCost != 0 {
		t.Errorf("record = %+v", r)
	}
	if r.EstimatedRows != 250_000 {
		t.Errorf("EstimatedRows = %d", r.EstimatedRows)
	}
	if len(r.Recommendations) != 0 {
		t.Errorf("unexpected recommendations: %v", r.Recommendations)
	}
}

func TestCalculate_AggregationScore(t *testing.T) {
	e := New(&fakeCounter{rows: 1_000_000}, zerolog.Nop())
	r, err := e.Calculate(context.Background(), &query.Spec{
		Table:   query.TableTransactions,
		GroupBy: []query.Dimension{query.DimProtocol, query.DimHour},
		Metrics: []query.Metric{query.MetricCount, query.MetricAvgFee, query.MetricP95Fee},
	})
	if err != nil {
		t.Fatal(err)
	}
	// base 100, multiplier 4, aggregation 100*0.1*3 = 30 -> 430.
	if r.Score != 430 {
		t.Errorf("Score = %v, want 430", r.Score)
	}
	if r.GroupByMultiplier != 4 || r.AggregationCost != 30 {
		t.Errorf("record = %+v", r)
	}
}

func TestCalculate_ScoreRounding(t *testing.T) {
	e := New(&fakeCounter{rows: 12_345}, zerolog.Nop())
	r, err := e.Calculate(context.Background(), &query.Spec{
		Table:   query.TableTransactions,
		Metrics: []query.Metric{query.MetricCount},
	})
	if err != nil {
		t.Fatal(err)
	}
	// base 1.2345, score = 1.2345 + 0.12345 = 1.35795 -> 1.36.
	if r.Score != 1.36 {
		t.Errorf("Score = %v, want 1.36", r.Score)
	}
}

// Adding a dimension strictly increases the score at a fixed row estimate.
func TestCalculate_MonotoneInGroupBy(t *testing.T) {
	dims := []query.Dimension{
		query.DimProtocol, query.DimHour, query.DimDate, query.DimProgramID,
	}
	e := New(&fakeCounter{rows: 50_000}, zerolog.Nop())
	prev := -1.0
	for i := 1; i <= len(dims); i++ {
		r, err := e.Calculate(context.Background(), &query.Spec{
			Table:   query.TableTransactions,
			GroupBy: dims[:i],
		})
		if err != nil {
			t.Fatal(err)
		}
		if r.Score <= prev {
			t.Fatalf("score not increasing: %v after %v at %d dims", r.Score, prev, i)
		}
		prev = r.Score
	}
}

func TestCalculate_ProbeFailureFallsBack(t *testing.T) {
	e := New(&fakeCounter{err: errors.New("probe timeout")}, zerolog.Nop())
	r, err := e.Calculate(context.Background(), &query.Spec{Table: query.TableTransactions})
	if err != nil {
		t.Fatal(err)
	}
	if r.EstimatedRows != FallbackRows {
		t.Errorf("EstimatedRows = %d, want fallback %d", r.EstimatedRows, FallbackRows)
	}
	if r.Score != 100 {
		t.Errorf("Score = %v, want 100", r.Score)
	}
}

func TestCalculate_ProbeIsBounded(t *testing.T) {
	fc := &fakeCounter{rows: 1}
	e := New(fc, zerolog.Nop())
	if _, err := e.Calculate(context.Background(), &query.Spec{Table: query.TableTransactions}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(fc.lastSQL, "SETTINGS max_execution_time = 1") {
		t.Errorf("probe not capped server-side: %s", fc.lastSQL)
	}
}

func TestCalculate_Recommendations(t *testing.T) {
	tests := []struct {
		name string
		rows uint64
		spec *query.Spec
		want int
	}{
		{
			name: "large unfiltered scan",
			rows: 6_000_000,
			spec: &query.Spec{Table: query.TableTransactions},
			want: 1, // narrow-filters hint; score 600 stays under the ceiling
		},
		{
			name: "large scan with signature filter",
			rows: 6_000_000,
			spec: &query.Spec{Table: query.TableTransactions,
				Filters: query.Filters{Signatures: []string{"sig"}}},
			want: 0,
		},
		{
			name: "too many dimensions",
			rows: 1000,
			spec: &query.Spec{Table: query.TableTransactions,
				GroupBy: []query.Dimension{query.DimProtocol, query.DimHour, query.DimDate, query.DimProgramID}},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(&fakeCounter{rows: tt.rows}, zerolog.Nop())
			r, err := e.Calculate(context.Background(), tt.spec)
			if err != nil {
				t.Fatal(err)
			}
			if len(r.Recommendations) != tt.want {
				t.Errorf("Recommendations = %v, want %d", r.Recommendations, tt.want)
			}
		})
	}
}

func TestCalculate_ExportRecommendation(t *testing.T) {
	e := New(&fakeCounter{rows: 20_000_000}, zerolog.Nop())
	r, err := e.Calculate(context.Background(), &query.Spec{
		Table:   query.TableTransactions,
		Filters: query.Filters{Signatures: []string{"sig"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Score 2000 crosses the ceiling: export recommended, but the signature
	// filter suppresses the narrowing hint.
	if len(r.Recommendations) != 1 || !strings.Contains(r.Recommendations[0], "export") {
		t.Errorf("Recommendations = %v", r.Recommendations)
	}
}

func TestTimeoutFor(t *testing.T) {
	tests := []struct {
		score float64
		want  time.Duration
	}{
		{0, 10 * time.Second},
		{99.99, 10 * time.Second},
		{100, 30 * time.Second},
		{499.99, 30 * time.Second},
		{500, 90 * time.Second},
		{5000, 90 * time.Second},
	}
	for _, tt := range tests {
		if got := TimeoutFor(tt.score); got != tt.want {
			t.Errorf("TimeoutFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}
