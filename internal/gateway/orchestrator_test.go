package gateway

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/admission"
	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/complexity"
	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/query"
	"github.com/nethalo/sologate/internal/warehouse"
)

type fakeWarehouse struct {
	rows    []warehouse.Row
	err     error
	calls   int
	lastSQL string
	lastTO  time.Duration
}

func (f *fakeWarehouse) Query(_ context.Context, sql string, _ map[string]string, timeout time.Duration) ([]warehouse.Row, error) {
	f.calls++
	f.lastSQL = sql
	f.lastTO = timeout
	return f.rows, f.err
}

type fakeEstimator struct {
	record complexity.Record
}

func (f *fakeEstimator) Calculate(context.Context, *query.Spec) (*complexity.Record, error) {
	r := f.record
	return &r, nil
}

type fakeAdmitter struct {
	deny  bool
	calls int
}

func (f *fakeAdmitter) Check(_ context.Context, _, tier string, _ int64) admission.Decision {
	f.calls++
	if f.deny {
		return admission.Decision{Tier: tier, Limit: 100, Used: 100,
			RetryAfter: 30 * time.Second, Reset: time.Now().Add(30 * time.Second)}
	}
	return admission.Decision{Allowed: true, Tier: tier, Limit: 100, Used: 1, Remaining: 99}
}

type fakeCache struct {
	entries map[string]string
	sets    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]string)} }

func (f *fakeCache) Get(_ context.Context, key string) (string, bool) {
	v, ok := f.entries[key]
	return v, ok
}
func (f *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) {
	f.sets++
	f.entries[key] = value
}
func (f *fakeCache) TTLFor(string, bool, *query.DateRange) time.Duration { return time.Minute }

type fixture struct {
	orch *Orchestrator
	wh   *fakeWarehouse
	adm  *fakeAdmitter
	rc   *fakeCache
}

func newFixture(t *testing.T, rows []warehouse.Row, record complexity.Record) *fixture {
	t.Helper()
	wh := &fakeWarehouse{rows: rows}
	adm := &fakeAdmitter{}
	rc := newFakeCache()
	orch := New(wh, &fakeEstimator{record: record}, adm, rc, config.Default(), zerolog.Nop())
	return &fixture{orch: orch, wh: wh, adm: adm, rc: rc}
}

func scanRows(n int) []warehouse.Row {
	rows := make([]warehouse.Row, n)
	for i := range rows {
		rows[i] = warehouse.Row{
			"signature":    fmt.Sprintf("sig%03d", i),
			"slot":         uint64(1000 - i),
			"date":         "2025-01-15",
			"protocolName": "pump_fun",
			"fee":          uint64(5000),
		}
	}
	return rows
}

func TestExecute_HappyScan(t *testing.T) {
	// 11 fetched rows prove a page beyond first:10.
	fx := newFixture(t, scanRows(11), complexity.Record{Score: 12, EstimatedRows: 120_000})
	res, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table: query.TableTransactions,
			Filters: query.Filters{
				Protocols: []string{"pump_fun"},
				DateRange: &query.DateRange{Start: "2025-01-01", End: "2025-01-31"},
			},
			Pagination: &query.Pagination{First: intp(10)},
		},
		Identity: "client-1",
		Tier:     "free",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	conn := res.Connection
	if len(conn.Edges) != 10 {
		t.Errorf("edges = %d, want 10", len(conn.Edges))
	}
	if !conn.PageInfo.HasNextPage {
		t.Error("hasNextPage = false with an extra fetched row")
	}
	if conn.PageInfo.HasPreviousPage {
		t.Error("hasPreviousPage = true on a first page")
	}
	for _, e := range conn.Edges {
		if e.Node["protocolName"] != "pump_fun" {
			t.Fatalf("node leaked through filter: %v", e.Node)
		}
	}

	// End cursor resumes from the last returned row.
	c, err := query.DecodeScanCursor(conn.PageInfo.EndCursor)
	if err != nil {
		t.Fatalf("endCursor undecodable: %v", err)
	}
	last := conn.Edges[9].Node
	if c.Slot != last["slot"].(uint64) || c.Signature != last["signature"].(string) {
		t.Errorf("endCursor = %+v, last node %v", c, last)
	}

	if fx.wh.lastTO != 10*time.Second {
		t.Errorf("timeout tier = %v, want 10s for score 12", fx.wh.lastTO)
	}
	if fx.rc.sets != 1 {
		t.Errorf("cache writes = %d, want 1", fx.rc.sets)
	}
}

func TestExecute_Aggregation(t *testing.T) {
	rows := []warehouse.Row{
		{"protocol": "pump_fun", "hour": uint8(14), "count": uint64(900), "avgFee": 5100.5, "p95Fee": 9800.0},
		{"protocol": "orca", "hour": uint8(14), "count": uint64(400), "avgFee": 4800.0, "p95Fee": 9100.0},
	}
	fx := newFixture(t, rows, complexity.Record{Score: 40, EstimatedRows: 90_000})
	res, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table:      query.TableTransactions,
			Filters:    query.Filters{Protocols: []string{"pump_fun", "orca"}},
			GroupBy:    []query.Dimension{query.DimProtocol, query.DimHour},
			Metrics:    []query.Metric{query.MetricCount, query.MetricAvgFee, query.MetricP95Fee},
			Sort:       &query.Sort{Field: query.SortCount, Direction: query.DESC},
			Pagination: &query.Pagination{First: intp(100)},
		},
		Identity: "client-1", Tier: "free",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	conn := res.Connection
	if len(conn.Edges) != 2 || conn.PageInfo.HasNextPage {
		t.Fatalf("pageInfo = %+v over %d edges", conn.PageInfo, len(conn.Edges))
	}
	for _, field := range []string{"protocol", "hour", "count", "avgFee", "p95Fee"} {
		if _, ok := conn.Edges[0].Node[field]; !ok {
			t.Errorf("node missing %s", field)
		}
	}
	// Aggregation cursors carry the group-by values.
	pairs, err := query.DecodeGroupCursor(conn.Edges[1].Cursor)
	if err != nil {
		t.Fatalf("group cursor: %v", err)
	}
	if len(pairs) != 2 || pairs[0] != (query.GroupPair{Key: "protocol", Value: "orca"}) {
		t.Errorf("cursor pairs = %v", pairs)
	}
}

func TestExecute_PaginationRequired(t *testing.T) {
	fx := newFixture(t, nil, complexity.Record{Score: 500, EstimatedRows: 5_000_000})
	_, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table: query.TableTransactions,
			Filters: query.Filters{
				DateRange: &query.DateRange{Start: "2020-01-01", End: "2025-12-31"},
			},
		},
		Identity: "client-1", Tier: "free",
	})
	if !apperr.IsCode(err, apperr.CodePaginationRequired) {
		t.Fatalf("err = %v, want PAGINATION_REQUIRED", err)
	}
	e, _ := apperr.As(err)
	if e.Extensions["estimatedRows"] != uint64(5_000_000) {
		t.Errorf("estimatedRows extension = %v", e.Extensions["estimatedRows"])
	}
	if fx.wh.calls != 0 {
		t.Error("warehouse reached after denial")
	}
}

func TestExecute_CursorOnlyPaginationRejected(t *testing.T) {
	// An after cursor alone carries no page size; the gate wants first or last.
	fx := newFixture(t, nil, complexity.Record{Score: 500, EstimatedRows: 5_000_000})
	spec := &query.Spec{
		Table: query.TableTransactions,
		Filters: query.Filters{
			DateRange: &query.DateRange{Start: "2020-01-01", End: "2025-12-31"},
		},
		Pagination: &query.Pagination{After: query.EncodeScanCursor(900, "sig042")},
	}
	_, err := fx.orch.Execute(context.Background(), Request{
		Spec: spec, Identity: "client-1", Tier: "free",
	})
	if !apperr.IsCode(err, apperr.CodePaginationRequired) {
		t.Fatalf("err = %v, want PAGINATION_REQUIRED", err)
	}
	if fx.wh.calls != 0 {
		t.Error("warehouse reached after denial")
	}

	// Adding a page size satisfies the gate.
	spec.Pagination.First = intp(50)
	if _, err := fx.orch.Execute(context.Background(), Request{
		Spec: spec, Identity: "client-1", Tier: "free",
	}); err != nil {
		t.Fatalf("Execute with first set: %v", err)
	}
}

func TestExecute_ComplexityRejected(t *testing.T) {
	fx := newFixture(t, nil, complexity.Record{
		Score:         6400,
		EstimatedRows: 1_000_000,
		Recommendations: []string{
			"use an export job for result sets this large",
			"reduce groupBy dimensions",
		},
	})
	_, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table: query.TableTransactions,
			GroupBy: []query.Dimension{
				query.DimProtocol, query.DimHour, query.DimDate,
				query.DimProgramID, query.DimInstructionType, query.DimDayOfWeek,
			},
			Metrics: []query.Metric{
				query.MetricCount, query.MetricAvgFee, query.MetricP95Fee,
				query.MetricSumFee, query.MetricMaxFee,
			},
			Pagination: &query.Pagination{First: intp(100)},
		},
		Identity: "client-1", Tier: "free",
	})
	if !apperr.IsCode(err, apperr.CodeComplexityTooHigh) {
		t.Fatalf("err = %v, want QUERY_COMPLEXITY_TOO_HIGH", err)
	}
	e, _ := apperr.As(err)
	recs, _ := e.Extensions["recommendations"].([]string)
	if len(recs) == 0 {
		t.Error("recommendations missing from rejection")
	}
	if fx.wh.calls != 0 {
		t.Error("warehouse reached after denial")
	}
}

func TestExecute_InjectionRejectedBeforeWire(t *testing.T) {
	fx := newFixture(t, nil, complexity.Record{Score: 1})
	_, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table:   query.TableTransactions,
			Filters: query.Filters{Protocols: []string{"'; DROP TABLE transactions; --"}},
		},
		Identity: "client-1", Tier: "free",
	})
	if !apperr.IsCode(err, apperr.CodeQuerySecurity) {
		t.Fatalf("err = %v, want QUERY_SECURITY", err)
	}
	if fx.wh.calls != 0 {
		t.Error("hostile request reached the warehouse")
	}
}

func TestExecute_RateLimited(t *testing.T) {
	fx := newFixture(t, scanRows(1), complexity.Record{Score: 1, EstimatedRows: 10})
	fx.adm.deny = true
	_, err := fx.orch.Execute(context.Background(), Request{
		Spec:     &query.Spec{Table: query.TableTransactions},
		Identity: "client-1", Tier: "free",
	})
	if !apperr.IsCode(err, apperr.CodeRateLimited) {
		t.Fatalf("err = %v, want RATE_LIMIT_EXCEEDED", err)
	}
	if fx.wh.calls != 0 {
		t.Error("denied request reached the warehouse")
	}
}

func TestExecute_CacheHitSkipsPipeline(t *testing.T) {
	fx := newFixture(t, scanRows(3), complexity.Record{Score: 1, EstimatedRows: 10})
	req := Request{
		Spec: &query.Spec{
			Table:      query.TableTransactions,
			Pagination: &query.Pagination{First: intp(3)},
		},
		Identity: "client-1", Tier: "free",
	}

	first, err := fx.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.CacheHit {
		t.Fatal("first execution reported a cache hit")
	}

	second, err := fx.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.CacheHit {
		t.Fatal("second execution missed the cache")
	}
	if fx.wh.calls != 1 {
		t.Errorf("warehouse calls = %d, want 1", fx.wh.calls)
	}
	if len(second.Connection.Edges) != len(first.Connection.Edges) {
		t.Error("cached page differs from computed page")
	}
	// The hit skips only compilation and execution; admission still ran.
	if fx.adm.calls != 2 {
		t.Errorf("admitter calls = %d, want 2", fx.adm.calls)
	}
}

func TestExecute_CacheHitStillCharged(t *testing.T) {
	// An exhausted window denies even when the page is warm in the cache.
	fx := newFixture(t, scanRows(3), complexity.Record{Score: 1, EstimatedRows: 10})
	req := Request{
		Spec: &query.Spec{
			Table:      query.TableTransactions,
			Pagination: &query.Pagination{First: intp(3)},
		},
		Identity: "client-1", Tier: "free",
	}

	if _, err := fx.orch.Execute(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	fx.adm.deny = true
	_, err := fx.orch.Execute(context.Background(), req)
	if !apperr.IsCode(err, apperr.CodeRateLimited) {
		t.Fatalf("err = %v, want RATE_LIMIT_EXCEEDED on a warm key", err)
	}
	if fx.adm.calls != 2 {
		t.Errorf("admitter calls = %d, want 2", fx.adm.calls)
	}
	if fx.wh.calls != 1 {
		t.Errorf("warehouse calls = %d, want 1", fx.wh.calls)
	}
}

func TestExecute_FirstAboveCapClamped(t *testing.T) {
	fx := newFixture(t, scanRows(5), complexity.Record{Score: 1, EstimatedRows: 10})
	res, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table:      query.TableTransactions,
			Pagination: &query.Pagination{First: intp(1001)},
		},
		Identity: "client-1", Tier: "free",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fx.wh.lastSQL, "LIMIT 1001") { // 1000 + 1 lookahead
		t.Errorf("clamp not applied: %s", fx.wh.lastSQL)
	}
	if len(res.Connection.Edges) != 5 {
		t.Errorf("edges = %d", len(res.Connection.Edges))
	}
}

func TestExecute_BackwardPageRestoresOrder(t *testing.T) {
	// Backward queries fetch in inverted order; the envelope flips them back.
	rows := []warehouse.Row{
		{"signature": "old", "slot": uint64(10), "date": "2025-01-01"},
		{"signature": "new", "slot": uint64(20), "date": "2025-01-02"},
	}
	fx := newFixture(t, rows, complexity.Record{Score: 1, EstimatedRows: 10})
	res, err := fx.orch.Execute(context.Background(), Request{
		Spec: &query.Spec{
			Table: query.TableTransactions,
			Pagination: &query.Pagination{
				Last:   intp(2),
				Before: query.EncodeScanCursor(5, "sigX"),
			},
		},
		Identity: "client-1", Tier: "free",
	})
	if err != nil {
		t.Fatal(err)
	}
	conn := res.Connection
	if conn.Edges[0].Node["signature"] != "new" || conn.Edges[1].Node["signature"] != "old" {
		t.Errorf("backward page order not restored: %v", conn.Nodes)
	}
	if !conn.PageInfo.HasPreviousPage {
		t.Error("hasPreviousPage = false with before set")
	}
}

func TestExecuteSQL_WriteRejectedBeforeWire(t *testing.T) {
	fx := newFixture(t, nil, complexity.Record{})
	_, err := fx.orch.ExecuteSQL(context.Background(),
		Request{Identity: "client-1", Tier: "free"},
		"DELETE FROM transactions WHERE 1=1")
	if !apperr.IsCode(err, apperr.CodeQuerySecurity) {
		t.Fatalf("err = %v, want QUERY_SECURITY", err)
	}
	if fx.wh.calls != 0 {
		t.Error("write statement reached the warehouse")
	}
}

func TestExecuteSQL_InjectsLimitAndStripsComments(t *testing.T) {
	fx := newFixture(t, scanRows(1), complexity.Record{})
	_, err := fx.orch.ExecuteSQL(context.Background(),
		Request{Identity: "client-1", Tier: "free"},
		"SELECT signature FROM transactions /* audit */ WHERE fee > 0")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if !strings.HasSuffix(fx.wh.lastSQL, "LIMIT 1000") {
		t.Errorf("default limit not injected: %s", fx.wh.lastSQL)
	}
	if strings.Contains(fx.wh.lastSQL, "/*") {
		t.Errorf("comment survived sanitization: %s", fx.wh.lastSQL)
	}
	if fx.wh.lastTO != passthroughTimeout {
		t.Errorf("timeout = %v, want %v", fx.wh.lastTO, passthroughTimeout)
	}
}

func TestCacheKey_FreshnessMarkers(t *testing.T) {
	dated := &query.Spec{Table: query.TableTransactions, Filters: query.Filters{
		DateRange: &query.DateRange{Start: "2024-01-01", End: "2024-01-31"},
	}}
	if k := cacheKey(dated); !strings.Contains(k, ":date") || strings.Contains(k, ":recent") {
		t.Errorf("historical dated key = %s", k)
	}
	unbounded := &query.Spec{Table: query.TableTransactions}
	if k := cacheKey(unbounded); !strings.Contains(k, ":recent") {
		t.Errorf("unbounded key lacks recent marker: %s", k)
	}
}

func intp(n int) *int { return &n }
