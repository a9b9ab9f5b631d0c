//go:build integration

package test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/nethalo/sologate/internal/admission"
	"github.com/nethalo/sologate/internal/cache"
	"github.com/nethalo/sologate/internal/complexity"
	"github.com/nethalo/sologate/internal/config"
	"github.com/nethalo/sologate/internal/export"
	"github.com/nethalo/sologate/internal/gateway"
	"github.com/nethalo/sologate/internal/query"
	"github.com/nethalo/sologate/internal/store"
	"github.com/nethalo/sologate/internal/warehouse"
	"github.com/nethalo/sologate/internal/worker"
)

/*
Integration tests for sologate against real backends.

To run these tests:
1. Start the backends: docker compose -f docker-compose.test.yml up -d
2. Seed the warehouse: clickhouse-client < test/seed.sql
3. Run tests: go test -tags=integration ./test
4. Cleanup: docker compose -f docker-compose.test.yml down -v

Environment variables:
- CLICKHOUSE_ADDR: native protocol address (default: localhost:19000)
- CLICKHOUSE_DATABASE: database with the seeded tables (default: solana_test)
- REDIS_ADDR: Redis address (default: localhost:16379)
*/

func testConfig(t *testing.T) *config.Config {
	v := viper.New()
	config.SetDefaults(v)
	if addr := os.Getenv("CLICKHOUSE_ADDR"); addr != "" {
		v.Set("clickhouse.addr", addr)
	} else {
		v.Set("clickhouse.addr", "localhost:19000")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		v.Set("clickhouse.database", db)
	} else {
		v.Set("clickhouse.database", "solana_test")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	} else {
		v.Set("redis.addr", "localhost:16379")
	}
	v.Set("export.dir", t.TempDir())
	v.Set("export.minFreeSpaceGB", 0)
	v.Set("export.workers", 1)
	v.Set("export.chunkSize", 100)

	cfg, err := config.FromViper(v)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

type pipeline struct {
	cfg     *config.Config
	redis   *store.Redis
	pool    *warehouse.Pool
	async   *worker.Pool
	cache   *cache.TwoTier
	gateway *gateway.Orchestrator
	engine  *export.Engine
}

func newPipeline(t *testing.T) *pipeline {
	cfg := testConfig(t)
	logger := zerolog.Nop()

	redisStore := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisStore.Ping(ctx); err != nil {
		t.Skip("Redis not available:", err)
	}

	pool, err := warehouse.New(cfg.ClickHouse, cfg.Pool, nil, logger)
	if err != nil {
		redisStore.Close()
		t.Skip("ClickHouse not available:", err)
	}

	async := worker.New(2, 64, logger)
	resultCache := cache.New(cfg.Cache, redisStore, async, logger)
	estimator := complexity.New(pool, logger)
	limiter := admission.New(redisStore, cfg.RateLimit, logger)
	orch := gateway.New(pool, estimator, limiter, resultCache, cfg, logger)

	queue := export.NewRedisQueue(redisStore.Client())
	engine := export.New(queue, pool, estimator, cfg.Export, logger)

	t.Cleanup(func() {
		async.Close()
		pool.Close()
		redisStore.Close()
	})

	return &pipeline{
		cfg:     cfg,
		redis:   redisStore,
		pool:    pool,
		async:   async,
		cache:   resultCache,
		gateway: orch,
		engine:  engine,
	}
}

// uniqueIdentity keeps rate limit buckets from colliding across test runs.
func uniqueIdentity(name string) string {
	return fmt.Sprintf("it-%s-%d", name, time.Now().UnixNano())
}

func TestIntegration_ScanQuery(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	first := 10
	req := gateway.Request{
		Spec: &query.Spec{
			Table:      query.TableTransactions,
			Pagination: &query.Pagination{First: &first},
		},
		Identity: uniqueIdentity("scan"),
		Tier:     "enterprise",
	}

	res, err := p.gateway.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Connection.Edges) > first {
		t.Errorf("edges = %d, want at most %d", len(res.Connection.Edges), first)
	}
	for _, edge := range res.Connection.Edges {
		if edge.Cursor == "" {
			t.Error("edge missing cursor")
		}
		if _, ok := edge.Node["signature"]; !ok {
			t.Errorf("node missing signature: %v", edge.Node)
		}
	}
	if res.Complexity == nil {
		t.Fatal("expected a complexity record on a cache miss")
	}

	// A second page via the end cursor must not repeat rows.
	if res.Connection.PageInfo.HasNextPage {
		req.Spec.Pagination.After = res.Connection.PageInfo.EndCursor
		next, err := p.gateway.Execute(ctx, req)
		if err != nil {
			t.Fatalf("Execute page 2: %v", err)
		}
		firstSig := res.Connection.Edges[0].Node["signature"]
		for _, edge := range next.Connection.Edges {
			if edge.Node["signature"] == firstSig {
				t.Error("page 2 repeated a page 1 row")
			}
		}
	}
}

func TestIntegration_AggregationAndCache(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	req := gateway.Request{
		Spec: &query.Spec{
			Table:   query.TableTransactions,
			GroupBy: []query.Dimension{query.DimProtocol},
			Metrics: []query.Metric{query.MetricCount, query.MetricAvgFee},
		},
		Identity: uniqueIdentity("agg"),
		Tier:     "enterprise",
	}

	res, err := p.gateway.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.CacheHit {
		t.Error("first execution should miss the cache")
	}
	for _, node := range res.Connection.Nodes {
		for _, field := range []string{"protocol", "count", "avgFee"} {
			if _, ok := node[field]; !ok {
				t.Errorf("node missing %q: %v", field, node)
			}
		}
	}

	// Tier-2 writes are asynchronous; the second run may be served from
	// either tier but must be a hit.
	time.Sleep(200 * time.Millisecond)
	again, err := p.gateway.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute (cached): %v", err)
	}
	if !again.CacheHit {
		t.Error("second execution should hit the cache")
	}
}

func TestIntegration_Passthrough(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	req := gateway.Request{Identity: uniqueIdentity("sql"), Tier: "free"}

	rows, err := p.gateway.ExecuteSQL(ctx, req, "SELECT count() AS n FROM transactions")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	if _, err := p.gateway.ExecuteSQL(ctx, req, "DROP TABLE transactions"); err == nil {
		t.Fatal("write statement must be rejected")
	}
}

func TestIntegration_ExportJob(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	spec := &query.Spec{Table: query.TableTransactions}
	job, err := p.engine.Submit(ctx, spec, export.FormatJSONL)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p.engine.Process(ctx, job.ID)

	done, err := p.engine.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if done.Status != export.StatusCompleted {
		t.Fatalf("status = %s (error: %s), want COMPLETED", done.Status, done.Error)
	}
	if done.RowCount == 0 {
		t.Error("expected exported rows")
	}
	if _, err := os.Stat(done.FilePath); err != nil {
		t.Errorf("artifact missing: %v", err)
	}

	url := p.engine.DownloadURL(done)
	if url == "" {
		t.Fatal("expected a download URL")
	}
	if !p.engine.VerifyToken(done.ID, done.Filename(), url[len(url)-64:]) {
		t.Error("download token did not verify")
	}
}
