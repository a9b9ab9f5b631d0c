// Package warehouse manages the ClickHouse connection pool and executes
// compiled queries. Connections are plain database/sql handles opened through
// the native clickhouse-go connector; parameters travel server-side via
// clickhouse.Context, never through string interpolation.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog"

	"github.com/nethalo/sologate/internal/apperr"
	"github.com/nethalo/sologate/internal/config"
)

// OpenFunc opens one warehouse handle. Swappable so tests can supply sqlmock.
type OpenFunc func(cfg config.ClickHouse, pool config.Pool) (*sql.DB, error)

// openClickHouse is the production OpenFunc.
func openClickHouse(cfg config.ClickHouse, pool config.Pool) (*sql.DB, error) {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: pool.ConnectTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	db.SetMaxOpenConns(pool.Max)
	db.SetMaxIdleConns(pool.Min)
	db.SetConnMaxIdleTime(pool.IdleTimeout)
	return db, nil
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Queries    uint64
	Errors     uint64
	InUse      int
	Idle       int
	WaitCount  int64
	WaitTime   time.Duration
	Healthy    bool
}

// Pool is the warehouse client pool. database/sql already multiplexes
// connections under one handle; the pool adds bounds, health state and
// query-shaped entry points on top.
type Pool struct {
	db      *sql.DB
	logger  zerolog.Logger
	queries atomic.Uint64
	errors  atomic.Uint64
	healthy atomic.Bool
}

// New opens the pool. The handle is verified with one bounded ping so a bad
// address fails at boot rather than on the first request.
func New(cfg config.ClickHouse, pool config.Pool, open OpenFunc, logger zerolog.Logger) (*Pool, error) {
	if open == nil {
		open = openClickHouse
	}
	db, err := open(cfg, pool)
	if err != nil {
		return nil, fmt.Errorf("opening warehouse: %w", err)
	}
	p := &Pool{
		db:     db,
		logger: logger.With().Str("component", "warehouse").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse unreachable at %s: %w", cfg.Addr, err)
	}
	p.healthy.Store(true)
	p.logger.Info().Str("addr", cfg.Addr).Int("min", pool.Min).Int("max", pool.Max).
		Msg("warehouse pool ready")
	return p, nil
}

// queryCtx attaches server-side parameters and an execution-time ceiling.
func queryCtx(ctx context.Context, params map[string]string, timeout time.Duration) context.Context {
	opts := []clickhouse.QueryOption{
		clickhouse.WithSettings(clickhouse.Settings{
			"max_execution_time": int(timeout.Seconds()),
		}),
	}
	if len(params) > 0 {
		opts = append(opts, clickhouse.WithParameters(params))
	}
	return clickhouse.Context(ctx, opts...)
}

// Row is one result row keyed by result alias.
type Row map[string]any

// Query runs a compiled query and materializes every row. The timeout is
// enforced both client-side (context) and server-side (max_execution_time).
func (p *Pool) Query(ctx context.Context, sqlText string, params map[string]string, timeout time.Duration) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := p.db.QueryContext(queryCtx(ctx, params, timeout), sqlText)
	if err != nil {
		return nil, p.fail(err, "warehouse query failed")
	}
	defer rows.Close()

	out, err := collectRows(rows)
	if err != nil {
		return nil, p.fail(err, "reading warehouse rows")
	}
	p.queries.Add(1)
	p.healthy.Store(true)
	p.logger.Debug().Int("rows", len(out)).Dur("took", time.Since(start)).Msg("query done")
	return out, nil
}

// QueryStream runs a compiled query and hands each row to fn without
// materializing the result set. The export engine streams chunks through it.
func (p *Pool) QueryStream(ctx context.Context, sqlText string, params map[string]string, timeout time.Duration, fn func(Row) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := p.db.QueryContext(queryCtx(ctx, params, timeout), sqlText)
	if err != nil {
		return p.fail(err, "warehouse query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return p.fail(err, "reading warehouse columns")
	}
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return p.fail(err, "reading warehouse rows")
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return p.fail(err, "reading warehouse rows")
	}
	p.queries.Add(1)
	return nil
}

// Count runs a single-value count query.
func (p *Pool) Count(ctx context.Context, sqlText string, params map[string]string, timeout time.Duration) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var n uint64
	err := p.db.QueryRowContext(queryCtx(ctx, params, timeout), sqlText).Scan(&n)
	if err != nil {
		return 0, p.fail(err, "warehouse count failed")
	}
	p.queries.Add(1)
	return n, nil
}

// MaxBlockTime reports the newest ingested block time. The cache
// invalidator polls it to detect fresh data.
func (p *Pool) MaxBlockTime(ctx context.Context) (time.Time, error) {
	const q = "SELECT max(block_time) AS tail FROM transactions LIMIT 1"
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tail time.Time
	if err := p.db.QueryRowContext(queryCtx(ctx, nil, 5*time.Second), q).Scan(&tail); err != nil {
		return time.Time{}, p.fail(err, "tail probe failed")
	}
	p.queries.Add(1)
	return tail, nil
}

// Ping checks warehouse reachability and updates the health flag.
func (p *Pool) Ping(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	p.healthy.Store(err == nil)
	if err != nil {
		return fmt.Errorf("warehouse ping: %w", err)
	}
	return nil
}

// Healthy reports the last observed health state without touching the wire.
func (p *Pool) Healthy() bool { return p.healthy.Load() }

// Stats snapshots pool counters and database/sql internals.
func (p *Pool) Stats() Stats {
	s := p.db.Stats()
	return Stats{
		Queries:   p.queries.Load(),
		Errors:    p.errors.Load(),
		InUse:     s.InUse,
		Idle:      s.Idle,
		WaitCount: s.WaitCount,
		WaitTime:  s.WaitDuration,
		Healthy:   p.healthy.Load(),
	}
}

// Close releases every pooled connection.
func (p *Pool) Close() error { return p.db.Close() }

func (p *Pool) fail(err error, msg string) error {
	p.errors.Add(1)
	p.logger.Error().Err(err).Msg(msg)
	return apperr.Wrap(apperr.CodeQueryExecution, err, msg)
}

// collectRows materializes a result set as alias-keyed rows.
func collectRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows, cols []string) (Row, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(Row, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = vals[i]
	}
	return row, nil
}
