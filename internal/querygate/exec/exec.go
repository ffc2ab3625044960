// Package exec runs compiled queries against a database/sql store.
package exec

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/querygate/internal/querygate/render"
	"github.com/ariyn/querygate/internal/querygate/types"
)

// Executor runs a compiled query and returns its rows.
type Executor interface {
	Execute(ctx context.Context, q *types.CompiledQuery) (*types.Rows, error)
}

type metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		duration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "querygate_query_duration_seconds",
			Help:    "Time spent executing compiled queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"dialect", "status"}),
		failures: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_query_failures_total",
			Help: "Compiled queries that failed to execute.",
		}, []string{"dialect", "reason"}),
	}
}

// SQLExecutor executes queries through a *sql.DB. It never retries.
type SQLExecutor struct {
	db      *sql.DB
	dialect render.Dialect
	timeout time.Duration
	logger  log.Logger
	reg     prometheus.Registerer
	metrics *metrics
}

type Option func(*SQLExecutor)

func WithLogger(l log.Logger) Option {
	return func(e *SQLExecutor) { e.logger = l }
}

// WithRegisterer registers the executor metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *SQLExecutor) { e.reg = r }
}

// WithTimeout bounds each query. Zero means the caller's context decides.
func WithTimeout(d time.Duration) Option {
	return func(e *SQLExecutor) { e.timeout = d }
}

func NewSQLExecutor(db *sql.DB, dialect render.Dialect, opts ...Option) *SQLExecutor {
	e := &SQLExecutor{db: db, dialect: dialect, logger: log.NewNopLogger()}
	for _, o := range opts {
		o(e)
	}
	if e.dialect == nil {
		e.dialect = render.SQLite
	}
	e.metrics = newMetrics(e.reg)
	return e
}

// Execute checks that the query belongs to the tenant carried by ctx, then
// renders and runs it. Every failure is an *types.ExecutionError.
func (e *SQLExecutor) Execute(ctx context.Context, q *types.CompiledQuery) (*types.Rows, error) {
	if q == nil {
		return nil, e.fail("invalid", fmt.Errorf("nil query"))
	}
	if err := checkTenant(ctx, q); err != nil {
		return nil, e.fail("tenant", err)
	}
	text, args, err := e.dialect.Render(q)
	if err != nil {
		return nil, e.fail("render", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := e.query(ctx, text, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.duration.WithLabelValues(e.dialect.Name(), status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, e.fail("query", err, "tenant", q.Tenant)
	}
	level.Debug(e.logger).Log("msg", "query executed", "tenant", q.Tenant, "rows", rows.Len(), "duration", time.Since(start))
	return rows, nil
}

func (e *SQLExecutor) fail(reason string, err error, keyvals ...any) error {
	e.metrics.failures.WithLabelValues(e.dialect.Name(), reason).Inc()
	level.Error(e.logger).Log(append([]any{"msg", "query failed", "reason", reason, "err", err}, keyvals...)...)
	return &types.ExecutionError{Err: err}
}

// checkTenant refuses to run a query compiled for a different tenant than
// the one the request was authenticated as.
func checkTenant(ctx context.Context, q *types.CompiledQuery) error {
	id, err := tenant.TenantID(ctx)
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}
	if id != q.Tenant {
		return fmt.Errorf("query compiled for tenant %q, request is for %q", q.Tenant, id)
	}
	p, ok := q.Params[types.TenantParam]
	if !ok || p.Value != id {
		return fmt.Errorf("query is not scoped to tenant %q", id)
	}
	return nil
}

func (e *SQLExecutor) query(ctx context.Context, text string, args []any) (*types.Rows, error) {
	rs, err := e.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	out := &types.Rows{Columns: cols}
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
