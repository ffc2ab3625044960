// Package querygate compiles tenant-scoped analytics queries. A Compiler
// accepts either raw SQL typed by a user or structured dashboard options and
// produces a single read-only SELECT that can only see one tenant's rows.
package querygate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariyn/querygate/internal/querygate/builder"
	"github.com/ariyn/querygate/internal/querygate/exec"
	"github.com/ariyn/querygate/internal/querygate/render"
	"github.com/ariyn/querygate/internal/querygate/schema"
	sqlconv "github.com/ariyn/querygate/internal/querygate/sql"
	"github.com/ariyn/querygate/internal/querygate/timerange"
	"github.com/ariyn/querygate/internal/querygate/types"
)

// Config selects the store dialect and the bounds applied to every query.
type Config struct {
	Dialect  string `yaml:"dialect"`
	MaxLimit int    `yaml:"max_limit"`
	// DefaultLookback is used when a query names no time range. It must be
	// a whole number of hours; zero means 24h.
	DefaultLookback  time.Duration `yaml:"-"`
	AllowedFunctions []string      `yaml:"allowed_functions"`
	ExtraFunctions   []string      `yaml:"extra_functions"`
	// Catalog is a YAML catalog file. Empty uses the built-in catalog.
	Catalog string `yaml:"catalog"`
}

type Option func(*options)

type options struct {
	logger   log.Logger
	reg      prometheus.Registerer
	now      func() time.Time
	registry *schema.Registry
}

func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.reg = r }
}

// WithNow fixes the clock used to resolve relative time ranges.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegistry overrides Config.Catalog.
func WithRegistry(r *schema.Registry) Option {
	return func(o *options) { o.registry = r }
}

type metrics struct {
	compiled *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		compiled: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_compiled_queries_total",
			Help: "Queries compiled, by compilation path.",
		}, []string{"path"}),
		rejected: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_rejected_queries_total",
			Help: "Queries refused, by compilation path and rejection kind.",
		}, []string{"path", "kind"}),
	}
}

// Compiler is safe for concurrent use. It holds no mutable state after New.
type Compiler struct {
	registry  *schema.Registry
	dialect   render.Dialect
	validator *sqlconv.Validator
	builder   *builder.Builder
	logger    log.Logger
	metrics   *metrics
}

func New(cfg Config, opts ...Option) (*Compiler, error) {
	o := options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	dialect, err := render.ForName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.MaxLimit < 0 {
		return nil, fmt.Errorf("max_limit must not be negative, got %d", cfg.MaxLimit)
	}
	if cfg.DefaultLookback < 0 || cfg.DefaultLookback%time.Hour != 0 {
		return nil, fmt.Errorf("default_lookback must be a whole number of hours, got %s", cfg.DefaultLookback)
	}

	reg := o.registry
	if reg == nil {
		if cfg.Catalog != "" {
			reg, err = schema.LoadRegistryFile(cfg.Catalog)
		} else {
			reg, err = schema.DefaultRegistry()
		}
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}

	validator := sqlconv.NewValidator(reg, sqlconv.Policy{
		MaxLimit:         cfg.MaxLimit,
		AllowedFunctions: cfg.AllowedFunctions,
		ExtraFunctions:   cfg.ExtraFunctions,
	})
	resolver := timerange.Resolver{
		DefaultHours: int(cfg.DefaultLookback / time.Hour),
		Now:          o.now,
	}
	b := builder.New(reg, validator, dialect,
		builder.WithMaxLimit(validator.MaxLimit()),
		builder.WithResolver(resolver),
		builder.WithLogger(o.logger),
	)

	return &Compiler{
		registry:  reg,
		dialect:   dialect,
		validator: validator,
		builder:   b,
		logger:    o.logger,
		metrics:   newMetrics(o.reg),
	}, nil
}

func (c *Compiler) Registry() *schema.Registry { return c.registry }

func (c *Compiler) Dialect() render.Dialect { return c.dialect }

// ValidateAndTranspile compiles SQL typed by a user. The result only reads
// rows of tenant, whatever the input says.
func (c *Compiler) ValidateAndTranspile(sqlText, tenant string) (*types.CompiledQuery, error) {
	q, err := c.validator.ValidateAndTranspile(sqlText, tenant)
	return c.observe("sql", tenant, q, err)
}

// BuildSelectQuery compiles structured dashboard options.
func (c *Compiler) BuildSelectQuery(opts builder.SelectOptions) (*types.CompiledQuery, error) {
	q, err := c.builder.BuildSelectQuery(opts)
	return c.observe("builder", opts.Tenant, q, err)
}

func (c *Compiler) observe(path, tenant string, q *types.CompiledQuery, err error) (*types.CompiledQuery, error) {
	if err != nil {
		kind := "internal"
		if r, ok := types.AsRejection(err); ok {
			kind = string(r.Kind)
		}
		c.metrics.rejected.WithLabelValues(path, kind).Inc()
		level.Info(c.logger).Log("msg", "query rejected", "path", path, "tenant", tenant, "kind", kind, "err", err)
		return nil, err
	}
	c.metrics.compiled.WithLabelValues(path).Inc()
	for _, w := range q.Warnings {
		level.Warn(c.logger).Log("msg", "query compiled with warning", "path", path, "tenant", tenant, "warning", w)
	}
	return q, nil
}

// Run executes q and, for a time series without extra dimensions, inserts a
// zero row for every empty bucket. Bucket values are returned as UTC
// time.Time whatever the store produced.
func (c *Compiler) Run(ctx context.Context, e exec.Executor, q *types.CompiledQuery) (*types.Rows, error) {
	rows, err := e.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	s := q.Series
	if s == nil {
		return rows, nil
	}
	for _, row := range rows.Rows {
		if t, ok := timerange.ToTime(row[s.Column]); ok {
			row[s.Column] = t
		}
	}
	if !s.Dense {
		return rows, nil
	}
	zero := make(types.Row, len(s.Values))
	for _, v := range s.Values {
		zero[v] = int64(0)
	}
	bucket := timerange.Bucket{Width: s.Width, Label: s.Label}
	rows.Rows = timerange.Fill(rows.Rows, timerange.Range{Start: s.Start, End: s.End}, bucket, s.Column, zero)
	return rows, nil
}
