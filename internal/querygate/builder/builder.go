// Package builder composes tenant-scoped SELECT statements from structured
// dashboard options. It never parses SQL typed by a user; raw metric
// expressions are handed to a FragmentValidator first.
package builder

import (
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/querygate/internal/querygate/render"
	"github.com/ariyn/querygate/internal/querygate/schema"
	sqlconv "github.com/ariyn/querygate/internal/querygate/sql"
	"github.com/ariyn/querygate/internal/querygate/timerange"
	"github.com/ariyn/querygate/internal/querygate/types"
)

// TimeBucketColumn is the output column of a time-series query.
const TimeBucketColumn = "time_bucket"

// FragmentValidator checks a user-authored expression against the catalog
// and binds its literals under the given parameter prefix.
type FragmentValidator interface {
	ValidateFragment(table, expr, prefix string) (*types.Fragment, error)
}

type Builder struct {
	reg       *schema.Registry
	fragments FragmentValidator
	dialect   render.Dialect
	maxLimit  int
	resolver  timerange.Resolver
	logger    log.Logger
}

type Option func(*Builder)

// WithMaxLimit sets the LIMIT clamp.
func WithMaxLimit(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxLimit = n
		}
	}
}

// WithResolver sets the default lookback and clock for time ranges.
func WithResolver(r timerange.Resolver) Option {
	return func(b *Builder) { b.resolver = r }
}

func WithLogger(l log.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New returns a Builder. fragments may be nil, in which case raw metrics
// are refused.
func New(reg *schema.Registry, fragments FragmentValidator, dialect render.Dialect, opts ...Option) *Builder {
	b := &Builder{
		reg:       reg,
		fragments: fragments,
		dialect:   dialect,
		maxLimit:  sqlconv.DefaultMaxLimit,
		resolver:  timerange.Resolver{DefaultHours: timerange.DefaultLookbackHours},
		logger:    log.NewNopLogger(),
	}
	if b.dialect == nil {
		b.dialect = render.SQLite
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// MaxLimit returns the LIMIT clamp.
func (b *Builder) MaxLimit() int { return b.maxLimit }

// query holds the state of one BuildSelectQuery call.
type query struct {
	b    *Builder
	opts SelectOptions
	tbl  *schema.TableSchema
	sel  sq.SelectBuilder

	params   types.Params
	warnings []string
	rng      *timerange.Range
	series   *types.Series

	aliases    map[string]bool
	dimCols    map[string]*schema.ColumnSchema
	values     []string
	dims       []string
	aggregated bool
}

// BuildSelectQuery compiles opts into a single SELECT. The tenant predicate
// is always the first WHERE condition; custom conditions, filters and the
// time window are anded after it.
func (b *Builder) BuildSelectQuery(opts SelectOptions) (*types.CompiledQuery, error) {
	if strings.TrimSpace(opts.Tenant) == "" {
		return nil, types.Reject(types.InvalidOptions, "tenant scope is required")
	}
	tbl, err := b.reg.ResolveTable(opts.Table)
	if err != nil {
		return nil, types.Reject(types.UnknownTable, "unknown table %q", opts.Table)
	}

	q := &query{
		b:       b,
		opts:    opts,
		tbl:     tbl,
		sel:     sq.Select().From(tableIdent(tbl.Name)).PlaceholderFormat(named{prefix: "b"}),
		params:  types.Params{},
		aliases: map[string]bool{},
		dimCols: map[string]*schema.ColumnSchema{},
	}

	steps := []func() error{
		q.resolveRange,
		q.timeSeries,
		q.columns,
		q.sideAggregates,
		q.where,
		q.groupBy,
		q.orderBy,
		q.paginate,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	text, args, err := q.sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	format := named{prefix: "b"}
	for i, a := range args {
		q.params[format.name(i)] = toParam(a)
	}
	q.params[types.TenantParam] = types.Param{Value: opts.Tenant, DBType: types.DBString}

	return &types.CompiledQuery{
		SQL:      text,
		Params:   q.params,
		Tenant:   opts.Tenant,
		Warnings: q.warnings,
		Series:   q.series,
	}, nil
}

func (q *query) warn(err error, keyvals ...any) {
	q.warnings = append(q.warnings, err.Error())
	kv := append([]any{"msg", "dropping filter", "table", q.tbl.Name, "err", err}, keyvals...)
	_ = level.Warn(q.b.logger).Log(kv...)
}

// resolveRange resolves the time window once per call. A time series
// without an explicit range uses the default lookback.
func (q *query) resolveRange() error {
	if q.opts.TimeRange == nil && q.opts.TimeSeries == nil {
		return nil
	}
	if q.tbl.Timestamp() == nil {
		return types.Reject(types.InvalidOptions, "table %q has no timestamp column", q.tbl.Name)
	}
	r, err := q.b.resolver.Resolve(q.opts.TimeRange)
	if err != nil {
		return err
	}
	q.rng = &r
	return nil
}

// timeSeries picks the bucket width before columns are added so the bucket
// column comes first.
func (q *query) timeSeries() error {
	ts := q.opts.TimeSeries
	if ts == nil {
		return nil
	}
	col := q.tbl.Timestamp()
	r := *q.rng
	bucket := timerange.BucketFor(r, ts.Buckets)
	expr, err := columnExpr(q.tbl, col, false)
	if err != nil {
		return err
	}
	q.sel = q.sel.Column(q.b.dialect.TimeBucket(expr, bucket.Width) + " AS " + TimeBucketColumn)
	q.aliases[TimeBucketColumn] = true
	q.aggregated = true
	q.series = &types.Series{
		Column: TimeBucketColumn,
		Width:  bucket.Width,
		Label:  bucket.Label,
		Start:  r.Start,
		End:    r.End,
	}
	return nil
}

func (q *query) where() error {
	q.sel = q.sel.Where(tenantPredicate(q.tbl))

	for _, c := range q.opts.CustomConditions {
		if strings.TrimSpace(c.SQL) == "" {
			return types.Reject(types.InvalidOptions, "custom condition is empty")
		}
		q.sel = q.sel.Where("("+c.SQL+")", c.Args...)
	}

	for _, f := range q.opts.Filters {
		pred, args, err := q.filter(f)
		if err != nil {
			if _, ok := types.AsRejection(err); !ok {
				return err
			}
			q.warn(err, "column", f.Column, "operator", f.Operator)
			continue
		}
		q.sel = q.sel.Where(pred, args...)
	}

	if q.rng == nil {
		return nil
	}
	expr, err := columnExpr(q.tbl, q.tbl.Timestamp(), true)
	if err != nil {
		return err
	}
	pred, args := timerange.Predicate(expr, *q.rng)
	for i, a := range args {
		args[i] = types.Param{Value: a, DBType: types.DBDateTime64}
	}
	q.sel = q.sel.Where(pred, args...)
	return nil
}

func tenantPredicate(tbl *schema.TableSchema) string {
	return tableIdent(tbl.Name) + "." + columnIdent(tbl.TenantColumn) + " = :" + types.TenantParam
}

func (q *query) groupBy() error {
	seen := map[string]bool{}
	var exprs []string
	add := func(e string) {
		if !seen[e] {
			seen[e] = true
			exprs = append(exprs, e)
		}
	}

	if q.series != nil {
		expr, err := columnExpr(q.tbl, q.tbl.Timestamp(), false)
		if err != nil {
			return err
		}
		add(q.b.dialect.TimeBucket(expr, q.series.Width))
	}
	for _, name := range q.opts.GroupBy {
		col, err := q.column(name)
		if err != nil {
			return err
		}
		expr, err := columnExpr(q.tbl, col, false)
		if err != nil {
			return err
		}
		add(expr)
	}
	// Plain dimensions next to aggregates are grouped implicitly.
	if q.aggregated {
		for _, d := range q.dims {
			add(d)
		}
	}
	if q.series != nil {
		q.series.Values = q.values
		q.series.Dense = len(exprs) == 1
	}
	if len(exprs) > 0 {
		q.sel = q.sel.GroupBy(exprs...)
	}
	return nil
}

func (q *query) orderBy() error {
	if len(q.opts.OrderBy) == 0 && q.series != nil {
		q.sel = q.sel.OrderBy(TimeBucketColumn + " ASC")
		return nil
	}
	for _, o := range q.opts.OrderBy {
		dir := strings.ToUpper(strings.TrimSpace(o.Direction))
		if dir == "" {
			dir = "ASC"
		}
		if dir != "ASC" && dir != "DESC" {
			return types.Reject(types.InvalidSort, "sort direction must be asc or desc, got %q", o.Direction)
		}

		name := strings.ToLower(strings.TrimSpace(o.Column))
		// A selected dimension sorts by alias but keeps its column's flag.
		if col, ok := q.dimCols[name]; ok {
			if !col.Sortable {
				return types.Reject(types.InvalidSort, "column %q is not sortable", o.Column)
			}
			q.sel = q.sel.OrderBy(columnIdent(name) + " " + dir)
			continue
		}
		if q.aliases[name] {
			q.sel = q.sel.OrderBy(columnIdent(name) + " " + dir)
			continue
		}
		col, ok := q.tbl.Column(name)
		if !ok || col.Tenant || !col.Sortable {
			return types.Reject(types.InvalidSort, "column %q is not sortable", o.Column)
		}
		expr, err := columnExpr(q.tbl, col, false)
		if err != nil {
			return err
		}
		q.sel = q.sel.OrderBy(expr + " " + dir)
	}
	return nil
}

func (q *query) paginate() error {
	p := q.opts.Pagination
	if p.Limit < 0 {
		return types.Reject(types.InvalidPagination, "limit must not be negative, got %d", p.Limit)
	}
	if p.Offset < 0 {
		return types.Reject(types.InvalidPagination, "offset must not be negative, got %d", p.Offset)
	}
	limit := p.Limit
	switch {
	case limit == 0:
		limit = q.b.maxLimit
	case limit > q.b.maxLimit:
		q.warnings = append(q.warnings, fmt.Sprintf("limit %d clamped to %d", limit, q.b.maxLimit))
		limit = q.b.maxLimit
	}
	q.sel = q.sel.Limit(uint64(limit))
	if p.Offset > 0 {
		q.sel = q.sel.Offset(uint64(p.Offset))
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func tableIdent(name string) string {
	return sqlparser.String(sqlparser.NewTableIdent(name))
}

func columnIdent(name string) string {
	return sqlparser.String(sqlparser.NewColIdent(name))
}
