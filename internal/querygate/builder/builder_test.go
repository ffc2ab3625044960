package builder

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/querygate/internal/querygate/render"
	"github.com/ariyn/querygate/internal/querygate/schema"
	sqlconv "github.com/ariyn/querygate/internal/querygate/sql"
	"github.com/ariyn/querygate/internal/querygate/timerange"
	"github.com/ariyn/querygate/internal/querygate/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newBuilder(t *testing.T, dialect render.Dialect, opts ...Option) *Builder {
	t.Helper()
	reg, err := schema.DefaultRegistry()
	require.NoError(t, err)
	opts = append([]Option{WithResolver(timerange.Resolver{DefaultHours: 24, Now: func() time.Time { return now }})}, opts...)
	return New(reg, sqlconv.NewValidator(reg, sqlconv.Policy{}), dialect, opts...)
}

func TestAggregateDashboardQuery(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:      "spans",
		Tenant:     "proj-1",
		Columns:    []Metric{{Fn: Count, Alias: "count"}},
		Filters:    []Filter{{Column: "status", Operator: OpEq, Value: "error"}},
		TimeRange:  &timerange.Input{PastHours: "24"},
		Pagination: Pagination{Limit: 100, Offset: 0},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT count(*) AS count FROM spans WHERE spans.project_id = :tenant_scope AND (spans.`status` = :b1) AND (spans.start_time >= :b2 AND spans.start_time < :b3) LIMIT 100", q.SQL)
	assert.Equal(t, types.Params{
		types.TenantParam: {Value: "proj-1", DBType: types.DBString},
		"b1":              {Value: "error", DBType: types.DBString},
		"b2":              {Value: now.Add(-24 * time.Hour), DBType: types.DBDateTime64},
		"b3":              {Value: now, DBType: types.DBDateTime64},
	}, q.Params)
	assert.Equal(t, "proj-1", q.Tenant)
	assert.Empty(t, q.Warnings)
}

func TestFilterUsesFilterExpression(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "traces",
		Tenant:  "p1",
		Columns: []Metric{{Column: "release_tag"}},
		Filters: []Filter{{Column: "release_tag", Operator: OpEq, Value: "v2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT (substr(traces.metadata, 1, 64)) AS release_tag FROM traces WHERE traces.project_id = :tenant_scope AND ((json_extract(traces.metadata, '$.release')) = :b1) LIMIT 10000", q.SQL)
	assert.Equal(t, types.Param{Value: "v2", DBType: types.DBString}, q.Params["b1"])
}

func TestTimeRangeDefaultLookback(t *testing.T) {
	b := newBuilder(t, render.SQLite)

	q, err := b.BuildSelectQuery(SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Column: "id"}}, TimeRange: &timerange.Input{}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.id AS id FROM spans WHERE spans.project_id = :tenant_scope AND (spans.start_time >= :b1 AND spans.start_time < :b2) LIMIT 10000", q.SQL)
	assert.Equal(t, now.Add(-24*time.Hour), q.Params["b1"].Value)
	assert.Equal(t, now, q.Params["b2"].Value)

	q, err = b.BuildSelectQuery(SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Column: "id"}}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.id AS id FROM spans WHERE spans.project_id = :tenant_scope LIMIT 10000", q.SQL)
}

func TestBuildIsIdempotent(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	opts := SelectOptions{
		Table:     "traces",
		Tenant:    "p1",
		Columns:   []Metric{{Column: "name"}, {Fn: Sum, Column: "total_cost"}},
		Filters:   []Filter{{Column: "environment", Operator: OpNe, Value: "dev"}},
		TimeRange: &timerange.Input{PastHours: "all"},
		OrderBy:   []OrderBy{{Column: "sum_total_cost", Direction: "desc"}},
	}
	a, err := b.BuildSelectQuery(opts)
	require.NoError(t, err)
	c, err := b.BuildSelectQuery(opts)
	require.NoError(t, err)
	assert.Equal(t, a.SQL, c.SQL)
	assert.Equal(t, a.Params, c.Params)
}

func TestDimensionsAreGroupedWithAggregates(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Column: "name"}, {Fn: Avg, Column: "duration_ms", Alias: "avg_duration"}},
		OrderBy: []OrderBy{{Column: "avg_duration", Direction: "DESC"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.name AS name, avg((spans.end_time - spans.start_time)) AS avg_duration FROM spans WHERE spans.project_id = :tenant_scope GROUP BY spans.name ORDER BY avg_duration DESC LIMIT 10000", q.SQL)
}

func TestDerivedColumns(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Column: "name"}, {Column: "duration_ms"}},
		Filters: []Filter{{Column: "duration_ms", Operator: OpGt, Value: float64(1000)}},
		OrderBy: []OrderBy{{Column: "duration_ms", Direction: "desc"}, {Column: "start_time"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.name AS name, (spans.end_time - spans.start_time) AS duration_ms FROM spans WHERE spans.project_id = :tenant_scope AND ((spans.end_time - spans.start_time) > :b1) ORDER BY duration_ms DESC, spans.start_time ASC LIMIT 10000", q.SQL)
	assert.Equal(t, types.Param{Value: int64(1000), DBType: types.DBInt64}, q.Params["b1"])
}

func TestExplicitGroupBy(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Fn: Count}, {Fn: Max, Column: "total_tokens", Alias: "peak"}},
		GroupBy: []string{"model"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT count(*) AS count, max((coalesce(spans.input_tokens, 0) + coalesce(spans.output_tokens, 0))) AS peak FROM spans WHERE spans.project_id = :tenant_scope GROUP BY spans.model LIMIT 10000", q.SQL)

	_, err = b.BuildSelectQuery(SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Fn: Count}}, GroupBy: []string{"nope"}})
	assert.True(t, types.IsRejection(err, types.UnknownColumn))
}

func TestDefaultColumns(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{Table: "events", Tenant: "p1", Pagination: Pagination{Limit: 5}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT events.id AS id, events.trace_id AS trace_id, events.name AS name, events.`level` AS `level`, events.`timestamp` AS `timestamp`, events.metadata AS metadata FROM events WHERE events.project_id = :tenant_scope LIMIT 5", q.SQL)
}

func TestFiltersAreDroppedWithWarnings(t *testing.T) {
	var buf bytes.Buffer
	b := newBuilder(t, render.SQLite, WithLogger(log.NewLogfmtLogger(&buf)))
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "traces",
		Tenant:  "p1",
		Columns: []Metric{{Column: "id"}},
		Filters: []Filter{
			{Column: "removed_column", Operator: OpEq, Value: "x"},
			{Column: "metadata", Operator: OpEq, Value: "x"},
			{Column: "total_cost", Operator: OpContains, Value: "1"},
			{Column: "total_cost", Operator: OpGt, Value: "abc"},
			{Column: "bookmarked", Operator: OpGt, Value: true},
			{Column: "project_id", Operator: OpEq, Value: "p2"},
			{Column: "bookmarked", Operator: OpEq, Value: "true"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT traces.id AS id FROM traces WHERE traces.project_id = :tenant_scope AND (traces.bookmarked = :b1) LIMIT 10000", q.SQL)
	assert.Equal(t, types.Param{Value: true, DBType: types.DBBool}, q.Params["b1"])
	assert.Len(t, q.Warnings, 6)
	for _, w := range q.Warnings {
		assert.Contains(t, w, string(types.InvalidFilter))
	}
	assert.Contains(t, buf.String(), "level=warn")
	assert.Contains(t, buf.String(), "dropping filter")
}

func TestColumnFilterConfig(t *testing.T) {
	b := newBuilder(t, render.MySQL)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:              "traces",
		Tenant:             "p1",
		Columns:            []Metric{{Column: "id"}},
		ColumnFilterConfig: map[string]string{"Trace Name": "name"},
		Filters:            []Filter{{Column: "Trace Name", Operator: OpContains, Value: `a%b_c\`}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT traces.id AS id FROM traces WHERE traces.project_id = :tenant_scope AND (traces.name LIKE :b1) LIMIT 10000", q.SQL)
	assert.Equal(t, `%a\%b\_c\\%`, q.Params["b1"].Value)
}

func TestContainsEscapeClause(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Column: "id"}},
		Filters: []Filter{{Column: "name", Operator: OpContains, Value: "x'; DROP TABLE spans; --"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.id AS id FROM spans WHERE spans.project_id = :tenant_scope AND (spans.name LIKE :b1 ESCAPE :b2) LIMIT 10000", q.SQL)
	assert.NotContains(t, q.SQL, "DROP")
	assert.Equal(t, `\`, q.Params["b2"].Value)
}

func TestCustomConditions(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:            "spans",
		Tenant:           "p1",
		Columns:          []Metric{{Column: "id"}},
		CustomConditions: []types.Condition{{SQL: "spans.trace_id IN (?, ?) OR 1 = 1", Args: []any{"t1", "t2"}}},
		Filters:          []Filter{{Column: "level", Operator: OpEq, Value: "ERROR"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.id AS id FROM spans WHERE spans.project_id = :tenant_scope AND (spans.trace_id IN (:b1, :b2) OR 1 = 1) AND (spans.`level` = :b3) LIMIT 10000", q.SQL)
	assert.Equal(t, types.Param{Value: "t2", DBType: types.DBString}, q.Params["b2"])

	_, err = b.BuildSelectQuery(SelectOptions{Table: "spans", Tenant: "p1", CustomConditions: []types.Condition{{SQL: " "}}})
	assert.True(t, types.IsRejection(err, types.InvalidOptions))
}

func TestRawMetric(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Column: "model"}, {Fn: Raw, Expr: "sum(total_cost) * 2", Alias: "double_cost"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.model AS model, sum(total_cost) * :m2_v1 AS double_cost FROM spans WHERE spans.project_id = :tenant_scope GROUP BY spans.model LIMIT 10000", q.SQL)
	assert.Equal(t, types.Param{Value: int64(2), DBType: types.DBInt64}, q.Params["m2_v1"])
}

func TestRawMetricRejections(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	tests := []struct {
		name string
		m    Metric
		kind types.RejectionKind
	}{
		{"function outside allow-list", Metric{Fn: Raw, Expr: "sleep(10)", Alias: "x"}, types.DisallowedFunction},
		{"unknown column", Metric{Fn: Raw, Expr: "sum(secret)", Alias: "x"}, types.UnknownColumn},
		{"second statement", Metric{Fn: Raw, Expr: "1; drop table spans", Alias: "x"}, types.DisallowedStatement},
		{"missing alias", Metric{Fn: Raw, Expr: "count(*)"}, types.InvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.BuildSelectQuery(SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{tt.m}})
			require.Error(t, err)
			assert.True(t, types.IsRejection(err, tt.kind), err.Error())
		})
	}

	reg, err := schema.DefaultRegistry()
	require.NoError(t, err)
	_, err = New(reg, nil, render.SQLite).BuildSelectQuery(SelectOptions{
		Table: "spans", Tenant: "p1", Columns: []Metric{{Fn: Raw, Expr: "count(*)", Alias: "n"}},
	})
	assert.True(t, types.IsRejection(err, types.InvalidOptions))
}

func TestQuantile(t *testing.T) {
	q, err := newBuilder(t, render.ClickHouse).BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Fn: Quantile, Column: "duration_ms", Args: []float64{0.95}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT quantile(0.95)((spans.end_time - spans.start_time)) AS p95_duration_ms FROM spans WHERE spans.project_id = :tenant_scope LIMIT 10000", q.SQL)

	_, err = newBuilder(t, render.SQLite).BuildSelectQuery(SelectOptions{
		Table:   "spans",
		Tenant:  "p1",
		Columns: []Metric{{Fn: Quantile, Column: "duration_ms"}},
	})
	assert.True(t, types.IsRejection(err, types.DisallowedFunction))
}

func TestTimeSeries(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:      "spans",
		Tenant:     "p1",
		Columns:    []Metric{{Fn: Count}},
		TimeRange:  &timerange.Input{PastHours: "1"},
		TimeSeries: &TimeSeries{Buckets: 60},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT ((spans.start_time / 60000) * 60000) AS time_bucket, count(*) AS count FROM spans WHERE spans.project_id = :tenant_scope AND (spans.start_time >= :b1 AND spans.start_time < :b2) GROUP BY ((spans.start_time / 60000) * 60000) ORDER BY time_bucket ASC LIMIT 10000", q.SQL)
	require.NotNil(t, q.Series)
	assert.Equal(t, time.Minute, q.Series.Width)
	assert.Equal(t, "1 minute", q.Series.Label)
	assert.Equal(t, []string{"count"}, q.Series.Values)
	assert.True(t, q.Series.Dense)
	assert.Equal(t, now.Add(-time.Hour), q.Series.Start)

	q, err = b.BuildSelectQuery(SelectOptions{
		Table:      "spans",
		Tenant:     "p1",
		Columns:    []Metric{{Column: "model"}, {Fn: Count}},
		TimeSeries: &TimeSeries{},
	})
	require.NoError(t, err)
	assert.False(t, q.Series.Dense)
	assert.Equal(t, 24*time.Hour, q.Series.End.Sub(q.Series.Start))
}

func TestSideAggregates(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:   "traces",
		Tenant:  "p1",
		Columns: []Metric{{Column: "id"}, {Column: "name"}},
		SideAggregates: []SideAggregate{
			{Table: "scores", Key: "trace_id", Name: "name", Value: "value", Alias: "scores"},
		},
		Filters: []Filter{{Column: "name", Operator: OpEq, Value: "checkout"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "WITH agg_scores AS (SELECT scores.trace_id AS agg_key, json_group_object(scores.name, scores.value) AS scores FROM scores WHERE scores.project_id = :tenant_scope GROUP BY scores.trace_id) "+
		"SELECT traces.id AS id, traces.name AS name, agg_scores.scores AS scores FROM traces LEFT JOIN agg_scores ON agg_scores.agg_key = traces.id "+
		"WHERE traces.project_id = :tenant_scope AND (traces.name = :b1) LIMIT 10000", q.SQL)
}

func TestSideAggregateRejections(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	tests := []struct {
		name string
		opts SelectOptions
		kind types.RejectionKind
	}{
		{"unknown side table", SelectOptions{SideAggregates: []SideAggregate{{Table: "secrets", Key: "trace_id", Name: "name", Value: "value", Alias: "s"}}}, types.UnknownTable},
		{"unknown side column", SelectOptions{SideAggregates: []SideAggregate{{Table: "scores", Key: "trace_id", Name: "label", Value: "value", Alias: "s"}}}, types.UnknownColumn},
		{"tenant side column", SelectOptions{SideAggregates: []SideAggregate{{Table: "scores", Key: "project_id", Name: "name", Value: "value", Alias: "s"}}}, types.UnknownColumn},
		{"bad alias", SelectOptions{SideAggregates: []SideAggregate{{Table: "scores", Key: "trace_id", Name: "name", Value: "value", Alias: "s; drop"}}}, types.InvalidOptions},
		{"with aggregates", SelectOptions{Columns: []Metric{{Fn: Count}}, SideAggregates: []SideAggregate{{Table: "scores", Key: "trace_id", Name: "name", Value: "value", Alias: "s"}}}, types.InvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Table, tt.opts.Tenant = "traces", "p1"
			_, err := b.BuildSelectQuery(tt.opts)
			require.Error(t, err)
			assert.True(t, types.IsRejection(err, tt.kind), err.Error())
		})
	}
}

func TestLimitClamp(t *testing.T) {
	b := newBuilder(t, render.SQLite, WithMaxLimit(500))
	q, err := b.BuildSelectQuery(SelectOptions{
		Table:      "spans",
		Tenant:     "p1",
		Columns:    []Metric{{Column: "id"}},
		Pagination: Pagination{Limit: 10_000_000, Offset: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT spans.id AS id FROM spans WHERE spans.project_id = :tenant_scope LIMIT 500 OFFSET 20", q.SQL)
	assert.Equal(t, []string{"limit 10000000 clamped to 500"}, q.Warnings)
}

func TestRejections(t *testing.T) {
	b := newBuilder(t, render.SQLite)
	tests := []struct {
		name string
		opts SelectOptions
		kind types.RejectionKind
	}{
		{"missing tenant", SelectOptions{Table: "spans"}, types.InvalidOptions},
		{"unknown table", SelectOptions{Table: "other_tenant_view", Tenant: "p1"}, types.UnknownTable},
		{"unknown select column", SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Column: "secret"}}}, types.UnknownColumn},
		{"tenant column selected", SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Column: "project_id"}}}, types.UnknownColumn},
		{"sum of text", SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Fn: Sum, Column: "name"}}}, types.InvalidOptions},
		{"unknown function", SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Fn: "stddev", Column: "total_cost"}}}, types.InvalidOptions},
		{"duplicate alias", SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Column: "name"}, {Column: "model", Alias: "name"}}}, types.InvalidOptions},
		{"injected alias", SelectOptions{Table: "spans", Tenant: "p1", Columns: []Metric{{Column: "name", Alias: "x from traces --"}}}, types.InvalidOptions},
		{"unsortable column", SelectOptions{Table: "traces", Tenant: "p1", OrderBy: []OrderBy{{Column: "metadata"}}}, types.InvalidSort},
		{"unknown sort column", SelectOptions{Table: "traces", Tenant: "p1", OrderBy: []OrderBy{{Column: "nope"}}}, types.InvalidSort},
		{"bad direction", SelectOptions{Table: "traces", Tenant: "p1", OrderBy: []OrderBy{{Column: "name", Direction: "sideways"}}}, types.InvalidSort},
		{"negative limit", SelectOptions{Table: "spans", Tenant: "p1", Pagination: Pagination{Limit: -1}}, types.InvalidPagination},
		{"negative offset", SelectOptions{Table: "spans", Tenant: "p1", Pagination: Pagination{Offset: -5}}, types.InvalidPagination},
		{"inverted range", SelectOptions{Table: "spans", Tenant: "p1", TimeRange: &timerange.Input{StartDate: ptr(now), EndDate: ptr(now.Add(-time.Hour))}}, types.InvalidTimeRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.BuildSelectQuery(tt.opts)
			require.Error(t, err)
			assert.True(t, types.IsRejection(err, tt.kind), err.Error())
		})
	}
}

func TestNamedPlaceholders(t *testing.T) {
	out, err := named{prefix: "b"}.ReplacePlaceholders("a = ? AND b ?? c AND d IN (?, ?)")
	require.NoError(t, err)
	assert.Equal(t, "a = :b1 AND b ? c AND d IN (:b2, :b3)", out)
}

func ptr(t time.Time) *time.Time { return &t }
