package builder

import (
	"github.com/ariyn/querygate/internal/querygate/timerange"
	"github.com/ariyn/querygate/internal/querygate/types"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
)

var comparisons = map[Operator]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Filter restricts one column. Column may be a UI column id that
// SelectOptions.ColumnFilterConfig maps to a catalog column.
type Filter struct {
	Column   string   `json:"column" yaml:"column"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Aggregate names the function a Metric applies.
type Aggregate string

const (
	Dimension Aggregate = ""
	Count     Aggregate = "count"
	Sum       Aggregate = "sum"
	Avg       Aggregate = "avg"
	Min       Aggregate = "min"
	Max       Aggregate = "max"
	Quantile  Aggregate = "quantile"
	// Raw metrics carry a user-authored expression in Expr.
	Raw Aggregate = "raw"
)

// Metric is one selected value.
type Metric struct {
	Fn     Aggregate `json:"fn,omitempty" yaml:"fn"`
	Column string    `json:"column,omitempty" yaml:"column"`
	// Args holds the level for quantile.
	Args  []float64 `json:"args,omitempty" yaml:"args"`
	Alias string    `json:"alias,omitempty" yaml:"alias"`
	Expr  string    `json:"expr,omitempty" yaml:"expr"`
}

type OrderBy struct {
	Column    string `json:"column" yaml:"column"`
	Direction string `json:"direction,omitempty" yaml:"direction"`
}

type Pagination struct {
	Limit  int `json:"limit" yaml:"limit"`
	Offset int `json:"offset" yaml:"offset"`
}

// TimeSeries buckets the result over the table's timestamp column.
type TimeSeries struct {
	// Buckets is the target number of points; zero means the default.
	Buckets int `json:"buckets" yaml:"buckets"`
}

// SideAggregate folds the rows of a side table into one object per main
// row, e.g. every score of a trace keyed by score name.
type SideAggregate struct {
	Table string `json:"table" yaml:"table"`
	// Key is the side column holding the main table's id.
	Key   string `json:"key" yaml:"key"`
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
	Alias string `json:"alias" yaml:"alias"`
}

// SelectOptions is the structured description of a query.
type SelectOptions struct {
	Table  string `json:"table" yaml:"table"`
	Tenant string `json:"tenant" yaml:"tenant"`

	Columns            []Metric          `json:"columns" yaml:"columns"`
	Filters            []Filter          `json:"filters" yaml:"filters"`
	ColumnFilterConfig map[string]string `json:"columnFilterConfig,omitempty" yaml:"column_filter_config"`
	CustomConditions   []types.Condition `json:"-" yaml:"-"`
	TimeRange          *timerange.Input  `json:"timeRange,omitempty" yaml:"time_range"`
	OrderBy            []OrderBy         `json:"orderBy,omitempty" yaml:"order_by"`
	Pagination         Pagination        `json:"pagination" yaml:"pagination"`
	GroupBy            []string          `json:"groupBy,omitempty" yaml:"group_by"`
	TimeSeries         *TimeSeries       `json:"timeSeries,omitempty" yaml:"time_series"`
	SideAggregates     []SideAggregate   `json:"sideAggregates,omitempty" yaml:"side_aggregates"`
}
