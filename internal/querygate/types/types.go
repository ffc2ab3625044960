package types

import (
	"sort"
	"time"
)

// Row represents a result row as a map from column name to value.
type Row map[string]any

// Rows is an ordered result set. Columns keeps the projection order the
// store returned, which a map-shaped Row cannot.
type Rows struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// SortedColumns returns the union of row keys in lexical order. Used when a
// result set was built without an explicit column list.
func (r *Rows) SortedColumns() []string {
	if r == nil {
		return nil
	}
	if len(r.Columns) > 0 {
		return r.Columns
	}
	seen := map[string]struct{}{}
	for _, row := range r.Rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// DBType is the storage type tag attached to a bound parameter so the
// executor can encode it without guessing from the Go value.
type DBType string

const (
	DBString     DBType = "String"
	DBInt64      DBType = "Int64"
	DBFloat64    DBType = "Float64"
	DBBool       DBType = "Bool"
	DBDateTime64 DBType = "DateTime64(3)"
	DBJSON       DBType = "JSON"
)

// Valid reports whether t is one of the known storage type tags.
func (t DBType) Valid() bool {
	switch t {
	case DBString, DBInt64, DBFloat64, DBBool, DBDateTime64, DBJSON:
		return true
	}
	return false
}

// Param is one bound value.
type Param struct {
	Value  any
	DBType DBType
}

// Params maps placeholder names (without the leading ':') to bound values.
type Params map[string]Param

// Names returns the parameter names in lexical order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Merge copies every entry of other into p. Later values win.
func (p Params) Merge(other Params) {
	for k, v := range other {
		p[k] = v
	}
}

// TenantParam is the placeholder every tenant predicate binds to.
const TenantParam = "tenant_scope"

// CompiledQuery is the output of both compilation paths: a single read-only
// SELECT using named ":name" placeholders plus the values bound to them.
type CompiledQuery struct {
	SQL      string
	Params   Params
	Tenant   string
	Warnings []string
	// Series is set for bucketed time-series queries.
	Series *Series
}

// Series describes the time axis of a bucketed query.
type Series struct {
	Column string
	Width  time.Duration
	Label  string
	Start  time.Time
	End    time.Time
	// Values are the aggregate columns; gap rows get zero for each.
	Values []string
	// Dense is false when rows carry extra group-by dimensions, in which
	// case gaps are not filled.
	Dense bool
}

// Fragment is a validated SQL expression that can be spliced into a larger
// statement. Its placeholders are already uniquely prefixed.
type Fragment struct {
	SQL    string
	Params Params
}

// Condition is a caller-supplied predicate fragment with positional '?'
// arguments. It is always anded with the tenant predicate, never replaces it.
type Condition struct {
	SQL  string
	Args []any
}
