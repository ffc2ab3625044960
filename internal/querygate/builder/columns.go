package builder

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/ariyn/querygate/internal/querygate/walker"
)

var aggregateFuncs = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"quantile": true, "median": true, "uniq": true, "any": true,
}

// column resolves a user-visible catalog column. The tenant column is
// never exposed.
func (q *query) column(name string) (*schema.ColumnSchema, error) {
	col, ok := q.tbl.Column(strings.TrimSpace(name))
	if !ok || col.Tenant {
		return nil, types.Reject(types.UnknownColumn, "unknown column %q on table %q", name, q.tbl.Name)
	}
	return col, nil
}

// columnExpr renders the catalog expression of col with every column
// qualified by the table name. Derived expressions are parenthesized.
func columnExpr(tbl *schema.TableSchema, col *schema.ColumnSchema, filter bool) (string, error) {
	text := col.SelectSQL()
	if filter {
		text = col.FilterSQL()
	}
	expr, err := schema.ParseExpr(text)
	if err != nil {
		return "", fmt.Errorf("column %s.%s: %w", tbl.Name, col.Name, err)
	}
	for _, ref := range walker.ExtractColumnReferences(expr) {
		ref.Node.Qualifier = sqlparser.TableName{Name: sqlparser.NewTableIdent(tbl.Name)}
	}
	out := sqlparser.String(expr)
	if col.Derived() || (filter && col.FilterExpression != "") {
		out = "(" + out + ")"
	}
	return out, nil
}

func (q *query) columns() error {
	metrics := q.opts.Columns
	if len(metrics) == 0 {
		for _, c := range q.tbl.Columns {
			metrics = append(metrics, Metric{Column: c.Name})
		}
	}

	for i, m := range metrics {
		s, err := q.metric(i, m)
		if err != nil {
			return err
		}
		alias := strings.ToLower(s.alias)
		if !identRe.MatchString(alias) {
			return types.Reject(types.InvalidOptions, "invalid column alias %q", s.alias)
		}
		if q.aliases[alias] {
			return types.Reject(types.InvalidOptions, "duplicate column alias %q", alias)
		}
		q.aliases[alias] = true
		q.sel = q.sel.Column(s.expr + " AS " + columnIdent(alias))
		if s.aggregate {
			q.aggregated = true
			q.values = append(q.values, alias)
		} else if s.col != nil {
			q.dims = append(q.dims, s.expr)
			q.dimCols[alias] = s.col
		}
	}
	return nil
}

// selected is one compiled select-list entry.
type selected struct {
	expr      string
	alias     string
	aggregate bool
	// col is set for plain dimensions.
	col *schema.ColumnSchema
}

func (q *query) metric(i int, m Metric) (selected, error) {
	fn := Aggregate(strings.ToLower(string(m.Fn)))

	if fn == Raw {
		return q.rawMetric(i, m)
	}
	if fn == Count && m.Column == "" {
		return selected{expr: "count(*)", alias: defaultAlias(m.Alias, "count"), aggregate: true}, nil
	}

	col, err := q.column(m.Column)
	if err != nil {
		return selected{}, err
	}
	expr, err := columnExpr(q.tbl, col, false)
	if err != nil {
		return selected{}, err
	}

	switch fn {
	case Dimension:
		return selected{expr: expr, alias: defaultAlias(m.Alias, col.Name), col: col}, nil
	case Count:
		return selected{expr: "count(" + expr + ")", alias: defaultAlias(m.Alias, "count_"+col.Name), aggregate: true}, nil
	case Sum, Avg:
		if col.Type != schema.TypeNumber {
			return selected{}, types.Reject(types.InvalidOptions, "%s needs a numeric column, %q is %s", fn, col.Name, col.Type)
		}
	case Min, Max:
		if col.Type != schema.TypeNumber && col.Type != schema.TypeDateTime {
			return selected{}, types.Reject(types.InvalidOptions, "%s needs a numeric or datetime column, %q is %s", fn, col.Name, col.Type)
		}
	case Quantile:
		if col.Type != schema.TypeNumber {
			return selected{}, types.Reject(types.InvalidOptions, "quantile needs a numeric column, %q is %s", col.Name, col.Type)
		}
		level := 0.5
		if len(m.Args) > 0 {
			level = m.Args[0]
		}
		s, err := q.b.dialect.Quantile(level, expr)
		if err != nil {
			return selected{}, err
		}
		return selected{expr: s, alias: defaultAlias(m.Alias, "p"+strconv.Itoa(int(level*100+0.5))+"_"+col.Name), aggregate: true}, nil
	default:
		return selected{}, types.Reject(types.InvalidOptions, "unknown metric function %q", m.Fn)
	}
	return selected{expr: string(fn) + "(" + expr + ")", alias: defaultAlias(m.Alias, string(fn)+"_"+col.Name), aggregate: true}, nil
}

// rawMetric re-validates a user-authored expression. Its literals are bound
// under "m<i>_" so they cannot collide with builder parameters.
func (q *query) rawMetric(i int, m Metric) (selected, error) {
	if q.b.fragments == nil {
		return selected{}, types.Reject(types.InvalidOptions, "raw metrics are not enabled")
	}
	if m.Alias == "" {
		return selected{}, types.Reject(types.InvalidOptions, "raw metric %q needs an alias", m.Expr)
	}
	frag, err := q.b.fragments.ValidateFragment(q.tbl.Name, m.Expr, fmt.Sprintf("m%d_", i+1))
	if err != nil {
		return selected{}, err
	}
	q.params.Merge(frag.Params)
	return selected{expr: frag.SQL, alias: m.Alias, aggregate: aggregates(frag.SQL)}, nil
}

func aggregates(text string) bool {
	expr, err := schema.ParseExpr(text)
	if err != nil {
		return false
	}
	for _, fc := range walker.ExtractFunctions(expr) {
		if aggregateFuncs[fc.Name] {
			return true
		}
	}
	return false
}

func defaultAlias(alias, fallback string) string {
	if alias != "" {
		return alias
	}
	return fallback
}

// sideAggregates adds one CTE per side aggregate, each folding the side
// table's rows into an object keyed by the main row id, and left-joins it.
func (q *query) sideAggregates() error {
	if len(q.opts.SideAggregates) == 0 {
		return nil
	}
	if q.aggregated {
		return types.Reject(types.InvalidOptions, "side aggregates cannot be combined with aggregate columns")
	}
	id, ok := q.tbl.Column("id")
	if !ok {
		return types.Reject(types.InvalidOptions, "table %q has no id column to join side aggregates on", q.tbl.Name)
	}
	idExpr, err := columnExpr(q.tbl, id, false)
	if err != nil {
		return err
	}

	var ctes []string
	for _, sa := range q.opts.SideAggregates {
		side, err := q.b.reg.ResolveTable(sa.Table)
		if err != nil {
			return types.Reject(types.UnknownTable, "unknown table %q", sa.Table)
		}
		alias := strings.ToLower(sa.Alias)
		if !identRe.MatchString(alias) {
			return types.Reject(types.InvalidOptions, "invalid side aggregate alias %q", sa.Alias)
		}
		if q.aliases[alias] {
			return types.Reject(types.InvalidOptions, "duplicate column alias %q", alias)
		}
		q.aliases[alias] = true

		var exprs [3]string
		for i, name := range []string{sa.Key, sa.Name, sa.Value} {
			col, ok := side.Column(name)
			if !ok || col.Tenant {
				return types.Reject(types.UnknownColumn, "unknown column %q on table %q", name, side.Name)
			}
			if exprs[i], err = columnExpr(side, col, false); err != nil {
				return err
			}
		}

		cte := "agg_" + alias
		inner, _, err := sq.Select(
			exprs[0]+" AS agg_key",
			q.b.dialect.ObjectAgg(exprs[1], exprs[2])+" AS "+columnIdent(alias),
		).
			From(tableIdent(side.Name)).
			Where(tenantPredicate(side)).
			GroupBy(exprs[0]).
			ToSql()
		if err != nil {
			return fmt.Errorf("build side aggregate %s: %w", alias, err)
		}
		ctes = append(ctes, cte+" AS ("+inner+")")
		q.sel = q.sel.
			LeftJoin(cte + " ON " + cte + ".agg_key = " + idExpr).
			Column(cte + "." + columnIdent(alias) + " AS " + columnIdent(alias))
	}
	q.sel = q.sel.Prefix("WITH " + strings.Join(ctes, ", "))
	return nil
}
