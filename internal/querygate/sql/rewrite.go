package sqlconv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/ariyn/querygate/internal/querygate/walker"
	"github.com/xwb1989/sqlparser"
)

// boundLimit injects or clamps LIMIT. Only the outermost SELECT gets an
// injected limit; nested ones are clamped when present.
func (a *analysis) boundLimit(sel *sqlparser.Select, top bool) error {
	max := a.v.policy.maxLimit()
	if sel.Limit == nil {
		if top {
			sel.Limit = &sqlparser.Limit{Rowcount: sqlparser.NewIntVal([]byte(strconv.Itoa(max)))}
		}
		return nil
	}
	if sel.Limit.Offset != nil {
		if _, err := intLiteral(sel.Limit.Offset); err != nil {
			return err
		}
	}
	n, err := intLiteral(sel.Limit.Rowcount)
	if err != nil {
		return err
	}
	if n > int64(max) {
		sel.Limit.Rowcount = sqlparser.NewIntVal([]byte(strconv.Itoa(max)))
		a.warn("limit", fmt.Sprintf("LIMIT %d exceeds the maximum of %d and was lowered", n, max))
	}
	return nil
}

func intLiteral(e sqlparser.Expr) (int64, error) {
	v, ok := e.(*sqlparser.SQLVal)
	if !ok || v.Type != sqlparser.IntVal {
		return 0, types.Reject(types.SyntaxError, "LIMIT and OFFSET must be integer literals")
	}
	n, err := strconv.ParseInt(string(v.Val), 10, 64)
	if err != nil || n < 0 {
		return 0, types.Reject(types.SyntaxError, "invalid LIMIT value %s", v.Val)
	}
	return n, nil
}

// expandDerived replaces references to computed catalog columns with the
// catalog expression, qualified with the source the reference resolved to.
func expandDerived(ss *selectScope) error {
	if len(ss.derived) == 0 {
		return nil
	}
	sel := ss.sel
	for _, ref := range ss.derived {
		text := ref.column.SelectSQL()
		switch ref.clause {
		case walker.ClauseWhere, walker.ClauseHaving, walker.ClauseJoin:
			text = ref.column.FilterSQL()
		}
		expr, err := schema.ParseExpr(text)
		if err != nil {
			return fmt.Errorf("expand %s: %w", ref.column.Name, err)
		}
		qualify(expr, ref.source.name)
		var to sqlparser.Expr = &sqlparser.ParenExpr{Expr: expr}

		replaced := false
		replace := func(root *sqlparser.Expr) {
			if replaced || *root == nil || !contains(*root, ref.node) {
				return
			}
			*root = sqlparser.ReplaceExpr(*root, ref.node, to)
			replaced = !contains(*root, ref.node)
		}

		for _, se := range sel.SelectExprs {
			ae, ok := se.(*sqlparser.AliasedExpr)
			if !ok {
				continue
			}
			if ae.Expr == sqlparser.Expr(ref.node) && ae.As.IsEmpty() {
				ae.As = sqlparser.NewColIdent(ref.column.Name)
			}
			replace(&ae.Expr)
		}
		forEachJoin(sel.From, func(j *sqlparser.JoinTableExpr) { replace(&j.Condition.On) })
		if sel.Where != nil {
			replace(&sel.Where.Expr)
		}
		for i := range sel.GroupBy {
			replace(&sel.GroupBy[i])
		}
		if sel.Having != nil {
			replace(&sel.Having.Expr)
		}
		for _, o := range sel.OrderBy {
			replace(&o.Expr)
		}
		if !replaced {
			return types.Reject(types.UnknownColumn, "column %s cannot be used in this position", ref.column.Name)
		}
	}
	return nil
}

// expandStars replaces "*" and "t.*" with the catalog columns of each
// source, so the store only ever returns registry columns.
func expandStars(ss *selectScope) error {
	sel := ss.sel
	out := make(sqlparser.SelectExprs, 0, len(sel.SelectExprs))
	for _, se := range sel.SelectExprs {
		star, ok := se.(*sqlparser.StarExpr)
		if !ok {
			out = append(out, se)
			continue
		}
		sources := ss.scope.sources
		if !star.TableName.IsEmpty() {
			src, ok := ss.scope.byAlias[strings.ToLower(star.TableName.Name.String())]
			if !ok {
				return types.Reject(types.UnknownTable, "unknown table %q", star.TableName.Name.String())
			}
			sources = []*source{src}
		}
		n := len(out)
		for _, src := range sources {
			for _, col := range src.outputColumns() {
				expr, err := starColumn(src, col)
				if err != nil {
					return err
				}
				out = append(out, expr)
			}
		}
		if len(out) == n {
			return types.Reject(types.UnknownColumn, "%s selects no named columns", sqlparser.String(star))
		}
	}
	sel.SelectExprs = out
	return nil
}

func starColumn(src *source, col *schema.ColumnSchema) (sqlparser.SelectExpr, error) {
	name := sqlparser.NewColIdent(col.Name)
	if src.table == nil || !col.Derived() {
		return &sqlparser.AliasedExpr{Expr: &sqlparser.ColName{
			Name:      name,
			Qualifier: sqlparser.TableName{Name: sqlparser.NewTableIdent(src.name)},
		}}, nil
	}
	expr, err := schema.ParseExpr(col.SelectSQL())
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", col.Name, err)
	}
	qualify(expr, src.name)
	return &sqlparser.AliasedExpr{Expr: &sqlparser.ParenExpr{Expr: expr}, As: name}, nil
}

func qualify(expr sqlparser.Expr, alias string) {
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		if c, ok := n.(*sqlparser.ColName); ok {
			c.Qualifier = sqlparser.TableName{Name: sqlparser.NewTableIdent(alias)}
		}
		return true, nil
	}, expr)
}

func contains(root sqlparser.SQLNode, target *sqlparser.ColName) bool {
	found := false
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		if c, ok := n.(*sqlparser.ColName); ok && c == target {
			found = true
		}
		return !found, nil
	}, root)
	return found
}

func forEachJoin(from sqlparser.TableExprs, fn func(*sqlparser.JoinTableExpr)) {
	var visit func(te sqlparser.TableExpr)
	visit = func(te sqlparser.TableExpr) {
		switch te := te.(type) {
		case *sqlparser.ParenTableExpr:
			for _, inner := range te.Exprs {
				visit(inner)
			}
		case *sqlparser.JoinTableExpr:
			visit(te.LeftExpr)
			visit(te.RightExpr)
			fn(te)
		}
	}
	for _, te := range from {
		visit(te)
	}
}

// tenantPredicate builds "<alias>.<tenant column> = :tenant_scope".
func tenantPredicate(src *source) sqlparser.Expr {
	return &sqlparser.ComparisonExpr{
		Operator: sqlparser.EqualStr,
		Left: &sqlparser.ColName{
			Name:      sqlparser.NewColIdent(src.table.TenantColumn),
			Qualifier: sqlparser.TableName{Name: sqlparser.NewTableIdent(src.name)},
		},
		Right: sqlparser.NewValArg([]byte(":" + types.TenantParam)),
	}
}

// injectTenant scopes every base-table scan of the SELECT. Scans on the
// nullable side of an outer join are restricted in that join's ON clause so
// the join keeps its outer semantics; all others are anded in front of the
// original WHERE, which is parenthesized to keep its OR arms together.
func injectTenant(ss *selectScope) {
	var where sqlparser.Expr
	for _, src := range ss.scope.sources {
		if src.table == nil {
			continue
		}
		pred := tenantPredicate(src)
		if src.outer != nil {
			j := src.outer
			if j.Condition.On == nil {
				j.Condition.On = pred
			} else {
				j.Condition.On = &sqlparser.AndExpr{Left: &sqlparser.ParenExpr{Expr: j.Condition.On}, Right: pred}
			}
			continue
		}
		if where == nil {
			where = pred
		} else {
			where = &sqlparser.AndExpr{Left: where, Right: pred}
		}
	}
	if where == nil {
		return
	}
	sel := ss.sel
	if sel.Where == nil || sel.Where.Expr == nil {
		sel.Where = &sqlparser.Where{Type: sqlparser.WhereStr, Expr: where}
		return
	}
	sel.Where.Expr = &sqlparser.AndExpr{Left: where, Right: &sqlparser.ParenExpr{Expr: sel.Where.Expr}}
}
