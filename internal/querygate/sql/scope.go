package sqlconv

import (
	"strconv"
	"strings"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/ariyn/querygate/internal/querygate/walker"
	"github.com/xwb1989/sqlparser"
)

// source is one FROM item visible in a SELECT.
type source struct {
	name  string // alias as written, or the table name
	table *schema.TableSchema
	// columns is set for derived tables and common table expressions.
	columns map[string]*schema.ColumnSchema
	order   []string

	// outer is the LEFT/RIGHT join whose nullable side holds this source;
	// its tenant predicate goes into that join's ON condition.
	outer *sqlparser.JoinTableExpr
}

func (s *source) column(name string) (*schema.ColumnSchema, bool) {
	if s.table != nil {
		return s.table.Column(name)
	}
	c, ok := s.columns[strings.ToLower(name)]
	return c, ok
}

// outputColumns lists what "SELECT *" from this source yields.
func (s *source) outputColumns() []*schema.ColumnSchema {
	if s.table != nil {
		out := make([]*schema.ColumnSchema, 0, len(s.table.Columns))
		for i := range s.table.Columns {
			out = append(out, &s.table.Columns[i])
		}
		return out
	}
	out := make([]*schema.ColumnSchema, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.columns[k])
	}
	return out
}

// scope is the name environment of one SELECT.
type scope struct {
	parent  *scope
	sources []*source
	byAlias map[string]*source
	aliases map[string]struct{}
	// using maps a JOIN ... USING column to the left source it merges into.
	using map[string]*source
}

func (sc *scope) lookup(alias string) (*source, bool) {
	for s := sc; s != nil; s = s.parent {
		if src, ok := s.byAlias[strings.ToLower(alias)]; ok {
			return src, true
		}
	}
	return nil, false
}

// resolved is stored in ColName.Metadata once a reference is bound.
type resolved struct {
	source *source
	column *schema.ColumnSchema
}

// derivedRef is a reference to a computed catalog column awaiting expansion.
type derivedRef struct {
	node   *sqlparser.ColName
	source *source
	column *schema.ColumnSchema
	clause walker.Clause
}

// selectScope records what the rewrite passes need about one analyzed SELECT.
type selectScope struct {
	sel     *sqlparser.Select
	scope   *scope
	derived []derivedRef
	top     bool
}

// analysis carries state across all SELECTs of one statement.
type analysis struct {
	v        *Validator
	ctes     map[string]*source
	selects  []*selectScope
	warnings []string
	warned   map[string]bool
}

func (a *analysis) warn(key, msg string) {
	if a.warned == nil {
		a.warned = map[string]bool{}
	}
	if a.warned[key] {
		return
	}
	a.warned[key] = true
	a.warnings = append(a.warnings, msg)
}

// analyzeSelect resolves every table, column and function of sel and of the
// subqueries nested in it. It returns the columns sel produces.
func (a *analysis) analyzeSelect(sel *sqlparser.Select, parent *scope, top bool) (*source, error) {
	if sel.Lock != "" {
		return nil, types.Reject(types.DisallowedStatement, "locking reads are not allowed")
	}
	sel.Comments = nil
	sel.Cache = ""
	sel.Hints = ""

	sc := &scope{
		parent:  parent,
		byAlias: map[string]*source{},
		aliases: map[string]struct{}{},
		using:   map[string]*source{},
	}
	ss := &selectScope{sel: sel, scope: sc, top: top}

	for _, te := range sel.From {
		if err := a.addTableExpr(sc, te, nil); err != nil {
			return nil, err
		}
	}

	out, err := a.selectOutput(sc, sel)
	if err != nil {
		return nil, err
	}

	roots := clauseRoots(sel)
	for _, root := range roots {
		if bad := walker.UnsupportedNodes(root); len(bad) > 0 {
			return nil, types.Reject(types.DisallowedFunction, "%s is not allowed", bad[0])
		}
		for _, fn := range walker.ExtractFunctions(root) {
			if _, ok := a.v.functions[fn.Name]; !ok {
				return nil, types.Reject(types.DisallowedFunction, "function %s is not allowed", fn.Node.Name.String())
			}
		}
	}

	if err := a.checkPositional(sel); err != nil {
		return nil, err
	}

	for _, ref := range walker.ExtractSelectReferences(sel) {
		if ref.Node == nil {
			continue // USING columns are checked with their join
		}
		if ref.Qualifier == "" && (ref.Clause == walker.ClauseGroupBy || ref.Clause == walker.ClauseHaving || ref.Clause == walker.ClauseOrderBy) {
			if _, ok := sc.aliases[ref.Column]; ok {
				continue
			}
		}
		src, col, err := resolveColumn(sc, ref)
		if err != nil {
			return nil, err
		}
		ref.Node.Metadata = &resolved{source: src, column: col}
		if col.Tenant {
			a.warn("tenant:"+col.Name, "predicates on "+col.Name+" are redundant; results are always limited to the current project")
		}
		if src.table != nil && (col.Derived() || col.FilterExpression != "") {
			ss.derived = append(ss.derived, derivedRef{node: ref.Node, source: src, column: col, clause: ref.Clause})
		}
	}

	for _, root := range roots {
		for _, sub := range walker.ExtractSubqueries(root) {
			inner, ok := sub.Select.(*sqlparser.Select)
			if !ok {
				return nil, types.Reject(types.DisallowedStatement, "only plain SELECT subqueries are allowed")
			}
			if _, err := a.analyzeSelect(inner, sc, false); err != nil {
				return nil, err
			}
		}
	}

	if err := a.boundLimit(sel, top); err != nil {
		return nil, err
	}

	a.selects = append(a.selects, ss)
	return out, nil
}

func (a *analysis) addTableExpr(sc *scope, te sqlparser.TableExpr, outer *sqlparser.JoinTableExpr) error {
	switch te := te.(type) {
	case *sqlparser.AliasedTableExpr:
		return a.addAliased(sc, te, outer)
	case *sqlparser.ParenTableExpr:
		for _, inner := range te.Exprs {
			if err := a.addTableExpr(sc, inner, outer); err != nil {
				return err
			}
		}
		return nil
	case *sqlparser.JoinTableExpr:
		leftOuter, rightOuter := outer, outer
		switch te.Join {
		case sqlparser.JoinStr, sqlparser.StraightJoinStr:
		case sqlparser.LeftJoinStr:
			rightOuter = te
		case sqlparser.RightJoinStr:
			leftOuter = te
		default:
			return types.Reject(types.DisallowedStatement, "%s is not supported", te.Join)
		}
		if len(te.Condition.Using) > 0 && (te.Join == sqlparser.LeftJoinStr || te.Join == sqlparser.RightJoinStr) {
			return types.Reject(types.DisallowedStatement, "USING is not supported on outer joins; use ON")
		}

		before := len(sc.sources)
		if err := a.addTableExpr(sc, te.LeftExpr, leftOuter); err != nil {
			return err
		}
		mid := len(sc.sources)
		if err := a.addTableExpr(sc, te.RightExpr, rightOuter); err != nil {
			return err
		}
		for _, col := range te.Condition.Using {
			left := firstWith(sc.sources[before:mid], col.String())
			if left == nil || firstWith(sc.sources[mid:], col.String()) == nil {
				return types.Reject(types.UnknownColumn, "unknown column %q in USING", col.String())
			}
			if _, ok := sc.using[col.Lowered()]; !ok {
				sc.using[col.Lowered()] = left
			}
		}
		return nil
	}
	return types.Reject(types.SyntaxError, "unsupported FROM item %s", sqlparser.String(te))
}

func firstWith(sources []*source, col string) *source {
	for _, s := range sources {
		if _, ok := s.column(col); ok {
			return s
		}
	}
	return nil
}

func (a *analysis) addAliased(sc *scope, te *sqlparser.AliasedTableExpr, outer *sqlparser.JoinTableExpr) error {
	if len(te.Partitions) > 0 {
		return types.Reject(types.DisallowedStatement, "partition selection is not allowed")
	}
	if te.Hints != nil {
		return types.Reject(types.DisallowedStatement, "index hints are not allowed")
	}

	var src *source
	switch expr := te.Expr.(type) {
	case sqlparser.TableName:
		if !expr.Qualifier.IsEmpty() {
			return types.Reject(types.UnknownTable, "unknown table %q", expr.Qualifier.String()+"."+expr.Name.String())
		}
		name := expr.Name.String()
		if cte, ok := a.ctes[strings.ToLower(name)]; ok {
			src = &source{name: name, columns: cte.columns, order: cte.order}
		} else {
			tbl, err := a.v.reg.ResolveTable(name)
			if err != nil {
				return types.Reject(types.UnknownTable, "unknown table %q", name)
			}
			src = &source{name: name, table: tbl, outer: outer}
		}
	case *sqlparser.Subquery:
		inner, ok := expr.Select.(*sqlparser.Select)
		if !ok {
			return types.Reject(types.DisallowedStatement, "only plain SELECT subqueries are allowed")
		}
		derived, err := a.analyzeSelect(inner, nil, false)
		if err != nil {
			return err
		}
		src = derived
	default:
		return types.Reject(types.SyntaxError, "unsupported FROM item %s", sqlparser.String(te))
	}

	if !te.As.IsEmpty() {
		src.name = te.As.String()
	}
	if src.name == "" {
		return types.Reject(types.SyntaxError, "derived tables need an alias")
	}
	key := strings.ToLower(src.name)
	if _, dup := sc.byAlias[key]; dup {
		return types.Reject(types.AmbiguousReference, "table alias %q is used more than once", src.name)
	}
	sc.byAlias[key] = src
	sc.sources = append(sc.sources, src)
	return nil
}

// selectOutput records select-list aliases and builds the column set the
// SELECT exposes to an enclosing query.
func (a *analysis) selectOutput(sc *scope, sel *sqlparser.Select) (*source, error) {
	out := &source{columns: map[string]*schema.ColumnSchema{}}
	add := func(name string, col *schema.ColumnSchema) {
		key := strings.ToLower(name)
		if _, ok := out.columns[key]; !ok {
			out.order = append(out.order, key)
		}
		c := *col
		c.Name = name
		c.SelectExpression = ""
		c.FilterExpression = ""
		c.Tenant = false
		out.columns[key] = &c
	}

	for _, se := range sel.SelectExprs {
		switch se := se.(type) {
		case *sqlparser.StarExpr:
			if se.TableName.IsEmpty() {
				for _, src := range sc.sources {
					for _, c := range src.outputColumns() {
						add(c.Name, c)
					}
				}
				continue
			}
			if !se.TableName.Qualifier.IsEmpty() {
				return nil, types.Reject(types.UnknownTable, "unknown table %q", sqlparser.String(se.TableName))
			}
			src, ok := sc.byAlias[strings.ToLower(se.TableName.Name.String())]
			if !ok {
				return nil, types.Reject(types.UnknownTable, "unknown table %q", se.TableName.Name.String())
			}
			for _, c := range src.outputColumns() {
				add(c.Name, c)
			}
		case *sqlparser.AliasedExpr:
			name := se.As.String()
			if name != "" {
				sc.aliases[strings.ToLower(name)] = struct{}{}
			}
			if col, ok := se.Expr.(*sqlparser.ColName); ok {
				if name == "" {
					name = col.Name.String()
				}
				// Type information is filled in once the reference resolves.
				if _, c, err := resolveColumn(sc, walker.ColumnReference{Column: col.Name.Lowered(), Qualifier: col.Qualifier.Name.String()}); err == nil {
					add(name, c)
					continue
				}
			}
			if name != "" {
				add(name, &schema.ColumnSchema{Name: name})
			}
		default:
			return nil, types.Reject(types.SyntaxError, "unsupported select expression %s", sqlparser.String(se))
		}
	}
	return out, nil
}

// resolveColumn binds ref to exactly one source of the nearest scope that
// has it, falling back to enclosing scopes for correlated subqueries.
func resolveColumn(sc *scope, ref walker.ColumnReference) (*source, *schema.ColumnSchema, error) {
	if ref.Qualifier != "" {
		src, ok := sc.lookup(ref.Qualifier)
		if !ok {
			return nil, nil, types.Reject(types.UnknownColumn, "unknown column %q", ref.String())
		}
		col, ok := src.column(ref.Column)
		if !ok {
			return nil, nil, types.Reject(types.UnknownColumn, "unknown column %q", ref.String())
		}
		return src, col, nil
	}

	for s := sc; s != nil; s = s.parent {
		// An unqualified USING column is the merged join column.
		if src, ok := s.using[strings.ToLower(ref.Column)]; ok {
			col, _ := src.column(ref.Column)
			return src, col, nil
		}
		var (
			found *source
			col   *schema.ColumnSchema
		)
		for _, src := range s.sources {
			c, ok := src.column(ref.Column)
			if !ok {
				continue
			}
			if found != nil {
				return nil, nil, types.Reject(types.AmbiguousReference,
					"column %q is ambiguous between %s and %s; qualify it with a table name", ref.Column, found.name, src.name)
			}
			found, col = src, c
		}
		if found != nil {
			return found, col, nil
		}
	}
	return nil, nil, types.Reject(types.UnknownColumn, "unknown column %q", ref.Column)
}

// checkPositional validates "GROUP BY 1" / "ORDER BY 2" style references.
func (a *analysis) checkPositional(sel *sqlparser.Select) error {
	check := func(e sqlparser.Expr) error {
		v, ok := e.(*sqlparser.SQLVal)
		if !ok || v.Type != sqlparser.IntVal {
			return nil
		}
		n, err := strconv.Atoi(string(v.Val))
		if err != nil || n < 1 || n > len(sel.SelectExprs) {
			return types.Reject(types.UnknownColumn, "unknown column position %s", v.Val)
		}
		return nil
	}
	for _, g := range sel.GroupBy {
		if err := check(g); err != nil {
			return err
		}
	}
	for _, o := range sel.OrderBy {
		if err := check(o.Expr); err != nil {
			return err
		}
	}
	return nil
}

// clauseRoots lists every expression root of sel: select list, join
// conditions, WHERE, GROUP BY, HAVING and ORDER BY.
func clauseRoots(sel *sqlparser.Select) []sqlparser.SQLNode {
	var roots []sqlparser.SQLNode
	for _, se := range sel.SelectExprs {
		roots = append(roots, se)
	}
	var joins func(te sqlparser.TableExpr)
	joins = func(te sqlparser.TableExpr) {
		switch te := te.(type) {
		case *sqlparser.ParenTableExpr:
			for _, inner := range te.Exprs {
				joins(inner)
			}
		case *sqlparser.JoinTableExpr:
			joins(te.LeftExpr)
			joins(te.RightExpr)
			if te.Condition.On != nil {
				roots = append(roots, te.Condition.On)
			}
		}
	}
	for _, te := range sel.From {
		joins(te)
	}
	if sel.Where != nil {
		roots = append(roots, sel.Where.Expr)
	}
	for _, g := range sel.GroupBy {
		roots = append(roots, g)
	}
	if sel.Having != nil {
		roots = append(roots, sel.Having.Expr)
	}
	for _, o := range sel.OrderBy {
		roots = append(roots, o.Expr)
	}
	return roots
}
