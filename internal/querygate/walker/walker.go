// Package walker collects column references, function calls and nested
// subqueries from sqlparser expression trees. It never mutates the tree.
package walker

import (
	"fmt"

	"github.com/xwb1989/sqlparser"
)

// Clause names the part of a SELECT a reference was found in.
type Clause string

const (
	ClauseSelect  Clause = "select"
	ClauseJoin    Clause = "join"
	ClauseWhere   Clause = "where"
	ClauseGroupBy Clause = "group by"
	ClauseHaving  Clause = "having"
	ClauseOrderBy Clause = "order by"
)

// ColumnReference is one column mention.
type ColumnReference struct {
	Column    string // lower-cased column name
	Qualifier string // table or alias as written, empty when unqualified
	Clause    Clause
	// Node is nil for USING columns, which have no ColName in the tree.
	Node *sqlparser.ColName
}

// String renders the reference the way a user wrote it.
func (r ColumnReference) String() string {
	if r.Qualifier == "" {
		return r.Column
	}
	return r.Qualifier + "." + r.Column
}

// ExtractColumnReferences returns every column reference in node. It recurses
// through operators, function arguments, CASE arms, casts and IN lists but
// stops at subqueries, which resolve in their own scope.
func ExtractColumnReferences(node sqlparser.SQLNode) []ColumnReference {
	return extract(node, "")
}

func extract(node sqlparser.SQLNode, clause Clause) []ColumnReference {
	if node == nil {
		return nil
	}
	var refs []ColumnReference
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.Subquery:
			return false, nil
		case *sqlparser.ColName:
			refs = append(refs, ColumnReference{
				Column:    n.Name.Lowered(),
				Qualifier: n.Qualifier.Name.String(),
				Clause:    clause,
				Node:      n,
			})
			return false, nil
		}
		return true, nil
	}, node)
	return refs
}

// ExtractSelectReferences walks every clause of a single SELECT and tags each
// reference with the clause it came from. Derived tables and expression
// subqueries are skipped.
func ExtractSelectReferences(sel *sqlparser.Select) []ColumnReference {
	if sel == nil {
		return nil
	}
	var refs []ColumnReference
	for _, se := range sel.SelectExprs {
		if ae, ok := se.(*sqlparser.AliasedExpr); ok {
			refs = append(refs, extract(ae.Expr, ClauseSelect)...)
		}
	}
	for _, te := range sel.From {
		refs = append(refs, joinReferences(te)...)
	}
	if sel.Where != nil {
		refs = append(refs, extract(sel.Where.Expr, ClauseWhere)...)
	}
	for _, g := range sel.GroupBy {
		refs = append(refs, extract(g, ClauseGroupBy)...)
	}
	if sel.Having != nil {
		refs = append(refs, extract(sel.Having.Expr, ClauseHaving)...)
	}
	for _, o := range sel.OrderBy {
		refs = append(refs, extract(o.Expr, ClauseOrderBy)...)
	}
	return refs
}

func joinReferences(te sqlparser.TableExpr) []ColumnReference {
	switch te := te.(type) {
	case *sqlparser.ParenTableExpr:
		var refs []ColumnReference
		for _, inner := range te.Exprs {
			refs = append(refs, joinReferences(inner)...)
		}
		return refs
	case *sqlparser.JoinTableExpr:
		refs := joinReferences(te.LeftExpr)
		refs = append(refs, joinReferences(te.RightExpr)...)
		refs = append(refs, extract(te.Condition.On, ClauseJoin)...)
		for _, col := range te.Condition.Using {
			refs = append(refs, ColumnReference{Column: col.Lowered(), Clause: ClauseJoin})
		}
		return refs
	}
	return nil
}

// FunctionCall is one function invocation.
type FunctionCall struct {
	Name string // lower-cased
	Node *sqlparser.FuncExpr
}

// ExtractFunctions returns every function call in node, nested calls
// included, without entering subqueries.
func ExtractFunctions(node sqlparser.SQLNode) []FunctionCall {
	if node == nil {
		return nil
	}
	var calls []FunctionCall
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.Subquery:
			return false, nil
		case *sqlparser.FuncExpr:
			calls = append(calls, FunctionCall{Name: n.Name.Lowered(), Node: n})
		}
		return true, nil
	}, node)
	return calls
}

// ExtractSubqueries returns the outermost subqueries nested in node.
func ExtractSubqueries(node sqlparser.SQLNode) []*sqlparser.Subquery {
	if node == nil {
		return nil
	}
	var subs []*sqlparser.Subquery
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		if sq, ok := n.(*sqlparser.Subquery); ok {
			subs = append(subs, sq)
			return false, nil
		}
		return true, nil
	}, node)
	return subs
}

// UnsupportedNodes describes every expression node in node that falls outside
// the read-only expression grammar: bind variables, full-text MATCH, VALUES(),
// GROUP_CONCAT, COLLATE, CONVERT ... USING, DEFAULT, JSON path operators and
// hex or bit literals.
func UnsupportedNodes(node sqlparser.SQLNode) []string {
	if node == nil {
		return nil
	}
	var found []string
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.Subquery:
			return false, nil
		case *sqlparser.SQLVal:
			switch n.Type {
			case sqlparser.ValArg:
				found = append(found, fmt.Sprintf("bind variable %s", n.Val))
			case sqlparser.HexVal, sqlparser.BitVal:
				found = append(found, fmt.Sprintf("literal %s", sqlparser.String(n)))
			}
		case sqlparser.ListArg:
			found = append(found, fmt.Sprintf("bind variable %s", []byte(n)))
		case *sqlparser.MatchExpr:
			found = append(found, "match")
		case *sqlparser.ValuesFuncExpr:
			found = append(found, "values")
		case *sqlparser.GroupConcatExpr:
			found = append(found, "group_concat")
		case *sqlparser.CollateExpr:
			found = append(found, "collate")
		case *sqlparser.ConvertUsingExpr:
			found = append(found, "convert using")
		case *sqlparser.Default:
			found = append(found, "default")
		case *sqlparser.BinaryExpr:
			if n.Operator == sqlparser.JSONExtractOp || n.Operator == sqlparser.JSONUnquoteExtractOp {
				found = append(found, "operator "+n.Operator)
			}
		case *sqlparser.FuncExpr:
			if !n.Qualifier.IsEmpty() {
				found = append(found, "qualified function "+sqlparser.String(n.Qualifier)+"."+n.Name.String())
			}
		}
		return true, nil
	}, node)
	return found
}
