// Package sqlconv validates user-written SQL against the schema registry and
// rewrites it into a tenant-scoped, parameterized, bounded statement.
package sqlconv

import (
	"fmt"
	"strings"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/xwb1989/sqlparser"
)

// Validator compiles raw SQL. It holds no per-call state and may be shared.
type Validator struct {
	reg       *schema.Registry
	policy    Policy
	functions map[string]struct{}
}

// NewValidator returns a validator over reg.
func NewValidator(reg *schema.Registry, policy Policy) *Validator {
	return &Validator{
		reg:       reg,
		policy:    policy,
		functions: policy.functionSet(),
	}
}

// MaxLimit reports the row bound applied to compiled queries.
func (v *Validator) MaxLimit() int {
	return v.policy.maxLimit()
}

// ValidateAndTranspile parses sqlText, checks it against the registry and
// returns an equivalent statement restricted to tenant. Every refusal is a
// *types.Rejection.
func (v *Validator) ValidateAndTranspile(sqlText, tenant string) (*types.CompiledQuery, error) {
	text := strings.TrimSpace(sqlText)
	if text == "" {
		return nil, types.Reject(types.SyntaxError, "query is empty")
	}
	if tenant == "" {
		return nil, types.Reject(types.InvalidOptions, "tenant scope is required")
	}
	if err := checkSingleStatement(text); err != nil {
		return nil, err
	}

	cteSources, mainText, err := splitStatement(text)
	if err != nil {
		return nil, err
	}

	a := &analysis{v: v, ctes: map[string]*source{}}
	cteSelects := make([]*sqlparser.Select, 0, len(cteSources))
	for _, c := range cteSources {
		key := strings.ToLower(c.name)
		if _, dup := a.ctes[key]; dup {
			return nil, types.Reject(types.SyntaxError, "common table expression %s is defined twice", c.name)
		}
		if _, err := v.reg.ResolveTable(c.name); err == nil {
			return nil, types.Reject(types.AmbiguousReference, "common table expression %s shadows a table of the same name", c.name)
		}
		sel, err := parseSelect(c.body)
		if err != nil {
			return nil, err
		}
		out, err := a.analyzeSelect(sel, nil, false)
		if err != nil {
			return nil, err
		}
		out.name = c.name
		a.ctes[key] = out
		cteSelects = append(cteSelects, sel)
	}

	main, err := parseSelect(mainText)
	if err != nil {
		return nil, err
	}
	if _, err := a.analyzeSelect(main, nil, true); err != nil {
		return nil, err
	}

	b := newBinder("")
	for _, sel := range cteSelects {
		if err := b.bind(sel); err != nil {
			return nil, err
		}
	}
	if err := b.bind(main); err != nil {
		return nil, err
	}

	for _, ss := range a.selects {
		if err := expandStars(ss); err != nil {
			return nil, err
		}
		if err := expandDerived(ss); err != nil {
			return nil, err
		}
		injectTenant(ss)
	}

	var out strings.Builder
	if len(cteSources) > 0 {
		out.WriteString("with ")
		for i, c := range cteSources {
			if i > 0 {
				out.WriteString(", ")
			}
			out.WriteString(sqlparser.String(sqlparser.NewTableIdent(c.name)))
			out.WriteString(" as (")
			out.WriteString(sqlparser.String(cteSelects[i]))
			out.WriteString(")")
		}
		out.WriteString(" ")
	}
	out.WriteString(sqlparser.String(main))

	params := b.params
	params[types.TenantParam] = types.Param{Value: tenant, DBType: types.DBString}
	return &types.CompiledQuery{
		SQL:      out.String(),
		Params:   params,
		Tenant:   tenant,
		Warnings: a.warnings,
	}, nil
}

// ValidateFragment checks a single expression evaluated over table, such as
// a custom metric, and returns it rewritten with its literals bound to
// parameters named prefix+"v1", prefix+"v2", ...
func (v *Validator) ValidateFragment(table, expr, prefix string) (*types.Fragment, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, types.Reject(types.InvalidOptions, "expression is empty")
	}
	tbl, err := v.reg.ResolveTable(table)
	if err != nil {
		return nil, types.Reject(types.UnknownTable, "unknown table %q", table)
	}
	if err := checkSingleStatement(expr); err != nil {
		return nil, err
	}

	text := "select " + expr + " from " + sqlparser.String(sqlparser.NewTableIdent(tbl.Name))
	sel, err := parseSelect(text)
	if err != nil {
		return nil, err
	}
	if !isBareFragment(sel, tbl.Name) {
		return nil, types.Reject(types.SyntaxError, "%q is not a single expression", expr)
	}
	ae := sel.SelectExprs[0].(*sqlparser.AliasedExpr)

	a := &analysis{v: v}
	if _, err := a.analyzeSelect(sel, nil, false); err != nil {
		return nil, err
	}
	if len(a.selects) != 1 {
		return nil, types.Reject(types.DisallowedStatement, "subqueries are not allowed in expressions")
	}

	b := newBinder(prefix)
	if err := b.bind(ae); err != nil {
		return nil, err
	}
	if err := expandDerived(a.selects[0]); err != nil {
		return nil, err
	}
	return &types.Fragment{SQL: sqlparser.String(ae.Expr), Params: b.params}, nil
}

func isBareFragment(sel *sqlparser.Select, table string) bool {
	if len(sel.SelectExprs) != 1 || len(sel.From) != 1 {
		return false
	}
	if sel.Where != nil || len(sel.GroupBy) > 0 || sel.Having != nil || len(sel.OrderBy) > 0 || sel.Limit != nil || sel.Distinct != "" {
		return false
	}
	ae, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok || !ae.As.IsEmpty() {
		return false
	}
	te, ok := sel.From[0].(*sqlparser.AliasedTableExpr)
	if !ok || !te.As.IsEmpty() {
		return false
	}
	name, ok := te.Expr.(sqlparser.TableName)
	return ok && name.Qualifier.IsEmpty() && strings.EqualFold(name.Name.String(), table)
}

func checkSingleStatement(text string) error {
	// The tokenizer executes MySQL "/*! ... */" comments as code, which would
	// let text hide from the statement splitter.
	if strings.Contains(text, "/*!") {
		return types.Reject(types.SyntaxError, "executable comments are not supported")
	}
	n, err := countStatements(text)
	if err != nil {
		return types.Reject(types.SyntaxError, "%v", err)
	}
	if n > 1 {
		return types.Reject(types.DisallowedStatement, "only a single statement is allowed")
	}
	return nil
}

func parseSelect(text string) (*sqlparser.Select, error) {
	stmt, err := sqlparser.ParseStrictDDL(text)
	if err != nil {
		return nil, types.Reject(types.SyntaxError, "%v", err)
	}
	switch stmt := stmt.(type) {
	case *sqlparser.Select:
		return stmt, nil
	case *sqlparser.Union, *sqlparser.ParenSelect:
		return nil, types.Reject(types.DisallowedStatement, "compound SELECT statements are not allowed")
	default:
		return nil, types.Reject(types.DisallowedStatement, "only SELECT statements are allowed, got %s", statementKind(stmt))
	}
}

func statementKind(stmt sqlparser.Statement) string {
	switch stmt := stmt.(type) {
	case *sqlparser.Insert:
		return strings.ToUpper(stmt.Action)
	case *sqlparser.Update:
		return "UPDATE"
	case *sqlparser.Delete:
		return "DELETE"
	case *sqlparser.DDL:
		return strings.ToUpper(stmt.Action)
	case *sqlparser.DBDDL:
		return strings.ToUpper(stmt.Action) + " DATABASE"
	case *sqlparser.Set:
		return "SET"
	case *sqlparser.Show:
		return "SHOW"
	case *sqlparser.Use:
		return "USE"
	case *sqlparser.Begin, *sqlparser.Commit, *sqlparser.Rollback:
		return "transaction control"
	}
	return fmt.Sprintf("%T", stmt)
}
