package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/xwb1989/sqlparser"
)

// SemanticType is the user-facing type of a column. It decides which filter
// operators apply and how literal values are coerced.
type SemanticType string

const (
	TypeString   SemanticType = "string"
	TypeNumber   SemanticType = "number"
	TypeBoolean  SemanticType = "boolean"
	TypeDateTime SemanticType = "datetime"
	TypeJSON     SemanticType = "json"
)

func (t SemanticType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDateTime, TypeJSON:
		return true
	}
	return false
}

// ErrNotFound is wrapped by every failed lookup.
var ErrNotFound = errors.New("not found")

// ColumnSchema describes one user-visible column.
type ColumnSchema struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Type        SemanticType `yaml:"type"`
	DBType      types.DBType `yaml:"db_type"`

	// SelectExpression is the SQL the column expands to in a select list.
	// Empty means the physical column of the same name.
	SelectExpression string `yaml:"select_expression"`
	// FilterExpression is used in predicates. Empty falls back to SelectExpression.
	FilterExpression string `yaml:"filter_expression"`

	Filterable bool `yaml:"filterable"`
	Sortable   bool `yaml:"sortable"`

	// Tenant marks the synthetic tenant-scoping column.
	Tenant bool `yaml:"-"`

	// selfRef is set when an expression reads the physical column of the
	// same name, as in "substr(input, 1, 100)" exposed as input.
	selfRef bool
}

// Derived reports whether the column is computed from other columns.
func (c *ColumnSchema) Derived() bool {
	return c.SelectExpression != "" && !strings.EqualFold(strings.TrimSpace(c.SelectExpression), c.Name)
}

// Stored reports whether the store holds a physical column for c.
func (c *ColumnSchema) Stored() bool {
	return !c.Derived() || c.selfRef
}

// SelectSQL returns the expression text for a select list.
func (c *ColumnSchema) SelectSQL() string {
	if c.Derived() {
		return c.SelectExpression
	}
	return c.Name
}

// FilterSQL returns the expression text for a predicate.
func (c *ColumnSchema) FilterSQL() string {
	if c.FilterExpression != "" {
		return c.FilterExpression
	}
	return c.SelectSQL()
}

// TableSchema describes one queryable table.
type TableSchema struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	TenantColumn    string         `yaml:"tenant_column"`
	TimestampColumn string         `yaml:"timestamp_column"`
	Columns         []ColumnSchema `yaml:"columns"`

	byName map[string]*ColumnSchema
	tenant *ColumnSchema
}

// Column looks a column up by case-insensitive name. The tenant column is
// resolvable but never listed in Columns.
func (t *TableSchema) Column(name string) (*ColumnSchema, bool) {
	key := strings.ToLower(name)
	if t.tenant != nil && key == strings.ToLower(t.TenantColumn) {
		return t.tenant, true
	}
	c, ok := t.byName[key]
	return c, ok
}

// PhysicalColumns returns the stored columns in declaration order.
func (t *TableSchema) PhysicalColumns() []ColumnSchema {
	out := make([]ColumnSchema, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Stored() {
			out = append(out, c)
		}
	}
	return out
}

// Timestamp returns the column the time-range predicate applies to.
func (t *TableSchema) Timestamp() *ColumnSchema {
	c, _ := t.Column(t.TimestampColumn)
	return c
}

func (t *TableSchema) index() error {
	if t.Name == "" {
		return errors.New("table without name")
	}
	if t.TenantColumn == "" {
		return fmt.Errorf("table %s: tenant_column is required", t.Name)
	}
	t.byName = make(map[string]*ColumnSchema, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Name == "" {
			return fmt.Errorf("table %s: column without name", t.Name)
		}
		if !c.Type.valid() {
			return fmt.Errorf("table %s column %s: unknown type %q", t.Name, c.Name, c.Type)
		}
		if c.DBType == "" {
			c.DBType = defaultDBType(c.Type)
		}
		if !c.DBType.Valid() {
			return fmt.Errorf("table %s column %s: unknown db_type %q", t.Name, c.Name, c.DBType)
		}
		key := strings.ToLower(c.Name)
		if _, dup := t.byName[key]; dup {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		if strings.EqualFold(c.Name, t.TenantColumn) {
			return fmt.Errorf("table %s: tenant column %s must not be listed", t.Name, c.Name)
		}
		t.byName[key] = c
	}
	t.tenant = &ColumnSchema{
		Name:   t.TenantColumn,
		Type:   TypeString,
		DBType: types.DBString,
		Tenant: true,
	}

	if t.TimestampColumn != "" {
		ts, ok := t.byName[strings.ToLower(t.TimestampColumn)]
		if !ok {
			return fmt.Errorf("table %s: timestamp column %s is not declared", t.Name, t.TimestampColumn)
		}
		if ts.Type != TypeDateTime {
			return fmt.Errorf("table %s: timestamp column %s must be datetime", t.Name, ts.Name)
		}
	}

	exprs := make([][]sqlparser.Expr, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		for _, text := range []string{c.SelectExpression, c.FilterExpression} {
			if text == "" || strings.EqualFold(strings.TrimSpace(text), c.Name) {
				continue
			}
			expr, err := ParseExpr(text)
			if err != nil {
				return fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
			}
			exprs[i] = append(exprs[i], expr)
			if references(expr, c.Name) {
				c.selfRef = true
			}
		}
	}

	// Derived expressions may only read stored columns of the same table.
	for i, list := range exprs {
		for _, expr := range list {
			if err := t.checkPhysicalRefs(expr); err != nil {
				return fmt.Errorf("table %s column %s: %w", t.Name, t.Columns[i].Name, err)
			}
		}
	}
	return nil
}

func (t *TableSchema) checkPhysicalRefs(expr sqlparser.Expr) error {
	return sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.Subquery:
			return false, errors.New("subqueries are not allowed in column expressions")
		case *sqlparser.ColName:
			ref, ok := t.byName[n.Name.Lowered()]
			if !ok {
				return false, fmt.Errorf("expression references unknown column %s", n.Name.String())
			}
			if !ref.Stored() {
				return false, fmt.Errorf("expression references derived column %s", ref.Name)
			}
		}
		return true, nil
	}, expr)
}

func references(expr sqlparser.Expr, name string) bool {
	found := false
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if c, ok := node.(*sqlparser.ColName); ok && c.Name.EqualString(name) {
			found = true
		}
		return !found, nil
	}, expr)
	return found
}

func defaultDBType(t SemanticType) types.DBType {
	switch t {
	case TypeNumber:
		return types.DBFloat64
	case TypeBoolean:
		return types.DBBool
	case TypeDateTime:
		return types.DBDateTime64
	case TypeJSON:
		return types.DBJSON
	default:
		return types.DBString
	}
}

// ParseExpr parses a standalone SQL expression. Each call returns a fresh
// tree, so callers may splice the result into another statement.
func ParseExpr(text string) (sqlparser.Expr, error) {
	stmt, err := sqlparser.Parse("select " + text + " from dual")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", text, err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || len(sel.SelectExprs) != 1 {
		return nil, fmt.Errorf("expression %q is not a single expression", text)
	}
	ae, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok || !ae.As.IsEmpty() {
		return nil, fmt.Errorf("expression %q is not a single expression", text)
	}
	return ae.Expr, nil
}
