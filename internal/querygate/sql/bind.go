package sqlconv

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/xwb1989/sqlparser"
)

// timeLayouts are accepted for datetime literals, most specific first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a datetime literal. Values without a zone are UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// binder turns literals into named parameters in place.
type binder struct {
	prefix string
	params types.Params
	byKey  map[string]string
	hints  map[*sqlparser.SQLVal]*schema.ColumnSchema
	n      int
}

func newBinder(prefix string) *binder {
	return &binder{
		prefix: prefix,
		params: types.Params{},
		byKey:  map[string]string{},
		hints:  map[*sqlparser.SQLVal]*schema.ColumnSchema{},
	}
}

// collectHints remembers which column each compared literal is compared to,
// so "start_time >= '2024-01-01'" binds a time rather than a string.
func (b *binder) collectHints(node sqlparser.SQLNode) {
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.ComparisonExpr:
			switch n.Operator {
			case sqlparser.LikeStr, sqlparser.NotLikeStr, sqlparser.RegexpStr, sqlparser.NotRegexpStr:
				return true, nil
			}
			if col := columnOf(n.Left); col != nil {
				b.hint(n.Right, col)
			} else if col := columnOf(n.Right); col != nil {
				b.hint(n.Left, col)
			}
		case *sqlparser.RangeCond:
			if col := columnOf(n.Left); col != nil {
				b.hint(n.From, col)
				b.hint(n.To, col)
			}
		}
		return true, nil
	}, node)
}

func (b *binder) hint(e sqlparser.Expr, col *schema.ColumnSchema) {
	switch e := e.(type) {
	case *sqlparser.SQLVal:
		b.hints[e] = col
	case sqlparser.ValTuple:
		for _, item := range e {
			b.hint(item, col)
		}
	}
}

func columnOf(e sqlparser.Expr) *schema.ColumnSchema {
	c, ok := e.(*sqlparser.ColName)
	if !ok {
		return nil
	}
	r, ok := c.Metadata.(*resolved)
	if !ok {
		return nil
	}
	return r.column
}

// bind replaces every value literal under node with a ":name" placeholder.
// LIMIT counts and positional GROUP BY / ORDER BY stay inline.
func (b *binder) bind(node sqlparser.SQLNode) error {
	b.collectHints(node)
	var visit sqlparser.Visit
	visit = func(n sqlparser.SQLNode) (bool, error) {
		switch n := n.(type) {
		case *sqlparser.Limit:
			return false, nil
		case sqlparser.GroupBy:
			for _, g := range n {
				if isPositional(g) {
					continue
				}
				if err := sqlparser.Walk(visit, g); err != nil {
					return false, err
				}
			}
			return false, nil
		case *sqlparser.Order:
			return !isPositional(n.Expr), nil
		case *sqlparser.SQLVal:
			return false, b.bindVal(n)
		}
		return true, nil
	}
	return sqlparser.Walk(visit, node)
}

func isPositional(e sqlparser.Expr) bool {
	v, ok := e.(*sqlparser.SQLVal)
	return ok && v.Type == sqlparser.IntVal
}

func (b *binder) bindVal(v *sqlparser.SQLVal) error {
	var p types.Param
	var err error
	if col, ok := b.hints[v]; ok {
		p, err = coerce(v, col)
	} else {
		p, err = natural(v)
	}
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s|%T|%v", p.DBType, p.Value, p.Value)
	name, ok := b.byKey[key]
	if !ok {
		b.n++
		name = fmt.Sprintf("%sv%d", b.prefix, b.n)
		b.byKey[key] = name
		b.params[name] = p
	}
	v.Type = sqlparser.ValArg
	v.Val = []byte(":" + name)
	return nil
}

// natural binds a literal by its lexical kind.
func natural(v *sqlparser.SQLVal) (types.Param, error) {
	switch v.Type {
	case sqlparser.StrVal:
		return types.Param{Value: string(v.Val), DBType: types.DBString}, nil
	case sqlparser.IntVal:
		n, err := strconv.ParseInt(string(v.Val), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(string(v.Val), 64)
			if ferr != nil {
				return types.Param{}, types.Reject(types.SyntaxError, "invalid number %s", v.Val)
			}
			return types.Param{Value: f, DBType: types.DBFloat64}, nil
		}
		return types.Param{Value: n, DBType: types.DBInt64}, nil
	case sqlparser.FloatVal:
		f, err := strconv.ParseFloat(string(v.Val), 64)
		if err != nil {
			return types.Param{}, types.Reject(types.SyntaxError, "invalid number %s", v.Val)
		}
		return types.Param{Value: f, DBType: types.DBFloat64}, nil
	case sqlparser.HexNum:
		n, err := strconv.ParseInt(string(v.Val), 0, 64)
		if err != nil {
			return types.Param{}, types.Reject(types.SyntaxError, "invalid number %s", v.Val)
		}
		return types.Param{Value: n, DBType: types.DBInt64}, nil
	}
	return types.Param{}, types.Reject(types.DisallowedFunction, "literal %s is not allowed", sqlparser.String(v))
}

// coerce binds a literal compared to col using col's semantic type.
func coerce(v *sqlparser.SQLVal, col *schema.ColumnSchema) (types.Param, error) {
	p, err := natural(v)
	if err != nil {
		return p, err
	}
	switch col.Type {
	case schema.TypeDateTime:
		switch x := p.Value.(type) {
		case string:
			t, ok := ParseTime(x)
			if !ok {
				return p, types.Reject(types.InvalidFilter, "%q is not a valid datetime for column %s", x, col.Name)
			}
			return types.Param{Value: t, DBType: types.DBDateTime64}, nil
		case int64:
			return types.Param{Value: time.UnixMilli(x).UTC(), DBType: types.DBDateTime64}, nil
		}
		return p, types.Reject(types.InvalidFilter, "%s is not a valid datetime for column %s", v.Val, col.Name)
	case schema.TypeNumber:
		if s, ok := p.Value.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return types.Param{Value: n, DBType: types.DBInt64}, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return p, types.Reject(types.InvalidFilter, "%q is not a number for column %s", s, col.Name)
			}
			return types.Param{Value: f, DBType: types.DBFloat64}, nil
		}
		return p, nil
	case schema.TypeBoolean:
		switch x := p.Value.(type) {
		case int64:
			if x == 0 || x == 1 {
				return types.Param{Value: x == 1, DBType: types.DBBool}, nil
			}
		case string:
			if bv, err := strconv.ParseBool(x); err == nil {
				return types.Param{Value: bv, DBType: types.DBBool}, nil
			}
		}
		return p, types.Reject(types.InvalidFilter, "%s is not a boolean for column %s", sqlparser.String(v), col.Name)
	}
	return p, nil
}
