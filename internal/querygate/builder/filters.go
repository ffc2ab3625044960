package builder

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ariyn/querygate/internal/querygate/schema"
	sqlconv "github.com/ariyn/querygate/internal/querygate/sql"
	"github.com/ariyn/querygate/internal/querygate/types"
)

// operators lists the filter operators each semantic type accepts.
var operators = map[schema.SemanticType][]Operator{
	schema.TypeString:   {OpEq, OpNe, OpContains},
	schema.TypeNumber:   {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte},
	schema.TypeDateTime: {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte},
	schema.TypeBoolean:  {OpEq},
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// filter converts f into a predicate with typed args. Any problem with the
// filter itself is returned as an InvalidFilter rejection, which the caller
// turns into a warning.
func (q *query) filter(f Filter) (string, []any, error) {
	name := f.Column
	if mapped, ok := q.opts.ColumnFilterConfig[name]; ok {
		name = mapped
	}
	col, ok := q.tbl.Column(strings.TrimSpace(name))
	if !ok || col.Tenant {
		return "", nil, types.Reject(types.InvalidFilter, "unknown filter column %q", f.Column)
	}
	if !col.Filterable {
		return "", nil, types.Reject(types.InvalidFilter, "column %q is not filterable", col.Name)
	}
	op := Operator(strings.ToLower(string(f.Operator)))
	if !allowed(col.Type, op) {
		return "", nil, types.Reject(types.InvalidFilter, "operator %q is not valid for %s column %q", f.Operator, col.Type, col.Name)
	}
	p, err := filterValue(col, f.Value)
	if err != nil {
		return "", nil, err
	}
	expr, err := columnExpr(q.tbl, col, true)
	if err != nil {
		return "", nil, err
	}

	if op == OpContains {
		p.Value = "%" + likeEscaper.Replace(p.Value.(string)) + "%"
		if q.b.dialect.LikeNeedsEscape() {
			return "(" + expr + " LIKE ? ESCAPE ?)", []any{p, types.Param{Value: `\`, DBType: types.DBString}}, nil
		}
		return "(" + expr + " LIKE ?)", []any{p}, nil
	}
	return "(" + expr + " " + comparisons[op] + " ?)", []any{p}, nil
}

func allowed(t schema.SemanticType, op Operator) bool {
	for _, o := range operators[t] {
		if o == op {
			return true
		}
	}
	return false
}

// filterValue checks v against the column type. It never coerces across
// kinds: a number filter given "abc" is rejected, not compared as text.
func filterValue(col *schema.ColumnSchema, v any) (types.Param, error) {
	bad := func() (types.Param, error) {
		return types.Param{}, types.Reject(types.InvalidFilter, "value %v is not a valid %s for column %q", v, col.Type, col.Name)
	}

	switch col.Type {
	case schema.TypeString:
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		return types.Param{Value: s, DBType: types.DBString}, nil

	case schema.TypeNumber:
		f, ok := number(v)
		if !ok {
			return bad()
		}
		if col.DBType == types.DBInt64 && f == math.Trunc(f) {
			return types.Param{Value: int64(f), DBType: types.DBInt64}, nil
		}
		return types.Param{Value: f, DBType: types.DBFloat64}, nil

	case schema.TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return types.Param{Value: x.UTC(), DBType: types.DBDateTime64}, nil
		case string:
			if t, ok := sqlconv.ParseTime(x); ok {
				return types.Param{Value: t, DBType: types.DBDateTime64}, nil
			}
		default:
			if f, ok := number(v); ok {
				return types.Param{Value: time.UnixMilli(int64(f)).UTC(), DBType: types.DBDateTime64}, nil
			}
		}
		return bad()

	case schema.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return types.Param{Value: x, DBType: types.DBBool}, nil
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return types.Param{Value: b, DBType: types.DBBool}, nil
			}
		}
		return bad()
	}
	return bad()
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}
