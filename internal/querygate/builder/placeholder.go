package builder

import (
	"fmt"
	"strings"
	"time"

	"github.com/ariyn/querygate/internal/querygate/types"
)

// named is a squirrel PlaceholderFormat writing ":b1, :b2, ..." so both
// compilation paths hand the executor the same placeholder style. "??" is
// an escaped question mark, as with squirrel's own formats.
type named struct {
	prefix string
}

func (f named) ReplacePlaceholders(sql string) (string, error) {
	var b strings.Builder
	n := 0
	for {
		p := strings.IndexByte(sql, '?')
		if p == -1 {
			break
		}
		if len(sql) > p+1 && sql[p+1] == '?' {
			b.WriteString(sql[:p+1])
			sql = sql[p+2:]
			continue
		}
		n++
		b.WriteString(sql[:p])
		fmt.Fprintf(&b, ":%s%d", f.prefix, n)
		sql = sql[p+1:]
	}
	b.WriteString(sql)
	return b.String(), nil
}

func (f named) name(i int) string {
	return fmt.Sprintf("%s%d", f.prefix, i+1)
}

// toParam returns v as a typed parameter. Builder code passes types.Param
// values through squirrel; caller-supplied condition args are typed by
// their Go value.
func toParam(v any) types.Param {
	switch x := v.(type) {
	case types.Param:
		return x
	case string:
		return types.Param{Value: x, DBType: types.DBString}
	case int:
		return types.Param{Value: int64(x), DBType: types.DBInt64}
	case int32:
		return types.Param{Value: int64(x), DBType: types.DBInt64}
	case int64:
		return types.Param{Value: x, DBType: types.DBInt64}
	case float32:
		return types.Param{Value: float64(x), DBType: types.DBFloat64}
	case float64:
		return types.Param{Value: x, DBType: types.DBFloat64}
	case bool:
		return types.Param{Value: x, DBType: types.DBBool}
	case time.Time:
		return types.Param{Value: x.UTC(), DBType: types.DBDateTime64}
	}
	return types.Param{Value: v, DBType: types.DBJSON}
}
