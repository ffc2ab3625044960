package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariyn/querygate/internal/querygate/types"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

// Render keeps ":name" placeholders, which the sqlite3 driver binds from
// sql.Named args. Datetimes are stored as unix milliseconds.
func (sqliteDialect) Render(q *types.CompiledQuery) (string, []any, error) {
	return namedArgs(q, encodeSQLite, func(name string, _ types.Param) string { return ":" + name })
}

func encodeSQLite(p types.Param) (any, error) {
	switch p.DBType {
	case types.DBDateTime64:
		t, err := asTime(p.Value)
		if err != nil {
			return nil, err
		}
		return t.UnixMilli(), nil
	case types.DBJSON:
		return encodeJSON(p.Value)
	}
	return p.Value, nil
}

func (sqliteDialect) TimeBucket(column string, width time.Duration) string {
	w := strconv.FormatInt(width.Milliseconds(), 10)
	return "((" + column + " / " + w + ") * " + w + ")"
}

func (sqliteDialect) ObjectAgg(key, value string) string {
	return "json_group_object(" + key + ", " + value + ")"
}

func (sqliteDialect) Quantile(float64, string) (string, error) {
	return "", types.Reject(types.DisallowedFunction, "quantile is not available on sqlite")
}

func (sqliteDialect) LikeNeedsEscape() bool { return true }

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

// Render replaces every placeholder by '?' and repeats the argument for each
// occurrence.
func (mysqlDialect) Render(q *types.CompiledQuery) (string, []any, error) {
	var args []any
	text, err := rewrite(q, func(name string, p types.Param) (string, error) {
		v := p.Value
		switch p.DBType {
		case types.DBDateTime64:
			t, err := asTime(v)
			if err != nil {
				return "", fmt.Errorf("encode :%s: %w", name, err)
			}
			v = t
		case types.DBJSON:
			s, err := encodeJSON(v)
			if err != nil {
				return "", fmt.Errorf("encode :%s: %w", name, err)
			}
			v = s
		}
		args = append(args, v)
		return "?", nil
	})
	if err != nil {
		return "", nil, err
	}
	return text, args, nil
}

func (mysqlDialect) TimeBucket(column string, width time.Duration) string {
	s := strconv.FormatInt(int64(width/time.Second), 10)
	return "from_unixtime(floor(unix_timestamp(" + column + ") / " + s + ") * " + s + ")"
}

func (mysqlDialect) ObjectAgg(key, value string) string {
	return "json_objectagg(" + key + ", " + value + ")"
}

func (mysqlDialect) Quantile(float64, string) (string, error) {
	return "", types.Reject(types.DisallowedFunction, "quantile is not available on mysql")
}

func (mysqlDialect) LikeNeedsEscape() bool { return false }

type clickhouseDialect struct{}

func (clickhouseDialect) Name() string       { return "clickhouse" }
func (clickhouseDialect) DriverName() string { return "clickhouse" }

const clickhouseTimeLayout = "2006-01-02 15:04:05.000"

// Render writes typed "{name:Type}" placeholders with named args.
func (clickhouseDialect) Render(q *types.CompiledQuery) (string, []any, error) {
	return namedArgs(q, encodeClickHouse, func(name string, p types.Param) string {
		t := p.DBType
		if !t.Valid() {
			t = types.DBString
		}
		return "{" + name + ":" + string(t) + "}"
	})
}

func encodeClickHouse(p types.Param) (any, error) {
	switch p.DBType {
	case types.DBDateTime64:
		t, err := asTime(p.Value)
		if err != nil {
			return nil, err
		}
		return t.Format(clickhouseTimeLayout), nil
	case types.DBJSON:
		return encodeJSON(p.Value)
	}
	return p.Value, nil
}

func (clickhouseDialect) TimeBucket(column string, width time.Duration) string {
	return "toStartOfInterval(" + column + ", INTERVAL " + strconv.FormatInt(int64(width/time.Second), 10) + " second)"
}

func (clickhouseDialect) ObjectAgg(key, value string) string {
	return "mapFromArrays(groupArray(" + key + "), groupArray(" + value + "))"
}

func (clickhouseDialect) Quantile(q float64, expr string) (string, error) {
	if q < 0 || q > 1 {
		return "", types.Reject(types.InvalidOptions, "quantile %v is outside [0, 1]", q)
	}
	return "quantile(" + strconv.FormatFloat(q, 'f', -1, 64) + ")(" + expr + ")", nil
}

func (clickhouseDialect) LikeNeedsEscape() bool { return false }

func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case string, []byte, nil:
		return x, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
