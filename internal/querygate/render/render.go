// Package render turns a compiled query into the statement text and
// argument list a particular store driver expects.
package render

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/querygate/internal/querygate/types"
)

// Dialect describes one store flavour: how placeholders are written, how
// parameter values are encoded and how a few non-portable expressions are
// spelled.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string
	// Render rewrites the ":name" placeholders of q and returns matching args.
	Render(q *types.CompiledQuery) (string, []any, error)

	TimeBucket(column string, width time.Duration) string
	ObjectAgg(key, value string) string
	Quantile(q float64, expr string) (string, error)
	// LikeNeedsEscape reports that LIKE has no default escape character, so
	// a pattern escaped with '\' needs an explicit ESCAPE clause.
	LikeNeedsEscape() bool
}

var (
	SQLite     Dialect = sqliteDialect{}
	MySQL      Dialect = mysqlDialect{}
	ClickHouse Dialect = clickhouseDialect{}
)

// ForName looks a dialect up by its configuration name.
func ForName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	case "clickhouse":
		return ClickHouse, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}

type placeholder struct {
	start, end int
	name       string
}

// placeholders finds every ":name" bind variable in text. It scans with the
// SQL tokenizer so quoted strings and comments are left alone.
func placeholders(text string) ([]placeholder, error) {
	tkn := sqlparser.NewStringTokenizer(text)
	var out []placeholder
	for {
		typ, val := tkn.Scan()
		switch typ {
		case 0:
			return out, nil
		case sqlparser.LEX_ERROR:
			return nil, fmt.Errorf("tokenize query near position %d", tkn.Position)
		case sqlparser.LIST_ARG:
			return nil, fmt.Errorf("list placeholder %s is not supported", val)
		case sqlparser.VALUE_ARG:
			end := tkn.Position - 1
			out = append(out, placeholder{start: end - len(val), end: end, name: string(val[1:])})
		}
	}
}

// rewrite replaces each placeholder by whatever write returns for it.
func rewrite(q *types.CompiledQuery, write func(name string, p types.Param) (string, error)) (string, error) {
	if q == nil {
		return "", fmt.Errorf("query is nil")
	}
	phs, err := placeholders(q.SQL)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	last := 0
	for _, ph := range phs {
		p, ok := q.Params[ph.name]
		if !ok {
			return "", fmt.Errorf("placeholder :%s has no bound value", ph.name)
		}
		s, err := write(ph.name, p)
		if err != nil {
			return "", err
		}
		b.WriteString(q.SQL[last:ph.start])
		b.WriteString(s)
		last = ph.end
	}
	b.WriteString(q.SQL[last:])
	return b.String(), nil
}

// namedArgs binds each distinct name once, in order of first use.
func namedArgs(q *types.CompiledQuery, encode func(types.Param) (any, error), placeholder func(string, types.Param) string) (string, []any, error) {
	var args []any
	seen := map[string]bool{}
	text, err := rewrite(q, func(name string, p types.Param) (string, error) {
		if !seen[name] {
			v, err := encode(p)
			if err != nil {
				return "", fmt.Errorf("encode :%s: %w", name, err)
			}
			seen[name] = true
			args = append(args, sql.Named(name, v))
		}
		return placeholder(name, p), nil
	})
	if err != nil {
		return "", nil, err
	}
	return text, args, nil
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case int:
		return time.UnixMilli(int64(x)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot encode %T as a datetime", v)
}
