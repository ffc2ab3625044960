package sqlconv

import "strings"

// DefaultMaxLimit caps every query that does not configure its own bound.
const DefaultMaxLimit = 10000

// DefaultFunctions is the read-only function allow-list: aggregates plus
// deterministic string, math, null-handling and date helpers. Anything that
// sleeps, reads files, inspects the server or returns the wall clock is absent.
var DefaultFunctions = []string{
	// aggregates
	"count", "sum", "avg", "min", "max",
	// math
	"abs", "round", "floor", "ceil", "ceiling", "greatest", "least", "mod", "power", "pow", "sqrt",
	"ln", "log", "log10", "exp", "sign",
	// strings
	"lower", "upper", "length", "char_length", "concat", "substr", "substring", "trim", "ltrim", "rtrim",
	"replace", "left", "right", "instr", "lpad", "rpad",
	// null handling
	"coalesce", "ifnull", "nullif", "if",
	// dates
	"date", "datetime", "strftime", "julianday", "date_format", "unix_timestamp", "from_unixtime",
	"year", "month", "day", "hour", "minute", "date_trunc",
	"todate", "tostartofminute", "tostartofhour", "tostartofday", "tostartofweek", "tostartofmonth",
	"tostartofinterval", "todatetime",
	// json
	"json_extract", "jsonextractstring", "jsonextractfloat",
}

// Policy bounds what a compiled query may do.
type Policy struct {
	// MaxLimit is injected when a query has no LIMIT and clamps larger ones.
	MaxLimit int
	// AllowedFunctions replaces DefaultFunctions when non-empty.
	AllowedFunctions []string
	// ExtraFunctions is appended to the allow-list.
	ExtraFunctions []string
}

func (p Policy) maxLimit() int {
	if p.MaxLimit <= 0 {
		return DefaultMaxLimit
	}
	return p.MaxLimit
}

func (p Policy) functionSet() map[string]struct{} {
	base := p.AllowedFunctions
	if len(base) == 0 {
		base = DefaultFunctions
	}
	set := make(map[string]struct{}, len(base)+len(p.ExtraFunctions))
	for _, f := range base {
		set[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range p.ExtraFunctions {
		set[strings.ToLower(f)] = struct{}{}
	}
	return set
}
