// Package timerange turns relative or absolute time selections into a
// concrete half-open interval and picks chart bucket widths for it.
package timerange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ariyn/querygate/internal/querygate/types"
)

// DefaultLookbackHours applies when a request selects no range at all.
const DefaultLookbackHours = 24

// AllTime is the value of PastHours that disables time filtering.
const AllTime = "all"

var (
	// AllTimeStart and AllTimeEnd bound the "all" range. Both fit in every
	// supported store's datetime type.
	AllTimeStart = time.Unix(0, 0).UTC()
	AllTimeEnd   = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// PastHours is a relative selection: a non-negative hour count or "all".
// It accepts both JSON numbers and strings.
type PastHours string

func (p *PastHours) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*p = PastHours(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("pastHours must be a number or %q", AllTime)
	}
	*p = PastHours(s)
	return nil
}

// Input is a user time selection. At most one of PastHours and the absolute
// pair may be set.
type Input struct {
	PastHours PastHours  `json:"pastHours,omitempty" yaml:"past_hours"`
	StartDate *time.Time `json:"startDate,omitempty" yaml:"start_date"`
	EndDate   *time.Time `json:"endDate,omitempty" yaml:"end_date"`
}

// Range is the half-open interval [Start, End) in UTC.
type Range struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// IsAllTime reports whether r is the "all" range.
func (r Range) IsAllTime() bool {
	return r.Start.Equal(AllTimeStart) && r.End.Equal(AllTimeEnd)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Resolve converts in into a Range. An empty Input resolves to the last
// defaultHours hours. Absolute ranges must already be ordered; use
// NormalizeZoom for selections that may come in reverse.
func Resolve(in Input, defaultHours int, now time.Time) (Range, error) {
	now = now.UTC()
	hasRelative := in.PastHours != ""
	hasAbsolute := in.StartDate != nil || in.EndDate != nil

	switch {
	case hasRelative && hasAbsolute:
		return Range{}, types.Reject(types.InvalidTimeRange, "pastHours cannot be combined with startDate/endDate")
	case hasRelative:
		return resolveRelative(strings.TrimSpace(string(in.PastHours)), now)
	case hasAbsolute:
		if in.StartDate == nil || in.EndDate == nil {
			return Range{}, types.Reject(types.InvalidTimeRange, "startDate and endDate must be given together")
		}
		r := Range{Start: in.StartDate.UTC(), End: in.EndDate.UTC()}
		if !r.Start.Before(r.End) {
			return Range{}, types.Reject(types.InvalidTimeRange, "startDate %s must be before endDate %s",
				r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
		}
		return r, nil
	}

	if defaultHours <= 0 {
		defaultHours = DefaultLookbackHours
	}
	return Range{Start: now.Add(-time.Duration(defaultHours) * time.Hour), End: now}, nil
}

func resolveRelative(v string, now time.Time) (Range, error) {
	if strings.EqualFold(v, AllTime) {
		return Range{Start: AllTimeStart, End: AllTimeEnd}, nil
	}
	hours, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return Range{}, types.Reject(types.InvalidTimeRange, "pastHours must be a number or %q, got %q", AllTime, v)
	}
	// Zero hours would give an empty range.
	if hours <= 0 {
		return Range{}, types.Reject(types.InvalidTimeRange, "pastHours %q selects an empty range; use %q for an unbounded one", v, AllTime)
	}
	d := time.Duration(hours * float64(time.Hour))
	return Range{Start: now.Add(-d), End: now}, nil
}

// NormalizeZoom builds a Range from two points of a drag selection, which
// may arrive in either order.
func NormalizeZoom(a, b time.Time) (Range, error) {
	a, b = a.UTC(), b.UTC()
	if b.Before(a) {
		a, b = b, a
	}
	if a.Equal(b) {
		return Range{}, types.Reject(types.InvalidTimeRange, "zoom selection is empty")
	}
	return Range{Start: a, End: b}, nil
}

// Predicate returns a squirrel-style fragment restricting column to r.
func Predicate(column string, r Range) (string, []any) {
	return "(" + column + " >= ? AND " + column + " < ?)", []any{r.Start, r.End}
}

// Resolver resolves inputs against a configured default and clock.
type Resolver struct {
	DefaultHours int
	Now          func() time.Time
}

// Resolve resolves in; a nil Input means "no selection".
func (r Resolver) Resolve(in *Input) (Range, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	var sel Input
	if in != nil {
		sel = *in
	}
	return Resolve(sel, r.DefaultHours, now())
}
