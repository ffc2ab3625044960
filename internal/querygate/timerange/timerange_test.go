package timerange

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/querygate/internal/querygate/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestResolve(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   Input
		want Range
	}{
		{"default lookback", Input{}, Range{now.Add(-7 * time.Hour), now}},
		{"relative", Input{PastHours: "3"}, Range{now.Add(-3 * time.Hour), now}},
		{"fractional", Input{PastHours: "0.5"}, Range{now.Add(-30 * time.Minute), now}},
		{"all", Input{PastHours: "all"}, Range{AllTimeStart, AllTimeEnd}},
		{"absolute", Input{StartDate: &start, EndDate: &end}, Range{start, end}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.in, 7, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Start.Equal(got.Start), "start %s", got.Start)
			assert.True(t, tt.want.End.Equal(got.End), "end %s", got.End)
		})
	}
}

func TestResolveDefaultsWhenUnconfigured(t *testing.T) {
	got, err := Resolve(Input{}, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, got.Duration())
}

func TestResolveRejects(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	tests := []struct {
		name string
		in   Input
	}{
		{"relative and absolute", Input{PastHours: "1", StartDate: &start, EndDate: &end}},
		{"start only", Input{StartDate: &start}},
		{"end only", Input{EndDate: &end}},
		{"reversed", Input{StartDate: &end, EndDate: &start}},
		{"empty", Input{StartDate: &start, EndDate: ptr(start)}},
		{"zero hours", Input{PastHours: "0"}},
		{"negative hours", Input{PastHours: "-4"}},
		{"garbage", Input{PastHours: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.in, 24, now)
			require.Error(t, err)
			assert.True(t, types.IsRejection(err, types.InvalidTimeRange), err.Error())
		})
	}
}

func TestResolveZeroHoursPointsToAll(t *testing.T) {
	_, err := Resolve(Input{PastHours: "0"}, 24, now)
	r, ok := types.AsRejection(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, types.InvalidTimeRange, r.Kind)
	assert.Contains(t, r.Message, `use "all"`)
}

func TestPastHoursJSON(t *testing.T) {
	var in Input
	require.NoError(t, json.Unmarshal([]byte(`{"pastHours": 12}`), &in))
	assert.Equal(t, PastHours("12"), in.PastHours)

	require.NoError(t, json.Unmarshal([]byte(`{"pastHours": "all"}`), &in))
	assert.Equal(t, PastHours("all"), in.PastHours)

	assert.Error(t, json.Unmarshal([]byte(`{"pastHours": true}`), &in))
}

func TestNormalizeZoom(t *testing.T) {
	a := now.Add(-time.Hour)

	r, err := NormalizeZoom(now, a)
	require.NoError(t, err)
	assert.Equal(t, a, r.Start)
	assert.Equal(t, now, r.End)

	_, err = NormalizeZoom(a, a)
	assert.True(t, types.IsRejection(err, types.InvalidTimeRange))
}

func TestPredicate(t *testing.T) {
	r := Range{Start: now.Add(-time.Hour), End: now}
	sql, args := Predicate("spans.start_time", r)
	assert.Equal(t, "(spans.start_time >= ? AND spans.start_time < ?)", sql)
	assert.Equal(t, []any{r.Start, r.End}, args)
}

func TestResolverUsesClock(t *testing.T) {
	r := Resolver{DefaultHours: 2, Now: func() time.Time { return now }}
	got, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: now.Add(-2 * time.Hour), End: now}, got)
}
