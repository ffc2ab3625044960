package timerange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/querygate/internal/querygate/types"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		span   time.Duration
		target int
		width  time.Duration
		label  string
		count  int
	}{
		{time.Hour, 60, time.Minute, "1 minute", 60},
		{24 * time.Hour, 50, 20 * time.Minute, "20 minutes", 72},
		{7 * 24 * time.Hour, 100, 2 * time.Hour, "2 hours", 84},
		{90 * 24 * time.Hour, 50, 2 * 24 * time.Hour, "2 days", 45},
		{time.Minute, 50, time.Second, "1 second", 60},
		{10 * time.Minute, 0, 10 * time.Second, "10 seconds", 60},
	}
	for _, tt := range tests {
		t.Run(tt.span.String(), func(t *testing.T) {
			b := BucketFor(Range{Start: now.Add(-tt.span), End: now}, tt.target)
			assert.Equal(t, tt.width, b.Width)
			assert.Equal(t, tt.label, b.Label)
			assert.Equal(t, tt.count, b.Count)
		})
	}
}

func TestBucketForCapsCount(t *testing.T) {
	b := BucketFor(Range{Start: AllTimeStart, End: AllTimeEnd}, 1<<20)
	assert.LessOrEqual(t, b.Count, MaxBuckets)
}

func TestNiceNum(t *testing.T) {
	for x, want := range map[float64]float64{1: 1, 1.4: 1, 1.6: 2, 2.9: 2, 3.1: 5, 6.9: 5, 7: 10, 28.8: 20, 0.04: 0.05} {
		assert.InDelta(t, want, niceNum(x, true), 1e-9, "round %v", x)
	}
	for x, want := range map[float64]float64{1: 1, 1.1: 2, 2: 2, 2.1: 5, 5.1: 10, 120: 200} {
		assert.InDelta(t, want, niceNum(x, false), 1e-9, "ceil %v", x)
	}
}

func TestBucketStart(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 20, 0, 0, time.UTC), BucketStart(ts, 20*time.Minute))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), BucketStart(ts, 24*time.Hour))
	assert.Equal(t, time.UnixMilli(-60000).UTC(), BucketStart(time.UnixMilli(-1), time.Minute))
}

func TestFill(t *testing.T) {
	r := Range{Start: now.Add(-5 * time.Minute), End: now}
	b := Bucket{Width: time.Minute, Label: "1 minute", Count: 5}

	rows := []types.Row{
		{"bucket": now.Add(-3 * time.Minute).UnixMilli(), "count": int64(4)},
		{"bucket": now.Add(-5 * time.Minute).Format(time.RFC3339), "count": int64(1)},
	}
	got := Fill(rows, r, b, "bucket", types.Row{"count": int64(0)})
	require.Len(t, got, 5)

	var counts []int64
	for i, row := range got {
		counts = append(counts, row["count"].(int64))
		if i == 1 {
			assert.Equal(t, now.Add(-4*time.Minute), row["bucket"])
		}
	}
	assert.Equal(t, []int64{1, 0, 4, 0, 0}, counts)
}

func TestFillKeepsOutsideAndUnreadableRows(t *testing.T) {
	r := Range{Start: now.Add(-2 * time.Minute), End: now}
	b := Bucket{Width: time.Minute}
	rows := []types.Row{
		{"bucket": "not a time"},
		{"bucket": now.Add(time.Hour)},
	}
	got := Fill(rows, r, b, "bucket", nil)
	require.Len(t, got, 4)
	assert.Equal(t, now.Add(time.Hour), got[2]["bucket"])
	assert.Equal(t, "not a time", got[3]["bucket"])
}

func TestFillAllTimeIsNoop(t *testing.T) {
	rows := []types.Row{{"bucket": now}}
	got := Fill(rows, Range{Start: AllTimeStart, End: AllTimeEnd}, Bucket{Width: time.Hour}, "bucket", nil)
	assert.Equal(t, rows, got)
}
