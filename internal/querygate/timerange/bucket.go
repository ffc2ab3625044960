package timerange

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultBuckets is the number of points a chart aims for.
	DefaultBuckets = 50
	// MaxBuckets caps the resolution of a single series.
	MaxBuckets = 11000
)

// Bucket is a chosen aggregation width for a range.
type Bucket struct {
	Width time.Duration
	Label string
	Count int
}

type unit struct {
	d    time.Duration
	name string
}

var units = []unit{
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
	{time.Second, "second"},
}

// BucketFor picks a human-friendly bucket width so that r splits into about
// target buckets. The raw width is expressed in the largest unit that keeps
// it at or above one and rounded to 1, 2 or 5 times a power of ten, the same
// rounding a chart axis applies to its ticks.
func BucketFor(r Range, target int) Bucket {
	if target <= 0 {
		target = DefaultBuckets
	}
	if target > MaxBuckets {
		target = MaxBuckets
	}
	span := r.Duration()
	if span <= 0 {
		return Bucket{Width: time.Second, Label: "1 second", Count: 0}
	}

	raw := span.Seconds() / float64(target)
	u := units[len(units)-1]
	for _, cand := range units {
		if raw >= cand.d.Seconds() {
			u = cand
			break
		}
	}
	n := niceNum(raw/u.d.Seconds(), true)
	if n < 1 {
		n = 1
	}
	width := time.Duration(n * float64(u.d))

	count := int(math.Ceil(float64(span) / float64(width)))
	for count > MaxBuckets {
		width *= 2
		count = int(math.Ceil(float64(span) / float64(width)))
	}
	return Bucket{Width: width, Label: label(int64(n), u.name), Count: count}
}

// niceNum rounds x to 1, 2, 5 or 10 times a power of ten (Heckbert, Graphics
// Gems, 1990). With round set it picks the nearest; otherwise the ceiling.
func niceNum(x float64, round bool) float64 {
	if x <= 0 {
		return 0
	}
	exp := math.Floor(math.Log10(x))
	f := x / math.Pow(10, exp)
	var nf float64
	if round {
		switch {
		case f < 1.5:
			nf = 1
		case f < 3:
			nf = 2
		case f < 7:
			nf = 5
		default:
			nf = 10
		}
	} else {
		switch {
		case f <= 1:
			nf = 1
		case f <= 2:
			nf = 2
		case f <= 5:
			nf = 5
		default:
			nf = 10
		}
	}
	return nf * math.Pow(10, exp)
}

func label(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// BucketStart aligns t to the start of its bucket, counting from the Unix
// epoch so the result matches "(ms / width) * width" computed in SQL.
func BucketStart(t time.Time, width time.Duration) time.Time {
	w := width.Milliseconds()
	if w <= 0 {
		return t.UTC()
	}
	ms := t.UnixMilli()
	start := (ms / w) * w
	if ms < 0 && ms%w != 0 {
		start -= w
	}
	return time.UnixMilli(start).UTC()
}
