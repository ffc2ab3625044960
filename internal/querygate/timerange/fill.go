package timerange

import (
	"sort"
	"time"

	"github.com/ariyn/querygate/internal/querygate/types"
)

// Fill returns rows extended with one zero row for every bucket of r that
// has no row, ordered by bucket. column holds the bucket start; it may be a
// time.Time, unix milliseconds or an RFC 3339 string. zero supplies the
// values of the inserted rows. Rows whose bucket cannot be read are kept at
// the end in their original order.
func Fill(rows []types.Row, r Range, b Bucket, column string, zero types.Row) []types.Row {
	if b.Width <= 0 || r.IsAllTime() {
		return rows
	}

	byBucket := map[int64][]types.Row{}
	var unreadable []types.Row
	for _, row := range rows {
		t, ok := ToTime(row[column])
		if !ok {
			unreadable = append(unreadable, row)
			continue
		}
		key := BucketStart(t, b.Width).UnixMilli()
		byBucket[key] = append(byBucket[key], row)
	}

	var out []types.Row
	seen := map[int64]bool{}
	for t := BucketStart(r.Start, b.Width); t.Before(r.End); t = t.Add(b.Width) {
		key := t.UnixMilli()
		seen[key] = true
		if existing, ok := byBucket[key]; ok {
			out = append(out, existing...)
			continue
		}
		row := make(types.Row, len(zero)+1)
		for k, v := range zero {
			row[k] = v
		}
		row[column] = t
		out = append(out, row)
	}

	// Rows outside the range are kept rather than silently dropped.
	var outside []int64
	for key := range byBucket {
		if !seen[key] {
			outside = append(outside, key)
		}
	}
	sort.Slice(outside, func(i, j int) bool { return outside[i] < outside[j] })
	for _, key := range outside {
		out = append(out, byBucket[key]...)
	}
	return append(out, unreadable...)
}

// ToTime reads a bucket value as returned by the supported drivers.
func ToTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case int64:
		return time.UnixMilli(x).UTC(), true
	case int:
		return time.UnixMilli(int64(x)).UTC(), true
	case float64:
		return time.UnixMilli(int64(x)).UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), true
			}
		}
	case []byte:
		return ToTime(string(x))
	}
	return time.Time{}, false
}
