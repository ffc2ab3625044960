package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/querygate/internal/querygate/types"
)

func sample() *types.Rows {
	return &types.Rows{
		Columns: []string{"name", "count", "avg_cost", "bookmarked", "time_bucket", "metadata"},
		Rows: []types.Row{
			{"name": "checkout", "count": int64(3), "avg_cost": 1.25, "bookmarked": true,
				"time_bucket": time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), "metadata": map[string]any{"k": "v"}},
			{"name": "login, retry", "count": int64(1), "avg_cost": nil, "bookmarked": false,
				"time_bucket": time.Date(2024, 6, 1, 11, 1, 0, 0, time.UTC), "metadata": nil},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"csv": CSV, ".jsonl": JSON, "JSON": JSON, "parquet": Parquet} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xlsx")
	assert.Error(t, err)
}

func TestCSVRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, CSV, sample()))

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, sample().Columns, got.Columns)
	assert.Equal(t, []types.Row{
		{"name": "checkout", "count": "3", "avg_cost": "1.25", "bookmarked": "true",
			"time_bucket": "2024-06-01T11:00:00Z", "metadata": `{"k":"v"}`},
		{"name": "login, retry", "count": "1", "avg_cost": nil, "bookmarked": "false",
			"time_bucket": "2024-06-01T11:01:00Z", "metadata": nil},
	}, got.Rows)
}

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, JSON, sample()))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))

	got, err := ReadJSON(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	assert.Equal(t, []string{"avg_cost", "bookmarked", "count", "metadata", "name", "time_bucket"}, got.Columns)
	first := got.Rows[0]
	assert.Equal(t, json.Number("3"), first["count"])
	assert.Equal(t, json.Number("1.25"), first["avg_cost"])
	assert.Equal(t, true, first["bookmarked"])
	assert.Equal(t, "2024-06-01T11:00:00Z", first["time_bucket"])
	assert.Equal(t, map[string]any{"k": "v"}, first["metadata"])
	assert.Nil(t, got.Rows[1]["avg_cost"])
}

func TestParquetRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteWith(&buf, Parquet, sample(), Options{Compression: "snappy", RowGroupSize: 1}))

	got, err := ReadParquet(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, sample().Columns, got.Columns)
	assert.Equal(t, []types.Row{
		{"name": "checkout", "count": int64(3), "avg_cost": 1.25, "bookmarked": true,
			"time_bucket": time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), "metadata": `{"k":"v"}`},
		{"name": "login, retry", "count": int64(1), "avg_cost": nil, "bookmarked": false,
			"time_bucket": time.Date(2024, 6, 1, 11, 1, 0, 0, time.UTC), "metadata": nil},
	}, got.Rows)
}

func TestParquetWidensMixedNumbers(t *testing.T) {
	rows := &types.Rows{
		Columns: []string{"v"},
		Rows:    []types.Row{{"v": int64(1)}, {"v": 2.5}, {"v": nil}},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Parquet, rows))

	got, err := ReadParquet(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{"v": 1.0}, {"v": 2.5}, {"v": nil}}, got.Rows)
}

func TestWriteEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, CSV, &types.Rows{Columns: []string{"a"}}))
	assert.Equal(t, "a\n", buf.String())

	buf.Reset()
	require.NoError(t, Write(&buf, JSON, nil))
	assert.Empty(t, buf.String())

	assert.Error(t, Write(&buf, Parquet, &types.Rows{}))
	assert.Error(t, Write(&buf, Format("xml"), sample()))
}
