package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/querygate/internal/querygate/types"
)

const defaultRowGroupSize = 65536

var timestampType = arrow.FixedWidthTypes.Timestamp_ms.(*arrow.TimestampType)

// columnType picks the Arrow type of a result column from its values.
// Mixed integer and float columns widen to float64; any other mix, and
// structured values, become strings.
func columnType(rows []types.Row, name string) arrow.DataType {
	var t arrow.DataType
	for _, r := range rows {
		var vt arrow.DataType
		switch r[name].(type) {
		case nil:
			continue
		case int, int64:
			vt = arrow.PrimitiveTypes.Int64
		case float32, float64:
			vt = arrow.PrimitiveTypes.Float64
		case bool:
			vt = arrow.FixedWidthTypes.Boolean
		case time.Time:
			vt = timestampType
		default:
			return arrow.BinaryTypes.String
		}
		switch {
		case t == nil || arrow.TypeEqual(t, vt):
			t = vt
		case isNumeric(t) && isNumeric(vt):
			t = arrow.PrimitiveTypes.Float64
		default:
			return arrow.BinaryTypes.String
		}
	}
	if t == nil {
		return arrow.BinaryTypes.String
	}
	return t
}

func isNumeric(t arrow.DataType) bool {
	return t.ID() == arrow.INT64 || t.ID() == arrow.FLOAT64
}

// discardClose keeps the parquet writer from closing the caller's stream.
type discardClose struct{ io.Writer }

func writeParquet(w io.Writer, rows *types.Rows, opts Options) error {
	names := rows.SortedColumns()
	if len(names) == 0 {
		return fmt.Errorf("parquet export needs at least one column")
	}
	data := rowsOf(rows)

	fields := make([]arrow.Field, 0, len(names))
	for _, n := range names {
		fields = append(fields, arrow.Field{Name: n, Type: columnType(data, n), Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	props := parquet.NewWriterProperties(parquet.WithCompression(parseCompression(opts.Compression)))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	fw, err := pqarrow.NewFileWriter(schema, discardClose{w}, props, arrowProps)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}

	groupSize := opts.RowGroupSize
	if groupSize <= 0 {
		groupSize = defaultRowGroupSize
	}
	mem := memory.NewGoAllocator()
	for start := 0; start < len(data); start += groupSize {
		end := min(start+groupSize, len(data))
		if err := writeRecord(fw, mem, schema, data[start:end]); err != nil {
			_ = fw.Close()
			return err
		}
	}
	return fw.Close()
}

func writeRecord(fw *pqarrow.FileWriter, mem memory.Allocator, schema *arrow.Schema, rows []types.Row) error {
	cols := make([]arrow.Array, 0, len(schema.Fields()))
	defer func() {
		for _, a := range cols {
			a.Release()
		}
	}()
	for _, f := range schema.Fields() {
		b := array.NewBuilder(mem, f.Type)
		for _, r := range rows {
			appendValue(b, r[f.Name])
		}
		cols = append(cols, b.NewArray())
		b.Release()
	}
	rec := array.NewRecord(schema, cols, int64(len(rows)))
	defer rec.Release()
	return fw.Write(rec)
}

func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch b := b.(type) {
	case *array.Int64Builder:
		if iv, ok := coerceInt64(v); ok {
			b.Append(iv)
			return
		}
	case *array.Float64Builder:
		if fv, ok := coerceFloat64(v); ok {
			b.Append(fv)
			return
		}
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			b.Append(bv)
			return
		}
	case *array.TimestampBuilder:
		if t, ok := v.(time.Time); ok {
			b.Append(arrow.Timestamp(t.UnixMilli()))
			return
		}
	case *array.StringBuilder:
		if s, err := text(v); err == nil {
			b.Append(s)
			return
		}
	}
	b.AppendNull()
}

// ReadParquet reads a file written by writeParquet back into rows.
// Timestamps come back as UTC time.Time.
func ReadParquet(r parquet.ReaderAtSeeker) (*types.Rows, error) {
	rdr, err := file.NewParquetReader(r)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("parquet reader: %w", err)
	}
	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("parquet record reader: %w", err)
	}
	defer rr.Release()

	out := &types.Rows{}
	for _, f := range rr.Schema().Fields() {
		out.Columns = append(out.Columns, f.Name)
	}
	for rr.Next() {
		rec := rr.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make(types.Row, len(out.Columns))
			for c, name := range out.Columns {
				row[name] = valueAt(rec.Column(c), i)
			}
			out.Rows = append(out.Rows, row)
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

func valueAt(a arrow.Array, i int) any {
	if a.IsNull(i) {
		return nil
	}
	switch a := a.(type) {
	case *array.String:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Timestamp:
		return a.Value(i).ToTime(arrow.Millisecond).UTC()
	}
	return a.ValueStr(i)
}

func parseCompression(s string) compress.Compression {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "uncompressed", "none":
		return compress.Codecs.Uncompressed
	}
	return compress.Codecs.Zstd
}

func coerceInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func coerceFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
