// Package export writes query results as CSV, JSON Lines or Parquet.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ariyn/querygate/internal/querygate/types"
)

type Format string

const (
	CSV     Format = "csv"
	JSON    Format = "json"
	Parquet Format = "parquet"
)

// ParseFormat accepts a format name or a file extension such as ".jsonl".
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "csv":
		return CSV, nil
	case "json", "jsonl", "ndjson":
		return JSON, nil
	case "parquet":
		return Parquet, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// Options tune the Parquet writer. CSV and JSON ignore them.
type Options struct {
	// Compression is one of zstd (default), snappy, gzip, none.
	Compression  string
	RowGroupSize int
}

func Write(w io.Writer, format Format, rows *types.Rows) error {
	return WriteWith(w, format, rows, Options{})
}

func WriteWith(w io.Writer, format Format, rows *types.Rows, opts Options) error {
	switch format {
	case CSV:
		return writeCSV(w, rows)
	case JSON:
		return writeJSON(w, rows)
	case Parquet:
		return writeParquet(w, rows, opts)
	}
	return fmt.Errorf("unsupported export format: %s", format)
}

// writeCSV writes a header row in projection order followed by one record
// per row. NULL is written as an empty field.
func writeCSV(w io.Writer, rows *types.Rows) error {
	cw := csv.NewWriter(w)
	headers := rows.SortedColumns()
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, r := range rowsOf(rows) {
		rec := make([]string, 0, len(headers))
		for _, h := range headers {
			s, err := text(r[h])
			if err != nil {
				return fmt.Errorf("csv column %s: %w", h, err)
			}
			rec = append(rec, s)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func text(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		return string(b), err
	}
	return fmt.Sprintf("%v", v), nil
}

// writeJSON writes JSON Lines, one object per row.
func writeJSON(w io.Writer, rows *types.Rows) error {
	enc := json.NewEncoder(w)
	for _, r := range rowsOf(rows) {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func rowsOf(rows *types.Rows) []types.Row {
	if rows == nil {
		return nil
	}
	return rows.Rows
}

// ReadCSV reads a file produced by writeCSV. Every value comes back as a
// string; empty fields are nil.
func ReadCSV(r io.Reader) (*types.Rows, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return &types.Rows{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	out := &types.Rows{Columns: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		row := make(types.Row, len(header))
		for i, h := range header {
			if rec[i] == "" {
				row[h] = nil
				continue
			}
			row[h] = rec[i]
		}
		out.Rows = append(out.Rows, row)
	}
}

// ReadJSON reads JSON Lines. Numbers are kept as json.Number.
func ReadJSON(r io.Reader) (*types.Rows, error) {
	out := &types.Rows{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		b := strings.TrimSpace(sc.Text())
		if b == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(b))
		dec.UseNumber()
		var row types.Row
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("read json line %d: %w", line, err)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out.Columns = out.SortedColumns()
	return out, nil
}
