package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ariyn/querygate/internal/querygate/schema"
	sqlconv "github.com/ariyn/querygate/internal/querygate/sql"
	"github.com/ariyn/querygate/internal/querygate/store"
	"github.com/ariyn/querygate/internal/querygate/types"
)

// seedStore loads every seed file into s.
func seedStore(ctx context.Context, s *store.SQLiteStore, reg *schema.Registry, seeds []SeedConfig) error {
	for _, sc := range seeds {
		tbl, err := reg.ResolveTable(sc.Table)
		if err != nil {
			return fmt.Errorf("seed %s: %w", sc.Path, err)
		}
		f, err := os.Open(sc.Path)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", sc.Path, err)
		}
		rows, err := readSeedCSV(f, tbl)
		f.Close()
		if err != nil {
			return fmt.Errorf("seed %s: %w", sc.Path, err)
		}
		if err := s.Append(ctx, tbl.Name, sc.Tenant, rows); err != nil {
			return fmt.Errorf("seed %s: %w", sc.Path, err)
		}
	}
	return nil
}

// readSeedCSV reads a headed CSV whose columns are physical columns of tbl.
// Values are parsed by the column's semantic type; empty fields are NULL.
func readSeedCSV(r io.Reader, tbl *schema.TableSchema) ([]types.Row, error) {
	reader := csv.NewReader(r)
	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}
	cols := make([]*schema.ColumnSchema, len(headers))
	for i, h := range headers {
		col, ok := tbl.Column(strings.TrimSpace(h))
		if !ok || col.Tenant || !col.Stored() {
			return nil, fmt.Errorf("column %q is not a stored column of %s", h, tbl.Name)
		}
		cols[i] = col
	}

	var rows []types.Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error reading csv record: %w", err)
		}
		row := make(types.Row, len(cols))
		for i, value := range record {
			v, err := parseValue(value, cols[i])
			if err != nil {
				return nil, fmt.Errorf("line %d: failed to parse value '%s' for column '%s' as %s: %w", line, value, cols[i].Name, cols[i].Type, err)
			}
			row[cols[i].Name] = v
		}
		rows = append(rows, row)
	}
}

func parseValue(value string, col *schema.ColumnSchema) (any, error) {
	if value == "" {
		return nil, nil
	}
	switch col.Type {
	case schema.TypeNumber:
		if col.DBType == types.DBInt64 {
			return strconv.ParseInt(value, 10, 64)
		}
		return strconv.ParseFloat(value, 64)
	case schema.TypeBoolean:
		return strconv.ParseBool(value)
	case schema.TypeDateTime:
		if t, ok := sqlconv.ParseTime(value); ok {
			return t, nil
		}
		return strconv.ParseInt(value, 10, 64)
	}
	return value, nil
}
