// Package store keeps catalog tables in a local SQLite file. It backs local
// runs of the CLI and the tenant isolation tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
)

type table struct {
	schema  *schema.TableSchema
	columns []schema.ColumnSchema
	insert  *sql.Stmt
}

// SQLiteStore holds one SQLite table per catalog table: the tenant column
// followed by the physical columns. Datetimes are INTEGER unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	tables map[string]*table
}

func OpenSQLite(path string, reg *schema.Registry) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is empty")
	}
	if reg == nil {
		return nil, fmt.Errorf("sqlite store needs a registry")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	s := &SQLiteStore{db: db, tables: map[string]*table{}}
	if err := s.init(reg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(reg *schema.Registry) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma failed (%s): %w", p, err)
		}
	}

	for _, name := range reg.Tables() {
		ts, err := reg.ResolveTable(name)
		if err != nil {
			return err
		}
		t := &table{schema: ts, columns: ts.PhysicalColumns()}
		if _, err := s.db.Exec(createTable(t)); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		if t.insert, err = s.db.Prepare(insertStatement(t)); err != nil {
			return fmt.Errorf("prepare insert %s: %w", name, err)
		}
		s.tables[name] = t
	}
	return nil
}

func ident(name string) string {
	return sqlparser.String(sqlparser.NewColIdent(name))
}

func columnType(c schema.ColumnSchema) string {
	switch c.Type {
	case schema.TypeNumber:
		if c.DBType == types.DBInt64 {
			return "INTEGER"
		}
		return "REAL"
	case schema.TypeBoolean, schema.TypeDateTime:
		return "INTEGER"
	}
	return "TEXT"
}

func createTable(t *table) string {
	var b strings.Builder
	name := ident(t.schema.Name)
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s TEXT NOT NULL", name, ident(t.schema.TenantColumn))
	for _, c := range t.columns {
		fmt.Fprintf(&b, ",\n\t%s %s", ident(c.Name), columnType(c))
	}
	b.WriteString("\n);\n")
	idx := []string{ident(t.schema.TenantColumn)}
	if t.schema.TimestampColumn != "" {
		idx = append(idx, ident(t.schema.TimestampColumn))
	}
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s ON %s(%s);",
		ident("idx_"+t.schema.Name+"_tenant"), name, strings.Join(idx, ", "))
	return b.String()
}

func insertStatement(t *table) string {
	cols := []string{ident(t.schema.TenantColumn)}
	marks := []string{"?"}
	for _, c := range t.columns {
		cols = append(cols, ident(c.Name))
		marks = append(marks, "?")
	}
	return fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)", ident(t.schema.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

// Append inserts rows for tenant in one transaction. Row keys must be
// physical columns of the table; missing columns are stored as NULL.
func (s *SQLiteStore) Append(ctx context.Context, tableName, tenant string, rows []types.Row) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is nil")
	}
	t, ok := s.tables[strings.ToLower(tableName)]
	if !ok {
		return fmt.Errorf("append: unknown table %q", tableName)
	}
	if tenant == "" {
		return fmt.Errorf("append: tenant is empty")
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	stmt := tx.StmtContext(ctx, t.insert)
	for i, row := range rows {
		args, err := t.values(tenant, row)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append %s row %d: %w", t.schema.Name, i, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append %s row %d: %w", t.schema.Name, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (t *table) values(tenant string, row types.Row) ([]any, error) {
	known := make(map[string]bool, len(t.columns))
	args := make([]any, 0, len(t.columns)+1)
	args = append(args, tenant)
	for _, c := range t.columns {
		known[c.Name] = true
		v, err := encode(c, row[c.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		args = append(args, v)
	}
	var extra []string
	for k := range row {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("unknown columns %s", strings.Join(extra, ", "))
	}
	return args, nil
}

func encode(c schema.ColumnSchema, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case schema.TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return x.UnixMilli(), nil
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		}
		return nil, fmt.Errorf("cannot store %T as datetime", v)
	case schema.TypeJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// DB exposes the underlying handle for query execution.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, t := range s.tables {
		if t.insert != nil {
			_ = t.insert.Close()
		}
	}
	return s.db.Close()
}
