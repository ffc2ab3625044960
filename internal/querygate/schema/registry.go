package schema

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the on-disk shape of a registry.
type Catalog struct {
	Tables []TableSchema `yaml:"tables"`
}

// Registry is the allow-list of queryable tables and columns. It is never
// mutated after construction and is safe for concurrent readers.
type Registry struct {
	tables map[string]*TableSchema
	names  []string
}

// NewRegistry validates and indexes the given tables.
func NewRegistry(tables ...TableSchema) (*Registry, error) {
	r := &Registry{tables: make(map[string]*TableSchema, len(tables))}
	for i := range tables {
		t := tables[i]
		if err := t.index(); err != nil {
			return nil, err
		}
		key := strings.ToLower(t.Name)
		if _, dup := r.tables[key]; dup {
			return nil, fmt.Errorf("duplicate table %s", t.Name)
		}
		r.tables[key] = &t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// LoadRegistry reads a YAML catalog.
func LoadRegistry(rd io.Reader) (*Registry, error) {
	var c Catalog
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewRegistry(c.Tables...)
}

// LoadRegistryFile reads a YAML catalog from path.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return LoadRegistry(f)
}

// DefaultRegistry returns the built-in observability catalog
// (traces, spans, events, scores).
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(bytes.NewReader(defaultCatalog))
}

// Tables returns the table names in lexical order.
func (r *Registry) Tables() []string {
	return append([]string(nil), r.names...)
}

// ResolveTable looks a table up by case-insensitive name.
func (r *Registry) ResolveTable(name string) (*TableSchema, error) {
	t, ok := r.tables[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// ResolveColumn looks a column up on a table.
func (r *Registry) ResolveColumn(table, column string) (*ColumnSchema, error) {
	t, err := r.ResolveTable(table)
	if err != nil {
		return nil, err
	}
	c, ok := t.Column(column)
	if !ok {
		return nil, fmt.Errorf("column %q on table %q: %w", column, t.Name, ErrNotFound)
	}
	return c, nil
}
