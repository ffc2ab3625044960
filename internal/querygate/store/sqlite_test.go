package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/querygate/internal/querygate/schema"
	"github.com/ariyn/querygate/internal/querygate/types"
)

func openStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	reg, err := schema.DefaultRegistry()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := OpenSQLite(path, reg)
	require.NoError(t, err)
	return s, path
}

func TestSQLiteStore_AppendAndReopen(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, "traces", "p1", []types.Row{
		{"id": "t1", "name": "checkout", "timestamp": ts, "bookmarked": true, "total_cost": 1.5, "metadata": map[string]any{"k": "v"}},
		{"id": "t2", "name": "login"},
	}))
	require.NoError(t, s.Append(ctx, "traces", "p2", []types.Row{{"id": "t3", "name": "checkout"}}))
	require.NoError(t, s.Close())

	reg, err := schema.DefaultRegistry()
	require.NoError(t, err)
	s2, err := OpenSQLite(path, reg)
	require.NoError(t, err)
	defer s2.Close()

	var n int
	require.NoError(t, s2.DB().QueryRow(`SELECT count(*) FROM traces WHERE project_id = ?`, "p1").Scan(&n))
	assert.Equal(t, 2, n)

	var ms int64
	var meta string
	require.NoError(t, s2.DB().QueryRow(`SELECT "timestamp", metadata FROM traces WHERE id = 't1'`).Scan(&ms, &meta))
	assert.Equal(t, ts.UnixMilli(), ms)
	assert.JSONEq(t, `{"k":"v"}`, meta)
}

func TestSQLiteStore_DerivedColumnsAreNotStored(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	err := s.Append(context.Background(), "spans", "p1", []types.Row{{"id": "s1", "duration_ms": int64(5)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown columns duration_ms")
}

func TestSQLiteStore_TruncatedColumnsKeepFullValue(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()
	ctx := context.Background()

	long := strings.Repeat("x", 300)
	require.NoError(t, s.Append(ctx, "traces", "p1", []types.Row{{"id": "t1", "input": long}}))
	var got string
	require.NoError(t, s.DB().QueryRow(`SELECT input FROM traces WHERE id = 't1'`).Scan(&got))
	assert.Equal(t, long, got)

	err := s.Append(ctx, "traces", "p1", []types.Row{{"id": "t2", "release_tag": "v1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown columns release_tag")
}

func TestSQLiteStore_AppendErrors(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()
	ctx := context.Background()

	assert.Error(t, s.Append(ctx, "nope", "p1", []types.Row{{"id": "x"}}))
	assert.Error(t, s.Append(ctx, "spans", "", []types.Row{{"id": "x"}}))
	assert.Error(t, s.Append(ctx, "spans", "p1", []types.Row{{"start_time": "yesterday"}}))
	assert.NoError(t, s.Append(ctx, "spans", "p1", nil))

	_, err := OpenSQLite("", nil)
	assert.Error(t, err)
}
