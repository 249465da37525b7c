package vectorstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/dolthub/driver"
	"github.com/stretchr/testify/require"

	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// newTestStore opens a fresh embedded Dolt database per test, mirroring the
// teacher's per-test-temp-dir isolation (internal/storage/sqlite/test_helpers.go).
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("dolt", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewFromDB(db, false, nil)
	return s
}

func testModel(dim int, metric types.MetricType, agg types.AggregationType) types.EmbeddingModel {
	return types.EmbeddingModel{
		EmbeddingModelID: "m1",
		PluginName:       "test_plugin",
		Dimensions:       dim,
		MetricType:       metric,
		AggregationType:  agg,
		HNSW:             types.HNSWParams{M: 8, EfConstruction: 64},
	}
}

func mustEnsureTables(t *testing.T, s *Store, collectionID string) {
	t.Helper()
	require.NoError(t, s.EnsureCollectionTables(context.Background(), collectionID))
}
