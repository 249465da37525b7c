package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// CreateIndex is idempotent (§4.D create_index): it (re)builds the
// in-process ANN index from current storage state using the model's HNSW
// params as a hint to whatever ANNIndex implementation is wired in — the
// bruteForceIndex reference implementation ignores them, since it's exact —
// and issues an actual CREATE INDEX on the part table's object_id column for
// join locality between parts and their owning objects.
func (s *Store) CreateIndex(ctx context.Context, collectionID string, model types.EmbeddingModel) error {
	_, partTable := tableNames(collectionID)
	ddl := fmt.Sprintf("CREATE INDEX idx_%s_object_id_join ON %s (object_id)", safeSuffix(collectionID), quoteIdent(partTable))
	if _, err := s.execContext(ctx, "create_index", ddl); err != nil && !isDuplicateIndexError(err) {
		return err
	}

	s.invalidateIndex(collectionID)
	_, err := s.getOrBuildIndex(ctx, collectionID, model.MetricType)
	return err
}

func safeSuffix(collectionID string) string {
	objTable, _ := tableNames(collectionID)
	return objTable
}

func isDuplicateIndexError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key name") || strings.Contains(msg, "already exists")
}

// optimization is a named, idempotent post-hoc operation applied to a
// collection's physical tables (§4.D "Post-hoc optimizations").
type optimization struct {
	name string
	run  func(ctx context.Context, s *Store, collectionID string) error
}

var optimizations = []optimization{
	{
		name: "analyze_tables",
		run: func(ctx context.Context, s *Store, collectionID string) error {
			objTable, partTable := tableNames(collectionID)
			if _, err := s.execContext(ctx, "optimize", "ANALYZE TABLE "+quoteIdent(objTable)); err != nil {
				return err
			}
			_, err := s.execContext(ctx, "optimize", "ANALYZE TABLE "+quoteIdent(partTable))
			return err
		},
	},
	{
		name: "create_user_id_ordering_index",
		run: func(ctx context.Context, s *Store, collectionID string) error {
			objTable, _ := tableNames(collectionID)
			ddl := fmt.Sprintf("CREATE INDEX idx_%s_user_order ON %s (user_id, created_at)", safeSuffix(collectionID), quoteIdent(objTable))
			_, err := s.execContext(ctx, "optimize", ddl)
			if err != nil && isDuplicateIndexError(err) {
				return nil
			}
			return err
		},
	},
}

// ApplyOptimizations runs every named optimization not already recorded in
// applied, returning the updated applied set (§4.D "Applied set is recorded
// on the collection and skipped on subsequent passes").
func (s *Store) ApplyOptimizations(ctx context.Context, collectionID string, applied []string) ([]string, error) {
	alreadyApplied := make(map[string]bool, len(applied))
	for _, name := range applied {
		alreadyApplied[name] = true
	}
	out := append([]string(nil), applied...)
	for _, opt := range optimizations {
		if alreadyApplied[opt.name] {
			continue
		}
		if err := opt.run(ctx, s, collectionID); err != nil {
			return out, err
		}
		out = append(out, opt.name)
	}
	return out, nil
}
