// Package collection implements the collection lifecycle manager (§4.E):
// pure orchestration over internal/cache (§4.C) and internal/vectorstore
// (§4.D) with no storage of its own. The CATEGORIES_REGULAR/CATEGORIES_QUERY
// namespace is carried as a second Manager instance parameterized by kind
// pair rather than duplicated code, per spec.md's "Same operations exist for
// the CATEGORIES kinds under a separate namespace."
package collection

import (
	"context"
	"log/slog"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/cache"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// ModelStore is the subset of the metadata store this manager needs for the
// embedding model's implicit lifecycle (§3 "created implicitly... removed
// when every collection referencing it is deleted").
type ModelStore interface {
	EnsureEmbeddingModel(ctx context.Context, m types.EmbeddingModel) error
	GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error)
	DeleteEmbeddingModelIfUnreferenced(ctx context.Context, embeddingModelID string) error
}

// VectorStore is the subset of internal/vectorstore this manager drives.
type VectorStore interface {
	EnsureCollectionTables(ctx context.Context, collectionID string) error
	DropCollectionTables(ctx context.Context, collectionID string) error
	CreateIndex(ctx context.Context, collectionID string, model types.EmbeddingModel) error
}

// Manager is one instance of the lifecycle manager, scoped to a kind pair
// (REGULAR/QUERY or CATEGORIES_REGULAR/CATEGORIES_QUERY).
type Manager struct {
	cache   *cache.Cache
	models  ModelStore
	vectors VectorStore
	logger  *slog.Logger

	regularKind types.CollectionKind
	queryKind   types.CollectionKind
}

// New returns the manager for the REGULAR/QUERY namespace.
func New(c *cache.Cache, models ModelStore, vectors VectorStore, logger *slog.Logger) *Manager {
	return newManager(c, models, vectors, types.KindRegular, types.KindQuery, logger)
}

// NewCategories returns the manager for the CATEGORIES_REGULAR/
// CATEGORIES_QUERY namespace — same operations, separate collection kinds.
func NewCategories(c *cache.Cache, models ModelStore, vectors VectorStore, logger *slog.Logger) *Manager {
	return newManager(c, models, vectors, types.KindCategoriesRegular, types.KindCategoriesQuery, logger)
}

func newManager(c *cache.Cache, models ModelStore, vectors VectorStore, regularKind, queryKind types.CollectionKind, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cache: c, models: models, vectors: vectors, logger: logger, regularKind: regularKind, queryKind: queryKind}
}

// CreatePair creates the REGULAR + QUERY collections for a model (§4.E
// create_pair). If either already exists, the existing pair is returned
// unchanged rather than re-created. Both start GREEN with
// index_created=false.
func (m *Manager) CreatePair(ctx context.Context, model types.EmbeddingModel) (regular, query types.Collection, err error) {
	if err := model.Validate(); err != nil {
		return types.Collection{}, types.Collection{}, apperrors.Validation("collection.create_pair: %v", err)
	}

	if existing, ok := m.cache.GetByKind(model.EmbeddingModelID, m.regularKind); ok {
		if existingQuery, ok := m.cache.GetByKind(model.EmbeddingModelID, m.queryKind); ok {
			return existing, existingQuery, nil
		}
	}

	if err := m.models.EnsureEmbeddingModel(ctx, model); err != nil {
		return types.Collection{}, types.Collection{}, apperrors.Internal("collection.create_pair ensure_model", err)
	}

	for _, kind := range []types.CollectionKind{m.regularKind, m.queryKind} {
		if err := m.vectors.EnsureCollectionTables(ctx, model.EmbeddingModelID); err != nil {
			return types.Collection{}, types.Collection{}, apperrors.Internal("collection.create_pair ensure_tables", err)
		}
		col := types.Collection{
			CollectionID:     model.EmbeddingModelID,
			EmbeddingModelID: model.EmbeddingModelID,
			Kind:             kind,
			IndexCreated:     false,
			WorkState:        types.StateGreen,
		}
		if err := m.cache.Add(ctx, col); err != nil {
			return types.Collection{}, types.Collection{}, apperrors.Internal("collection.create_pair add", err)
		}
	}

	regular, _ = m.cache.GetByKind(model.EmbeddingModelID, m.regularKind)
	query, _ = m.cache.GetByKind(model.EmbeddingModelID, m.queryKind)
	return regular, query, nil
}

// CreateIndex builds the ANN index on both collections of the model's pair
// (§4.E create_index).
func (m *Manager) CreateIndex(ctx context.Context, embeddingModelID string) error {
	model, err := m.modelOf(ctx, embeddingModelID)
	if err != nil {
		return err
	}

	for _, kind := range []types.CollectionKind{m.regularKind, m.queryKind} {
		col, ok := m.cache.GetByKind(embeddingModelID, kind)
		if !ok {
			return apperrors.NotFound("collection %s/%s", embeddingModelID, kind)
		}
		if err := m.vectors.CreateIndex(ctx, embeddingModelID, model); err != nil {
			return apperrors.Internal("collection.create_index", err)
		}
		col.IndexCreated = true
		if err := m.cache.Update(ctx, col); err != nil {
			return apperrors.Internal("collection.create_index update", err)
		}
	}
	return nil
}

// PromoteToBlue demotes the current BLUE pair (if any) to GREEN and
// promotes this model's pair to BLUE, atomically via the cache's
// set_blue (§4.E promote_to_blue). The old pair remains available for
// reads until explicitly deleted.
func (m *Manager) PromoteToBlue(ctx context.Context, embeddingModelID string) error {
	regular, ok := m.cache.GetByKind(embeddingModelID, m.regularKind)
	if !ok {
		return apperrors.NotFound("collection %s/%s", embeddingModelID, m.regularKind)
	}
	query, ok := m.cache.GetByKind(embeddingModelID, m.queryKind)
	if !ok {
		return apperrors.NotFound("collection %s/%s", embeddingModelID, m.queryKind)
	}
	return m.cache.SetBlue(ctx, regular.CollectionID, query.CollectionID)
}

// DeletePair deletes both collections of a model's pair (§4.E delete_pair).
// Fails with a conflict if either collection is BLUE. Once both rows are
// gone and no other kind still references the model, the model row itself
// is removed (§3's "no standalone lifecycle").
func (m *Manager) DeletePair(ctx context.Context, embeddingModelID string) error {
	regular, regOK := m.cache.GetByKind(embeddingModelID, m.regularKind)
	query, queryOK := m.cache.GetByKind(embeddingModelID, m.queryKind)
	if !regOK && !queryOK {
		return apperrors.NotFound("collection %s", embeddingModelID)
	}
	if (regOK && regular.WorkState == types.StateBlue) || (queryOK && query.WorkState == types.StateBlue) {
		return apperrors.Conflict("collection %s cannot be deleted while BLUE", embeddingModelID)
	}

	if regOK {
		if err := m.vectors.DropCollectionTables(ctx, embeddingModelID); err != nil {
			return apperrors.Internal("collection.delete_pair drop_tables", err)
		}
		if err := m.cache.Delete(ctx, embeddingModelID, m.regularKind); err != nil {
			return apperrors.Internal("collection.delete_pair delete_regular", err)
		}
	}
	if queryOK {
		if err := m.cache.Delete(ctx, embeddingModelID, m.queryKind); err != nil {
			return apperrors.Internal("collection.delete_pair delete_query", err)
		}
	}

	if err := m.models.DeleteEmbeddingModelIfUnreferenced(ctx, embeddingModelID); err != nil {
		return apperrors.Internal("collection.delete_pair delete_model", err)
	}
	return nil
}

func (m *Manager) modelOf(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error) {
	if _, ok := m.cache.GetByKind(embeddingModelID, m.regularKind); !ok {
		return types.EmbeddingModel{}, apperrors.NotFound("collection %s/%s", embeddingModelID, m.regularKind)
	}
	return m.models.GetEmbeddingModel(ctx, embeddingModelID)
}
