package collection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/cache"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// fakeMetadataStore mirrors internal/cache's own test double, duplicated
// here (rather than exported from internal/cache) since it is test-only
// scaffolding, not part of that package's public surface.
type fakeMetadataStore struct {
	collections map[string]types.Collection
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{collections: make(map[string]types.Collection)}
}

func metaKey(id string, kind types.CollectionKind) string { return string(kind) + "/" + id }

func (f *fakeMetadataStore) ListCollections(ctx context.Context) ([]types.Collection, error) {
	out := make([]types.Collection, 0, len(f.collections))
	for _, c := range f.collections {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeMetadataStore) UpsertCollection(ctx context.Context, c types.Collection) error {
	f.collections[metaKey(c.CollectionID, c.Kind)] = c
	return nil
}

func (f *fakeMetadataStore) DeleteCollection(ctx context.Context, collectionID string, kind types.CollectionKind) error {
	delete(f.collections, metaKey(collectionID, kind))
	return nil
}

func (f *fakeMetadataStore) SetBlue(ctx context.Context, regularID, queryID string) error {
	for k, c := range f.collections {
		switch {
		case c.Kind == types.KindRegular && c.CollectionID == regularID:
			c.WorkState = types.StateBlue
		case c.Kind == types.KindQuery && c.CollectionID == queryID:
			c.WorkState = types.StateBlue
		case c.Kind == types.KindRegular || c.Kind == types.KindQuery:
			c.WorkState = types.StateGreen
		default:
			continue
		}
		f.collections[k] = c
	}
	return nil
}

type fakeModelStore struct {
	models map[string]types.EmbeddingModel
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{models: make(map[string]types.EmbeddingModel)}
}

func (f *fakeModelStore) EnsureEmbeddingModel(ctx context.Context, m types.EmbeddingModel) error {
	if _, ok := f.models[m.EmbeddingModelID]; !ok {
		f.models[m.EmbeddingModelID] = m
	}
	return nil
}

func (f *fakeModelStore) GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error) {
	m, ok := f.models[embeddingModelID]
	if !ok {
		return types.EmbeddingModel{}, apperrors.NotFound("embedding model %s not found", embeddingModelID)
	}
	return m, nil
}

func (f *fakeModelStore) DeleteEmbeddingModelIfUnreferenced(ctx context.Context, embeddingModelID string) error {
	delete(f.models, embeddingModelID)
	return nil
}

type fakeVectorStore struct {
	ensured map[string]bool
	dropped map[string]bool
	indexed map[string]bool
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{ensured: map[string]bool{}, dropped: map[string]bool{}, indexed: map[string]bool{}}
}

func (f *fakeVectorStore) EnsureCollectionTables(ctx context.Context, collectionID string) error {
	f.ensured[collectionID] = true
	return nil
}

func (f *fakeVectorStore) DropCollectionTables(ctx context.Context, collectionID string) error {
	f.dropped[collectionID] = true
	return nil
}

func (f *fakeVectorStore) CreateIndex(ctx context.Context, collectionID string, model types.EmbeddingModel) error {
	f.indexed[collectionID] = true
	return nil
}

func testModel(id string) types.EmbeddingModel {
	return types.EmbeddingModel{
		EmbeddingModelID: id,
		PluginName:       "text_embedder",
		Dimensions:       8,
		MetricType:       types.MetricCosine,
		AggregationType:  types.AggregationAvg,
		HNSW:             types.HNSWParams{M: 16, EfConstruction: 100},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeModelStore, *fakeVectorStore) {
	t.Helper()
	c := cache.New(newFakeMetadataStore(), nil)
	models := newFakeModelStore()
	vectors := newFakeVectorStore()
	return New(c, models, vectors, nil), models, vectors
}

func TestCreatePairCreatesBothCollectionsGreen(t *testing.T) {
	mgr, _, vectors := newTestManager(t)
	ctx := context.Background()

	regular, query, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)
	assert.Equal(t, types.StateGreen, regular.WorkState)
	assert.Equal(t, types.StateGreen, query.WorkState)
	assert.False(t, regular.IndexCreated)
	assert.True(t, vectors.ensured["m1"])
}

func TestCreatePairIsIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)
	second, _, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreateIndexMarksBothCollections(t *testing.T) {
	mgr, _, vectors := newTestManager(t)
	ctx := context.Background()

	_, _, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)

	require.NoError(t, mgr.CreateIndex(ctx, "m1"))
	assert.True(t, vectors.indexed["m1"])

	regular, _ := mgr.cache.GetByKind("m1", types.KindRegular)
	assert.True(t, regular.IndexCreated)
}

func TestPromoteToBlueSwapsPair(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)

	require.NoError(t, mgr.PromoteToBlue(ctx, "m1"))

	regular, _ := mgr.cache.GetBlue(types.KindRegular)
	assert.Equal(t, "m1", regular.CollectionID)
}

func TestDeletePairFailsWhileBlue(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)
	require.NoError(t, mgr.PromoteToBlue(ctx, "m1"))

	err = mgr.DeletePair(ctx, "m1")
	assert.True(t, apperrors.IsConflict(err))
}

func TestDeletePairRemovesCollectionsAndModel(t *testing.T) {
	mgr, models, vectors := newTestManager(t)
	ctx := context.Background()

	_, _, err := mgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)

	require.NoError(t, mgr.DeletePair(ctx, "m1"))
	assert.True(t, vectors.dropped["m1"])

	_, ok := mgr.cache.GetByKind("m1", types.KindRegular)
	assert.False(t, ok)
	_, err = models.GetEmbeddingModel(ctx, "m1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCategoriesNamespaceIsIndependent(t *testing.T) {
	c := cache.New(newFakeMetadataStore(), nil)
	models := newFakeModelStore()
	vectors := newFakeVectorStore()
	regularMgr := New(c, models, vectors, nil)
	categoriesMgr := NewCategories(c, models, vectors, nil)
	ctx := context.Background()

	_, _, err := regularMgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)

	_, ok := categoriesMgr.cache.GetByKind("m1", types.KindCategoriesRegular)
	assert.False(t, ok)

	_, _, err = categoriesMgr.CreatePair(ctx, testModel("m1"))
	require.NoError(t, err)
	_, ok = categoriesMgr.cache.GetByKind("m1", types.KindCategoriesRegular)
	assert.True(t, ok)
}
