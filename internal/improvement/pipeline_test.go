package improvement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

type fakeCache struct {
	blue map[types.CollectionKind]types.Collection
}

func newFakeCache(regularID, queryID string) *fakeCache {
	return &fakeCache{blue: map[types.CollectionKind]types.Collection{
		types.KindRegular: {CollectionID: regularID, Kind: types.KindRegular, WorkState: types.StateBlue},
		types.KindQuery:   {CollectionID: queryID, Kind: types.KindQuery, WorkState: types.StateBlue},
	}}
}

func (f *fakeCache) GetBlue(kind types.CollectionKind) (types.Collection, bool) {
	c, ok := f.blue[kind]
	return c, ok
}

type fakeModelStore struct {
	model types.EmbeddingModel
}

func (f *fakeModelStore) GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error) {
	return f.model, nil
}

type fakeVectorStore struct {
	objects map[string]map[string]types.Object // collectionID -> objectID -> Object
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{objects: make(map[string]map[string]types.Object)}
}

func (f *fakeVectorStore) put(collectionID string, obj types.Object) {
	if f.objects[collectionID] == nil {
		f.objects[collectionID] = make(map[string]types.Object)
	}
	f.objects[collectionID][obj.ObjectID] = obj
}

func (f *fakeVectorStore) FindByIDs(ctx context.Context, collectionID string, ids []string) ([]types.Object, error) {
	var out []types.Object
	for _, id := range ids {
		if obj, ok := f.objects[collectionID][id]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeVectorStore) FindByOriginalIDs(ctx context.Context, collectionID string, originalIDs []string) ([]types.Object, error) {
	want := make(map[string]bool, len(originalIDs))
	for _, id := range originalIDs {
		want[id] = true
	}
	var out []types.Object
	for _, obj := range f.objects[collectionID] {
		if want[obj.OriginalID] {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeVectorStore) Upsert(ctx context.Context, collectionID string, dim int, objects []types.Object, shrinkParts bool) error {
	for _, obj := range objects {
		f.put(collectionID, obj)
	}
	return nil
}

func (f *fakeVectorStore) LockObjects(ctx context.Context, collectionID string, objectIDs []string) (func(), error) {
	return func() {}, nil
}

type fakeSessionSource struct {
	sessions  []types.ClickstreamSession
	processed []string
}

func (f *fakeSessionSource) ListSessionsForImprovement(ctx context.Context, limit int) ([]types.ClickstreamSession, error) {
	if len(f.sessions) > limit {
		return f.sessions[:limit], nil
	}
	return f.sessions, nil
}

func (f *fakeSessionSource) MarkProcessed(ctx context.Context, sessionIDs []string) error {
	f.processed = append(f.processed, sessionIDs...)
	return nil
}

func testModel() types.EmbeddingModel {
	return types.EmbeddingModel{
		EmbeddingModelID: "m1",
		PluginName:       "text_embedder",
		Dimensions:       3,
		MetricType:       types.MetricCosine,
		AggregationType:  types.AggregationAvg,
		HNSW:             types.HNSWParams{M: 16, EfConstruction: 100},
	}
}

func TestRunOnceSkipsIneligibleSessionsButMarksProcessed(t *testing.T) {
	cache := newFakeCache("m1", "m1")
	models := &fakeModelStore{model: testModel()}
	vectors := newFakeVectorStore()
	sessions := &fakeSessionSource{sessions: []types.ClickstreamSession{
		{SessionID: "s1", IsPayloadSearch: true},
	}}

	p := New(cache, models, vectors, sessions, nil, 10, nil)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"s1"}, sessions.processed)
}

func TestRunOnceAppliesAdjustmentAndCreatesPersonalizedCopy(t *testing.T) {
	cache := newFakeCache("m1", "m1")
	models := &fakeModelStore{model: testModel()}
	vectors := newFakeVectorStore()

	vectors.put("m1", types.Object{ObjectID: "s1", Parts: []types.ObjectPart{{PartID: "s1_0", Vector: []float32{1, 0, 0}}}})
	vectors.put("m1", types.Object{ObjectID: "o1", Payload: map[string]interface{}{"k": "v"}, Parts: []types.ObjectPart{{PartID: "o1_0", Vector: []float32{0, 1, 0}}}})

	sessions := &fakeSessionSource{sessions: []types.ClickstreamSession{
		{
			SessionID: "s1",
			UserID:    "u1",
			Results:   []types.RankedResult{{ObjectID: "o1", Rank: 0}},
			Events:    []types.ClickEvent{{EventID: "e1", ObjectID: "o1", EventType: types.EventClick}},
		},
	}}

	p := New(cache, models, vectors, sessions, nil, 10, nil)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	copyID := types.PersonalizedObjectID("o1", "u1")
	copyObj, ok := vectors.objects["m1"][copyID]
	require.True(t, ok)
	assert.Equal(t, "o1", copyObj.OriginalID)
	assert.Equal(t, "u1", copyObj.UserID)
	assert.Equal(t, "v", copyObj.Payload["k"])
	require.Len(t, copyObj.Parts, 1)

	// The original must never be mutated.
	original := vectors.objects["m1"]["o1"]
	assert.Equal(t, []float32{0, 1, 0}, original.Parts[0].Vector)
}

func TestRunOnceSkipsAnonymousSessions(t *testing.T) {
	cache := newFakeCache("m1", "m1")
	models := &fakeModelStore{model: testModel()}
	vectors := newFakeVectorStore()
	vectors.put("m1", types.Object{ObjectID: "s1", Parts: []types.ObjectPart{{PartID: "s1_0", Vector: []float32{1, 0, 0}}}})
	vectors.put("m1", types.Object{ObjectID: "o1", Parts: []types.ObjectPart{{PartID: "o1_0", Vector: []float32{0, 1, 0}}}})

	sessions := &fakeSessionSource{sessions: []types.ClickstreamSession{
		{
			SessionID: "s1",
			Results:   []types.RankedResult{{ObjectID: "o1", Rank: 0}},
			Events:    []types.ClickEvent{{EventID: "e1", ObjectID: "o1", EventType: types.EventClick}},
		},
	}}

	p := New(cache, models, vectors, sessions, nil, 10, nil)
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vectors.objects["m1"][types.PersonalizedObjectID("o1", "")])
}

// TestRunOnceNoBlueRegularCollection: BuildInput's per-session error (no
// BLUE REGULAR collection yet) is logged and the session skipped, not
// propagated — one bad/early session shouldn't halt the whole group.
func TestRunOnceNoBlueRegularCollection(t *testing.T) {
	cache := &fakeCache{blue: map[types.CollectionKind]types.Collection{}}
	models := &fakeModelStore{model: testModel()}
	vectors := newFakeVectorStore()
	sessions := &fakeSessionSource{sessions: []types.ClickstreamSession{
		{
			SessionID: "s1",
			UserID:    "u1",
			Results:   []types.RankedResult{{ObjectID: "o1", Rank: 0}},
			Events:    []types.ClickEvent{{EventID: "e1", ObjectID: "o1", EventType: types.EventClick}},
		},
	}}

	p := New(cache, models, vectors, sessions, nil, 10, nil)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"s1"}, sessions.processed)
}
