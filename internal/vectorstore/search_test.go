package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// TestFindSimilarBasicOrdering is scenario S1 from spec.md §8: two objects,
// COSINE/AVG, querying the axis aligned with "a" should rank a before b.
func TestFindSimilarBasicOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")
	model := testModel(3, types.MetricCosine, types.AggregationAvg)

	a := types.Object{ObjectID: "a", Payload: map[string]interface{}{"category": "x"}, Parts: []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}}}
	b := types.Object{ObjectID: "b", Payload: map[string]interface{}{"category": "y"}, Parts: []types.ObjectPart{{PartID: "b_0", Vector: []float32{0, 1, 0}}}}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{a, b}))

	results, err := s.FindSimilar(ctx, "m1", model, FindSimilarRequest{
		QueryVector:     []float32{1, 0, 0},
		Limit:           2,
		SimilarityFirst: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ObjectID)
	assert.InDelta(t, 0, results[0].Distance, 1e-9)
	assert.Equal(t, "b", results[1].ObjectID)
	assert.InDelta(t, 1, results[1].Distance, 1e-9)
}

func TestFindSimilarWithPayloadFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")
	model := testModel(3, types.MetricCosine, types.AggregationAvg)

	a := types.Object{ObjectID: "a", Payload: map[string]interface{}{"category": "x"}, Parts: []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}}}
	b := types.Object{ObjectID: "b", Payload: map[string]interface{}{"category": "y"}, Parts: []types.ObjectPart{{PartID: "b_0", Vector: []float32{0, 1, 0}}}}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{a, b}))

	filter := types.NewTerm("category", "y")
	results, err := s.FindSimilar(ctx, "m1", model, FindSimilarRequest{
		QueryVector: []float32{1, 0, 0},
		Limit:       10,
		Filter:      filter,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ObjectID)
}

func TestFindSimilarPersonalizationIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")
	model := testModel(3, types.MetricCosine, types.AggregationAvg)

	original := types.Object{ObjectID: "p", Parts: []types.ObjectPart{{PartID: "p_0", Vector: []float32{1, 0, 0}}}}
	copy1 := types.Object{
		ObjectID:   types.PersonalizedObjectID("p", "u"),
		OriginalID: "p",
		UserID:     "u",
		Parts:      []types.ObjectPart{{PartID: "p_u_0", Vector: []float32{0, 1, 0}}},
	}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{original, copy1}))

	results, err := s.FindSimilar(ctx, "m1", model, FindSimilarRequest{
		QueryVector:     []float32{1, 0, 0},
		Limit:           10,
		UserID:          "u",
		SimilarityFirst: true,
	})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, r := range results {
		seen[r.ObjectID] = true
	}
	assert.True(t, seen[types.PersonalizedObjectID("p", "u")])
	assert.False(t, seen["p"], "original must be shadowed by its personalized copy")
}

func TestDistanceFunctionsOrderByMetric(t *testing.T) {
	q := []float32{1, 0, 0}
	v := []float32{1, 0, 0}
	assert.InDelta(t, 0, distance(types.MetricCosine, q, v), 1e-9)
	assert.InDelta(t, 0, distance(types.MetricEuclid, q, v), 1e-9)
	assert.InDelta(t, -1, distance(types.MetricDot, q, v), 1e-9)
}

func TestAggregateAvgAndMin(t *testing.T) {
	distances := []float64{0.1, 0.5, 0.9}
	assert.InDelta(t, 0.5, aggregate(types.AggregationAvg, distances), 1e-9)
	assert.InDelta(t, 0.1, aggregate(types.AggregationMin, distances), 1e-9)
}
