package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddingModelValidate(t *testing.T) {
	tests := []struct {
		name    string
		model   EmbeddingModel
		wantErr string
	}{
		{
			name: "valid model",
			model: EmbeddingModel{
				EmbeddingModelID: "m1",
				PluginName:       "text_encoder",
				Dimensions:       3,
				MetricType:       MetricCosine,
				AggregationType:  AggregationAvg,
				HNSW:             HNSWParams{M: 16, EfConstruction: 100},
			},
		},
		{
			name: "missing id",
			model: EmbeddingModel{
				PluginName:      "text_encoder",
				Dimensions:      3,
				MetricType:      MetricCosine,
				AggregationType: AggregationAvg,
				HNSW:            HNSWParams{M: 16, EfConstruction: 100},
			},
			wantErr: "embedding_model_id is required",
		},
		{
			name: "bad plugin name",
			model: EmbeddingModel{
				EmbeddingModelID: "m1",
				PluginName:       "1bad",
				Dimensions:       3,
				MetricType:       MetricCosine,
				AggregationType:  AggregationAvg,
				HNSW:             HNSWParams{M: 16, EfConstruction: 100},
			},
			wantErr: "plugin_name",
		},
		{
			name: "bad dimensions",
			model: EmbeddingModel{
				EmbeddingModelID: "m1",
				PluginName:       "ok",
				Dimensions:       0,
				MetricType:       MetricCosine,
				AggregationType:  AggregationAvg,
				HNSW:             HNSWParams{M: 16, EfConstruction: 100},
			},
			wantErr: "dimensions",
		},
		{
			name: "bad metric",
			model: EmbeddingModel{
				EmbeddingModelID: "m1",
				PluginName:       "ok",
				Dimensions:       3,
				MetricType:       "BOGUS",
				AggregationType:  AggregationAvg,
				HNSW:             HNSWParams{M: 16, EfConstruction: 100},
			},
			wantErr: "metric_type",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.model.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestCollectionKindPaired(t *testing.T) {
	assert.Equal(t, KindQuery, KindRegular.Paired())
	assert.Equal(t, KindRegular, KindQuery.Paired())
	assert.Equal(t, KindCategoriesQuery, KindCategoriesRegular.Paired())
	assert.Equal(t, KindCategoriesRegular, KindCategoriesQuery.Paired())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusPending, StatusCanceled))
	assert.True(t, CanTransition(StatusProcessing, StatusDone))
	assert.True(t, CanTransition(StatusProcessing, StatusError))
	assert.False(t, CanTransition(StatusPending, StatusDone))
	assert.False(t, CanTransition(StatusDone, StatusPending))
	assert.False(t, CanTransition(StatusError, StatusProcessing))
}

func TestCanTransitionAllowsRestartFromTerminalStatuses(t *testing.T) {
	assert.True(t, CanTransition(StatusError, StatusPending))
	assert.True(t, CanTransition(StatusCanceled, StatusPending))
	assert.True(t, CanTransition(StatusRefused, StatusPending))
	assert.False(t, CanTransition(StatusDone, StatusPending))
}

func TestObjectValidate(t *testing.T) {
	valid := Object{
		ObjectID: "a",
		Parts:    []ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}},
	}
	assert.NoError(t, valid.Validate())

	noParts := Object{ObjectID: "a"}
	assert.ErrorContains(t, noParts.Validate(), "at least one part")

	dupParts := Object{
		ObjectID: "a",
		Parts: []ObjectPart{
			{PartID: "a_0", Vector: []float32{1}},
			{PartID: "a_0", Vector: []float32{2}},
		},
	}
	assert.ErrorContains(t, dupParts.Validate(), "duplicate part_id")
}

func TestObjectValidateDimensions(t *testing.T) {
	o := Object{
		ObjectID: "a",
		Parts:    []ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0, 0}}},
	}
	assert.ErrorContains(t, o.ValidateDimensions(3), "dimension 4, want 3")
	assert.NoError(t, o.ValidateDimensions(4))
}

func TestPersonalizedObjectID(t *testing.T) {
	assert.Equal(t, "p_u", PersonalizedObjectID("p", "u"))
}

func TestClickstreamSessionEligibleForImprovement(t *testing.T) {
	base := ClickstreamSession{
		SessionID: "s1",
		BatchID:   "b1",
		Events:    []ClickEvent{{ObjectID: "p", EventType: EventClick}},
	}
	assert.True(t, base.EligibleForImprovement())

	payloadSearch := base
	payloadSearch.IsPayloadSearch = true
	assert.False(t, payloadSearch.EligibleForImprovement())

	irrelevant := base
	irrelevant.IsIrrelevant = true
	assert.False(t, irrelevant.EligibleForImprovement())

	noClicks := ClickstreamSession{SessionID: "s2", BatchID: "b1"}
	assert.False(t, noClicks.EligibleForImprovement())
}
