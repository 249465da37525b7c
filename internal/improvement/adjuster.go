package improvement

import (
	"context"
	"math"

	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// Adjuster is the black-box vector adjuster (§4.G): given a batch of
// ImprovementInput, it returns the mutated vectors to write back. A real
// deployment may swap in a learned/iterative optimizer behind this
// interface without touching the pipeline driving it.
type Adjuster interface {
	Adjust(ctx context.Context, inputs []types.ImprovementInput) ([]types.AdjustedVector, error)
}

// DefaultAdjuster is the reference implementation: a bounded number of
// gradient-free steps that nudge each clicked vector toward the query
// vector and each non-clicked vector away from it, minimizing a monotone
// function of mean(non_clicked_sim³) − mean(clicked_sim³) (§4.G). COSINE
// vectors are re-normalized to unit length after each step; DOT/EUCLID
// vectors are left at their adjusted scale.
type DefaultAdjuster struct {
	Steps    int
	StepSize float32
}

// NewDefaultAdjuster returns a DefaultAdjuster with the spec's suggested
// bounded step count and a conservative fixed step size.
func NewDefaultAdjuster() *DefaultAdjuster {
	return &DefaultAdjuster{Steps: 5, StepSize: 0.1}
}

func (a *DefaultAdjuster) Adjust(ctx context.Context, inputs []types.ImprovementInput) ([]types.AdjustedVector, error) {
	steps := a.Steps
	if steps <= 0 {
		steps = 5
	}
	stepSize := a.StepSize
	if stepSize <= 0 {
		stepSize = 0.1
	}

	var out []types.AdjustedVector
	for _, in := range inputs {
		for _, item := range in.Clicked {
			for i, vec := range item.Vectors {
				adjusted := adjustTowardOrAway(vec, in.QueryVector, true, in.MetricType, steps, stepSize)
				out = append(out, types.AdjustedVector{
					ObjectID: item.ObjectID,
					UserID:   item.UserID,
					PartID:   partIDAt(item, i),
					Vector:   adjusted,
				})
			}
		}
		for _, item := range in.NonClicked {
			for i, vec := range item.Vectors {
				adjusted := adjustTowardOrAway(vec, in.QueryVector, false, in.MetricType, steps, stepSize)
				out = append(out, types.AdjustedVector{
					ObjectID: item.ObjectID,
					UserID:   item.UserID,
					PartID:   partIDAt(item, i),
					Vector:   adjusted,
				})
			}
		}
	}
	return out, nil
}

func partIDAt(item types.ImprovementItem, i int) string {
	if i < len(item.PartIDs) {
		return item.PartIDs[i]
	}
	return ""
}

// adjustTowardOrAway moves vec a fixed fraction of the way toward (or away
// from) query, once per step, re-normalizing under COSINE so the iteration
// doesn't collapse the vector to zero or blow up its magnitude.
func adjustTowardOrAway(vec, query []float32, toward bool, metric types.MetricType, steps int, stepSize float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)

	sign := float32(1)
	if !toward {
		sign = -1
	}

	for step := 0; step < steps; step++ {
		for i := range out {
			if i >= len(query) {
				break
			}
			out[i] += sign * stepSize * (query[i] - out[i])
		}
		if metric == types.MetricCosine {
			normalize(out)
		}
	}
	return out
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
