// Package types defines the domain model shared by every control-plane
// subsystem: embedding models, collections, objects/parts, tasks,
// clickstream sessions/batches, improvement inputs, and the payload filter
// grammar. Types are plain structs with Validate() methods, following the
// teacher's convention of keeping cross-references ID-based rather than
// building an in-memory object graph (Design Note: Collection/Object/Part
// cyclic references resolved by ID, not pointer).
package types

import (
	"fmt"
	"regexp"
	"time"
)

// MetricType selects the distance function used by a collection's ANN
// search and by the improvement pipeline's toward/away adjustment.
type MetricType string

const (
	MetricCosine MetricType = "COSINE"
	MetricDot    MetricType = "DOT"
	MetricEuclid MetricType = "EUCLID"
)

func (m MetricType) IsValid() bool {
	switch m {
	case MetricCosine, MetricDot, MetricEuclid:
		return true
	}
	return false
}

// AggregationType combines an object's per-part distances into one
// object-level distance when an object has more than one ObjectPart.
type AggregationType string

const (
	AggregationAvg AggregationType = "AVG"
	AggregationMin AggregationType = "MIN"
)

func (a AggregationType) IsValid() bool {
	switch a {
	case AggregationAvg, AggregationMin:
		return true
	}
	return false
}

// HNSWParams are the ANN index's configurable parameters; the algorithm
// itself is a black box (§1 Non-goals) — these are metadata tracked on the
// collection and handed to whatever ANNIndex implementation is wired in.
type HNSWParams struct {
	M             int `json:"m"`
	EfConstruction int `json:"ef_construction"`
}

var pluginNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EmbeddingModel describes a function from domain items to fixed-dimension
// vectors. It has no standalone lifecycle: it is created implicitly when
// its first collection is created and removed when the last collection
// referencing it is deleted (§3).
type EmbeddingModel struct {
	EmbeddingModelID string          `json:"embedding_model_id"`
	PluginName       string          `json:"plugin_name"`
	Dimensions       int             `json:"dimensions"`
	MetricType       MetricType      `json:"metric_type"`
	AggregationType  AggregationType `json:"aggregation_type"`
	HNSW             HNSWParams      `json:"hnsw"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (m EmbeddingModel) Validate() error {
	if m.EmbeddingModelID == "" {
		return fmt.Errorf("embedding_model_id is required")
	}
	if !pluginNamePattern.MatchString(m.PluginName) {
		return fmt.Errorf("plugin_name %q does not match [A-Za-z_][A-Za-z0-9_]*", m.PluginName)
	}
	if m.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive")
	}
	if !m.MetricType.IsValid() {
		return fmt.Errorf("invalid metric_type %q", m.MetricType)
	}
	if !m.AggregationType.IsValid() {
		return fmt.Errorf("invalid aggregation_type %q", m.AggregationType)
	}
	if m.HNSW.M <= 0 || m.HNSW.EfConstruction <= 0 {
		return fmt.Errorf("hnsw.m and hnsw.ef_construction must be positive")
	}
	return nil
}

// CollectionKind distinguishes the four collection namespaces. REGULAR and
// QUERY collections are created/promoted as a pair per model; the
// CATEGORIES_* kinds are a separate namespace carrying the same operations
// (§4.E "Same operations exist for the CATEGORIES kinds under a separate
// namespace").
type CollectionKind string

const (
	KindRegular          CollectionKind = "REGULAR"
	KindQuery            CollectionKind = "QUERY"
	KindCategoriesRegular CollectionKind = "CATEGORIES_REGULAR"
	KindCategoriesQuery   CollectionKind = "CATEGORIES_QUERY"
)

func (k CollectionKind) IsValid() bool {
	switch k {
	case KindRegular, KindQuery, KindCategoriesRegular, KindCategoriesQuery:
		return true
	}
	return false
}

// Paired returns the sibling kind this kind is created/promoted alongside.
func (k CollectionKind) Paired() CollectionKind {
	switch k {
	case KindRegular:
		return KindQuery
	case KindQuery:
		return KindRegular
	case KindCategoriesRegular:
		return KindCategoriesQuery
	case KindCategoriesQuery:
		return KindCategoriesRegular
	}
	return ""
}

// WorkState marks whether a collection is serving live traffic (BLUE) or
// being updated out of band (GREEN).
type WorkState string

const (
	StateGreen WorkState = "GREEN"
	StateBlue  WorkState = "BLUE"
)

func (s WorkState) IsValid() bool {
	switch s {
	case StateGreen, StateBlue:
		return true
	}
	return false
}

// Collection is a named container of Objects sharing one EmbeddingModel and
// one CollectionKind. CollectionID equals the owning model's ID: the pair
// (model, kind) is the true identity, but since a kind's namespace already
// scopes lookups, the model ID alone identifies the collection within it.
type Collection struct {
	CollectionID         string         `json:"collection_id"`
	EmbeddingModelID      string         `json:"embedding_model_id"`
	Kind                  CollectionKind `json:"kind"`
	IndexCreated          bool           `json:"index_created"`
	WorkState             WorkState      `json:"work_state"`
	AppliedOptimizations  []string       `json:"applied_optimizations"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

func (c Collection) Validate() error {
	if c.CollectionID == "" {
		return fmt.Errorf("collection_id is required")
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("invalid kind %q", c.Kind)
	}
	if !c.WorkState.IsValid() {
		return fmt.Errorf("invalid work_state %q", c.WorkState)
	}
	return nil
}

// HasOptimization reports whether a named post-hoc optimization has
// already been applied to this collection (§4.D post-hoc optimizations are
// idempotent and skipped on subsequent passes).
func (c Collection) HasOptimization(name string) bool {
	for _, applied := range c.AppliedOptimizations {
		if applied == name {
			return true
		}
	}
	return false
}
