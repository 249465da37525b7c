package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// Candidate is one part-level ANN search hit.
type Candidate struct {
	PartID   string
	ObjectID string
	Distance float64
}

// ANNIndex is the injectable nearest-neighbor search interface (§4.D
// "the HNSW algorithm itself is the black-box ANN component named in the
// Non-goals"). A real deployment swaps in a proper HNSW library behind this
// interface without touching the rest of the driver; bruteForceIndex below
// is the reference implementation used until one is wired in.
type ANNIndex interface {
	Add(partID, objectID string, vector []float32)
	Remove(partID string)
	Search(query []float32, k int) []Candidate
	Len() int
}

// bruteForceIndex computes exact distances against every indexed vector.
// It is the reference ANNIndex implementation named in §4.D.
type bruteForceIndex struct {
	metric types.MetricType

	mu      sync.RWMutex
	vectors map[string]entry // part_id -> entry
}

type entry struct {
	objectID string
	vector   []float32
}

func newBruteForceIndex(metric types.MetricType) *bruteForceIndex {
	return &bruteForceIndex{metric: metric, vectors: make(map[string]entry)}
}

func (b *bruteForceIndex) Add(partID, objectID string, vector []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors[partID] = entry{objectID: objectID, vector: vector}
}

func (b *bruteForceIndex) Remove(partID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vectors, partID)
}

func (b *bruteForceIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vectors)
}

func (b *bruteForceIndex) Search(query []float32, k int) []Candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Candidate, 0, len(b.vectors))
	for partID, e := range b.vectors {
		out = append(out, Candidate{
			PartID:   partID,
			ObjectID: e.objectID,
			Distance: distance(b.metric, query, e.vector),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// distance computes the metric-specific distance between two vectors; lower
// is always more similar, regardless of metric (§4.D "Distance function is
// determined by the collection's metric_type").
func distance(metric types.MetricType, a, b []float32) float64 {
	switch metric {
	case types.MetricDot:
		return -dot(a, b)
	case types.MetricEuclid:
		return euclid(a, b)
	default: // COSINE
		return 1 - cosineSimilarity(a, b)
	}
}

func dot(a, b []float32) float64 {
	n := minLen(a, b)
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func euclid(a, b []float32) float64 {
	n := minLen(a, b)
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32) float64 {
	n := minLen(a, b)
	var dotP, normA, normB float64
	for i := 0; i < n; i++ {
		dotP += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotP / (math.Sqrt(normA) * math.Sqrt(normB))
}

func minLen(a, b []float32) int {
	if len(a) < len(b) {
		return len(a)
	}
	return len(b)
}

// aggregate combines an object's per-part distances into a single
// object-level distance per the model's AggregationType (§4.D).
func aggregate(agg types.AggregationType, distances []float64) float64 {
	if len(distances) == 0 {
		return math.Inf(1)
	}
	if agg == types.AggregationMin {
		min := distances[0]
		for _, d := range distances[1:] {
			if d < min {
				min = d
			}
		}
		return min
	}
	var sum float64
	for _, d := range distances {
		sum += d
	}
	return sum / float64(len(distances))
}

// getOrBuildIndex returns the collection's ANN index, lazily loading every
// part's vector from storage on first use.
func (s *Store) getOrBuildIndex(ctx context.Context, collectionID string, metric types.MetricType) (ANNIndex, error) {
	s.mu.Lock()
	idx, ok := s.indexes[collectionID]
	s.mu.Unlock()
	if ok {
		return idx, nil
	}
	built, err := s.buildIndex(ctx, collectionID, metric)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.indexes[collectionID] = built
	s.mu.Unlock()
	return built, nil
}

func (s *Store) buildIndex(ctx context.Context, collectionID string, metric types.MetricType) (ANNIndex, error) {
	idx := newBruteForceIndex(metric)
	_, partTable := tableNames(collectionID)
	rows, err := s.queryContext(ctx, "build_index", "SELECT part_id, object_id, vector FROM "+quoteIdent(partTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var partID, objectID string
		var vec []byte
		if err := rows.Scan(&partID, &objectID, &vec); err != nil {
			return nil, apperrors.Internal("vectorstore.build_index: scan", err)
		}
		v, err := unmarshalVector(vec)
		if err != nil {
			return nil, apperrors.Internal("vectorstore.build_index: unmarshal vector", err)
		}
		idx.Add(partID, objectID, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("vectorstore.build_index", err)
	}
	return idx, nil
}

// invalidateIndex drops a collection's cached index so the next search
// rebuilds it from current storage state.
func (s *Store) invalidateIndex(collectionID string) {
	s.mu.Lock()
	delete(s.indexes, collectionID)
	s.mu.Unlock()
}

// FindSimilarRequest is the parameter object for FindSimilar (§4.D
// find_similar, §6 wire form).
type FindSimilarRequest struct {
	QueryVector     []float32
	Limit           int
	Offset          int
	MaxDistance     *float64
	Filter          types.FilterNode
	SortBy          *types.SortBy
	UserID          string
	WithVectors     bool
	SimilarityFirst bool
}

// overfetchFactor widens the ANN candidate pool beyond limit+offset so that
// payload filtering, personalization shadowing, and max_distance pruning
// have enough raw material to work with before pagination is applied. This
// is a brute-force-index simplification: a production ANN index would use
// ef_search rather than an ad-hoc multiplier.
const (
	overfetchFactor = 5
	overfetchFloor  = 100
)

// FindSimilar runs an ANN search over a collection (§4.D find_similar).
func (s *Store) FindSimilar(ctx context.Context, collectionID string, model types.EmbeddingModel, req FindSimilarRequest) ([]types.SearchResult, error) {
	idx, err := s.getOrBuildIndex(ctx, collectionID, model.MetricType)
	if err != nil {
		return nil, err
	}

	want := req.Limit + req.Offset
	fetch := want * overfetchFactor
	if fetch < overfetchFloor {
		fetch = overfetchFloor
	}
	if total := idx.Len(); fetch > total {
		fetch = total
	}
	candidates := idx.Search(req.QueryVector, fetch)

	perObject := make(map[string][]float64)
	for _, c := range candidates {
		perObject[c.ObjectID] = append(perObject[c.ObjectID], c.Distance)
	}
	objectIDs := make([]string, 0, len(perObject))
	for id := range perObject {
		objectIDs = append(objectIDs, id)
	}

	objects, err := s.FindByIDs(ctx, collectionID, objectIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.Object, len(objects))
	for _, o := range objects {
		byID[o.ObjectID] = o
	}

	var scoredObjs []scoredObject
	for id, dists := range perObject {
		obj, ok := byID[id]
		if !ok {
			continue
		}
		scoredObjs = append(scoredObjs, scoredObject{obj: obj, distance: aggregate(model.AggregationType, dists)})
	}

	if req.UserID != "" {
		scoredObjs, err = s.shadowPersonalized(ctx, collectionID, req.UserID, scoredObjs)
		if err != nil {
			return nil, err
		}
	}

	if req.Filter != nil {
		filtered := scoredObjs[:0]
		for _, so := range scoredObjs {
			match, err := evaluatePredicate(req.Filter, so.obj)
			if err != nil {
				return nil, err
			}
			if match {
				filtered = append(filtered, so)
			}
		}
		scoredObjs = filtered
	}

	if req.MaxDistance != nil {
		filtered := scoredObjs[:0]
		for _, so := range scoredObjs {
			if so.distance <= *req.MaxDistance {
				filtered = append(filtered, so)
			}
		}
		scoredObjs = filtered
	}

	sort.SliceStable(scoredObjs, func(i, j int) bool {
		if req.SimilarityFirst || req.SortBy == nil {
			return scoredObjs[i].distance < scoredObjs[j].distance
		}
		vi, vj := payloadValue(scoredObjs[i].obj, req.SortBy.Field), payloadValue(scoredObjs[j].obj, req.SortBy.Field)
		cmp := compareValues(vi, vj)
		if cmp != 0 {
			if req.SortBy.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return scoredObjs[i].distance < scoredObjs[j].distance
	})

	start := req.Offset
	if start > len(scoredObjs) {
		start = len(scoredObjs)
	}
	end := start + req.Limit
	if req.Limit <= 0 || end > len(scoredObjs) {
		end = len(scoredObjs)
	}
	page := scoredObjs[start:end]

	results := make([]types.SearchResult, 0, len(page))
	for _, so := range page {
		r := types.SearchResult{ObjectID: so.obj.ObjectID, Distance: so.distance, Payload: so.obj.Payload}
		if req.WithVectors {
			r.Parts = so.obj.Parts
		}
		results = append(results, r)
	}
	return results, nil
}

// scoredObject pairs an object with its aggregated search distance.
type scoredObject struct {
	obj      types.Object
	distance float64
}

// shadowPersonalized applies the personalization isolation invariant (§8
// property 6): for every original object in the candidate set, if a
// personalized copy exists for userID, the copy replaces the original.
func (s *Store) shadowPersonalized(ctx context.Context, collectionID, userID string, scoredObjs []scoredObject) ([]scoredObject, error) {
	var originalIDs []string
	for _, so := range scoredObjs {
		if !so.obj.IsPersonalizedCopy() {
			originalIDs = append(originalIDs, so.obj.ObjectID)
		}
	}
	if len(originalIDs) == 0 {
		return scoredObjs, nil
	}
	copies, err := s.FindByOriginalIDs(ctx, collectionID, originalIDs)
	if err != nil {
		return nil, err
	}
	copyByOriginal := make(map[string]types.Object)
	for _, c := range copies {
		if c.UserID == userID {
			copyByOriginal[c.OriginalID] = c
		}
	}
	if len(copyByOriginal) == 0 {
		return scoredObjs, nil
	}

	out := make([]scoredObject, 0, len(scoredObjs))
	for _, so := range scoredObjs {
		if copy, ok := copyByOriginal[so.obj.ObjectID]; ok {
			out = append(out, scoredObject{obj: copy, distance: so.distance})
			continue
		}
		out = append(out, so)
	}
	return out, nil
}

func payloadValue(obj types.Object, field string) interface{} {
	if obj.Payload == nil {
		return nil
	}
	return obj.Payload[field]
}

func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := toString(a), toString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
