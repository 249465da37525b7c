// Package improvement implements the improvement pipeline (§4.G): turns
// released, improvement-eligible clickstream sessions into personalized
// vector adjustments against the BLUE REGULAR collection. Grouping keeps
// worker memory flat (§5 "groups whose size is bounded"); each group's
// writeback is wrapped in internal/vectorstore's LockObjects per spec.md's
// "commits with per-group locking (§4.D lock_objects)".
package improvement

import (
	"context"
	"log/slog"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// Cache is the subset of internal/cache this pipeline reads from.
type Cache interface {
	GetBlue(kind types.CollectionKind) (types.Collection, bool)
}

// ModelStore is the subset of internal/taskstore needed to resolve a
// collection's metric type (collection_id == embedding_model_id, §3).
type ModelStore interface {
	GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error)
}

// VectorStore is the subset of internal/vectorstore this pipeline drives.
type VectorStore interface {
	FindByIDs(ctx context.Context, collectionID string, ids []string) ([]types.Object, error)
	FindByOriginalIDs(ctx context.Context, collectionID string, originalIDs []string) ([]types.Object, error)
	Upsert(ctx context.Context, collectionID string, dim int, objects []types.Object, shrinkParts bool) error
	LockObjects(ctx context.Context, collectionID string, objectIDs []string) (release func(), err error)
}

// SessionSource is the subset of internal/clickstream this pipeline polls.
type SessionSource interface {
	ListSessionsForImprovement(ctx context.Context, limit int) ([]types.ClickstreamSession, error)
	MarkProcessed(ctx context.Context, sessionIDs []string) error
}

// Pipeline is the improvement pipeline worker (§4.G).
type Pipeline struct {
	cache     Cache
	models    ModelStore
	vectors   VectorStore
	sessions  SessionSource
	adjuster  Adjuster
	groupSize int
	logger    *slog.Logger
}

// defaultGroupSize bounds how many sessions one RunOnce pass processes, per
// §5's "groups whose size is bounded to keep memory flat".
const defaultGroupSize = 50

func New(cache Cache, models ModelStore, vectors VectorStore, sessions SessionSource, adjuster Adjuster, groupSize int, logger *slog.Logger) *Pipeline {
	if groupSize <= 0 {
		groupSize = defaultGroupSize
	}
	if adjuster == nil {
		adjuster = NewDefaultAdjuster()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cache: cache, models: models, vectors: vectors, sessions: sessions, adjuster: adjuster, groupSize: groupSize, logger: logger}
}

// RunOnce pulls one bounded group of improvement-eligible sessions, builds
// their ImprovementInput, runs the adjuster, writes personalized copies
// back, and marks the group processed. Returns the number of sessions
// consumed (including ones skipped as ineligible, since those are still
// marked processed so they aren't retried forever).
func (p *Pipeline) RunOnce(ctx context.Context) (int, error) {
	sessions, err := p.sessions.ListSessionsForImprovement(ctx, p.groupSize)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	var inputs []types.ImprovementInput
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.SessionID)
		input, ok, err := p.BuildInput(ctx, sess)
		if err != nil {
			p.logger.Warn("improvement: skipping session after build error", "session_id", sess.SessionID, "err", err)
			continue
		}
		if ok {
			inputs = append(inputs, input)
		}
	}

	if len(inputs) > 0 {
		adjusted, err := p.adjuster.Adjust(ctx, inputs)
		if err != nil {
			return 0, apperrors.Internal("improvement.adjust", err)
		}

		regular, ok := p.cache.GetBlue(types.KindRegular)
		if !ok {
			return 0, apperrors.NotFound("no BLUE REGULAR collection")
		}
		model, err := p.models.GetEmbeddingModel(ctx, regular.CollectionID)
		if err != nil {
			return 0, err
		}
		if err := p.applyAdjustments(ctx, regular.CollectionID, model.Dimensions, adjusted); err != nil {
			return 0, err
		}
	}

	if err := p.sessions.MarkProcessed(ctx, ids); err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// BuildInput turns one session into an ImprovementInput (§4.G steps 1-5),
// reporting ok=false when the session should be silently skipped: not
// eligible, anonymous (no user_id to personalize against — the spec's
// (object_id, user_id) writeback identity has no meaning without one; see
// DESIGN.md), or missing a recorded query vector.
func (p *Pipeline) BuildInput(ctx context.Context, session types.ClickstreamSession) (types.ImprovementInput, bool, error) {
	if !session.EligibleForImprovement() {
		return types.ImprovementInput{}, false, nil
	}
	if session.UserID == "" {
		return types.ImprovementInput{}, false, nil
	}

	regular, ok := p.cache.GetBlue(types.KindRegular)
	if !ok {
		return types.ImprovementInput{}, false, apperrors.NotFound("no BLUE REGULAR collection")
	}
	query, ok := p.cache.GetBlue(types.KindQuery)
	if !ok {
		return types.ImprovementInput{}, false, apperrors.NotFound("no BLUE QUERY collection")
	}

	model, err := p.models.GetEmbeddingModel(ctx, regular.CollectionID)
	if err != nil {
		return types.ImprovementInput{}, false, err
	}

	queryObjs, err := p.vectors.FindByIDs(ctx, query.CollectionID, []string{session.SessionID})
	if err != nil {
		return types.ImprovementInput{}, false, err
	}
	if len(queryObjs) == 0 || len(queryObjs[0].Parts) == 0 {
		return types.ImprovementInput{}, false, nil
	}
	queryVector := queryObjs[0].Parts[0].Vector

	resultIDs := make([]string, 0, len(session.Results))
	for _, r := range session.Results {
		resultIDs = append(resultIDs, r.ObjectID)
	}
	if len(resultIDs) == 0 {
		return types.ImprovementInput{}, false, nil
	}

	resolved, err := p.resolveVectors(ctx, regular.CollectionID, resultIDs, session.UserID)
	if err != nil {
		return types.ImprovementInput{}, false, err
	}

	clickedSet := session.ClickedObjectIDs()
	var clicked, nonClicked []types.ImprovementItem
	for _, r := range session.Results {
		obj, ok := resolved[r.ObjectID]
		if !ok {
			continue
		}
		item := toImprovementItem(r.ObjectID, obj, session.UserID)
		if clickedSet[r.ObjectID] {
			clicked = append(clicked, item)
		} else {
			nonClicked = append(nonClicked, item)
		}
	}
	if len(clicked) == 0 {
		return types.ImprovementInput{}, false, nil
	}

	return types.ImprovementInput{
		SessionID:   session.SessionID,
		UserID:      session.UserID,
		MetricType:  model.MetricType,
		QueryVector: queryVector,
		Clicked:     clicked,
		NonClicked:  nonClicked,
	}, true, nil
}

// resolveVectors fetches each result object's current vectors, keyed by its
// original object_id regardless of whether the current best version is the
// original or an already-existing personalized copy for this user — a
// second improvement round should keep refining the copy, not restart from
// the unpersonalized original.
func (p *Pipeline) resolveVectors(ctx context.Context, collectionID string, objectIDs []string, userID string) (map[string]types.Object, error) {
	originals, err := p.vectors.FindByIDs(ctx, collectionID, objectIDs)
	if err != nil {
		return nil, err
	}
	byOriginalID := make(map[string]types.Object, len(originals))
	for _, o := range originals {
		byOriginalID[o.ObjectID] = o
	}

	copies, err := p.vectors.FindByOriginalIDs(ctx, collectionID, objectIDs)
	if err != nil {
		return nil, err
	}
	for _, c := range copies {
		if c.UserID == userID {
			byOriginalID[c.OriginalID] = c
		}
	}
	return byOriginalID, nil
}

func toImprovementItem(originalID string, obj types.Object, userID string) types.ImprovementItem {
	item := types.ImprovementItem{ObjectID: originalID, UserID: userID}
	for _, part := range obj.Parts {
		item.PartIDs = append(item.PartIDs, part.PartID)
		item.Vectors = append(item.Vectors, part.Vector)
		item.IsAverageFlags = append(item.IsAverageFlags, part.IsAverage)
	}
	return item
}

// applyAdjustments groups adjusted vectors by (original object_id, user_id)
// and upserts one personalized-copy Object per group (§4.G personalization
// rule). PersonalizedObjectID is deterministic, so repeating this for an
// object already personalized for this user is the "update it in place"
// case — no separate existence check is needed. The whole group's writeback
// happens under one internal/vectorstore.LockObjects hold.
func (p *Pipeline) applyAdjustments(ctx context.Context, collectionID string, dim int, adjusted []types.AdjustedVector) error {
	type groupKey struct{ objectID, userID string }
	grouped := make(map[groupKey][]types.AdjustedVector)
	for _, av := range adjusted {
		if av.UserID == "" {
			continue
		}
		k := groupKey{av.ObjectID, av.UserID}
		grouped[k] = append(grouped[k], av)
	}
	if len(grouped) == 0 {
		return nil
	}

	originalIDs := make([]string, 0, len(grouped))
	copyIDs := make([]string, 0, len(grouped))
	for k := range grouped {
		originalIDs = append(originalIDs, k.objectID)
		copyIDs = append(copyIDs, types.PersonalizedObjectID(k.objectID, k.userID))
	}

	originals, err := p.vectors.FindByIDs(ctx, collectionID, originalIDs)
	if err != nil {
		return err
	}
	payloadByID := make(map[string]types.Object, len(originals))
	for _, o := range originals {
		payloadByID[o.ObjectID] = o
	}

	release, err := p.vectors.LockObjects(ctx, collectionID, copyIDs)
	if err != nil {
		return err
	}
	defer release()

	objects := make([]types.Object, 0, len(grouped))
	for k, avs := range grouped {
		orig := payloadByID[k.objectID]
		parts := make([]types.ObjectPart, 0, len(avs))
		for _, av := range avs {
			parts = append(parts, types.ObjectPart{PartID: av.PartID, Vector: av.Vector, UserID: k.userID})
		}
		objects = append(objects, types.Object{
			ObjectID:    types.PersonalizedObjectID(k.objectID, k.userID),
			OriginalID:  k.objectID,
			UserID:      k.userID,
			Payload:     orig.Payload,
			StorageMeta: orig.StorageMeta,
			Parts:       parts,
		})
	}

	return p.vectors.Upsert(ctx, collectionID, dim, objects, true)
}
