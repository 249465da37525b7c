package workflows

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// DeleteActor implements queue.Actor for TaskDelete (§4.H). Deletion has no
// inference step, so it needs only bounded batching and a cancellation
// checkpoint between batches, not the full embed/assemble/write pipeline.
type DeleteActor struct {
	tasks    TaskStore
	cache    Cache
	vectors  VectorStore
	canceler Canceler
	logger   *slog.Logger

	BatchSize int
}

func NewDeleteActor(tasks TaskStore, cache Cache, vectors VectorStore, canceler Canceler, logger *slog.Logger) *DeleteActor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeleteActor{tasks: tasks, cache: cache, vectors: vectors, canceler: canceler, logger: logger, BatchSize: 200}
}

func (a *DeleteActor) ID() string    { return "delete" }
func (a *DeleteActor) Queue() string { return "DELETE" }
func (a *DeleteActor) Priority() int { return 0 }

func (a *DeleteActor) isCanceled(brokerID string) bool {
	return brokerID != "" && a.canceler != nil && a.canceler.IsCanceled(brokerID)
}

func (a *DeleteActor) Handle(ctx context.Context, taskID, brokerID string) error {
	task, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	var payload DeletionPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperrors.Validation("delete task %s: invalid payload: %v", taskID, err)
	}

	modelID := payload.EmbeddingModelID
	if modelID == "" {
		regular, ok := a.cache.GetBlue(types.KindRegular)
		if !ok {
			return apperrors.NotFound("NoBlueCollection: no BLUE REGULAR collection and no embedding_model_id given")
		}
		modelID = regular.CollectionID
	}

	if err := a.tasks.UpdateStatus(ctx, taskID, types.StatusProcessing, nil); err != nil {
		return err
	}

	batchSize := a.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var succeeded int
	for i := 0; i < len(payload.ObjectIDs); i += batchSize {
		if ctx.Err() != nil || a.isCanceled(brokerID) {
			return a.tasks.UpdateStatus(ctx, taskID, types.StatusCanceled, nil)
		}

		end := i + batchSize
		if end > len(payload.ObjectIDs) {
			end = len(payload.ObjectIDs)
		}
		ids := payload.ObjectIDs[i:end]

		release, lockErr := a.vectors.LockObjects(ctx, modelID, ids)
		var delErr error
		if lockErr != nil {
			delErr = lockErr
		} else {
			delErr = a.vectors.Delete(ctx, modelID, ids)
			release()
		}
		if delErr != nil {
			now := time.Now().UTC()
			failures := make([]types.FailedItem, len(ids))
			for j, id := range ids {
				failures[j] = types.FailedItem{ItemID: id, Reason: delErr.Error(), At: now}
			}
			if appendErr := a.tasks.AppendFailures(ctx, taskID, failures); appendErr != nil {
				return appendErr
			}
			continue
		}
		succeeded += len(ids)
	}

	if succeeded == 0 && len(payload.ObjectIDs) > 0 {
		msg := "every object_id in the task failed"
		return a.tasks.UpdateStatus(ctx, taskID, types.StatusError, &types.TaskPatch{LastError: &msg})
	}
	return a.tasks.UpdateStatus(ctx, taskID, types.StatusDone, nil)
}
