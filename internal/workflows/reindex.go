package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// CollectionLifecycle is the subset of internal/collection.Manager the
// reindex workflow drives to stand up (and later retire) collection pairs.
type CollectionLifecycle interface {
	CreatePair(ctx context.Context, model types.EmbeddingModel) (regular, query types.Collection, err error)
	CreateIndex(ctx context.Context, embeddingModelID string) error
	PromoteToBlue(ctx context.Context, embeddingModelID string) error
	DeletePair(ctx context.Context, embeddingModelID string) error
}

// ScannableVectorStore is the subset of internal/vectorstore the reindex
// workflow walks the source REGULAR collection with.
type ScannableVectorStore interface {
	ScanPage(ctx context.Context, collectionID string, afterObjectID string, limit int) ([]types.Object, error)
}

// ModelDeployer is the subset of internal/workflows/inference.Deployer the
// reindex workflow drives to bring the destination model up (and the source
// model down) around the migration.
type ModelDeployer interface {
	Deploy(ctx context.Context, pluginName, modelID string, timeout time.Duration) error
	Undeploy(ctx context.Context, pluginName, modelID string, removeItemsDir bool) error
}

// QueueSender is the subset of internal/queue.Dispatcher used to enqueue
// spawned child UPSERT tasks.
type QueueSender interface {
	Send(ctx context.Context, queue, taskID string) (string, error)
}

// ReindexActor implements queue.Actor for TaskReindex (§4.I). It scans the
// source REGULAR collection in stable-ordered pages, spawning one child
// UPSERT task per page against the destination, bounded to
// MaxConcurrentChildren in-flight children at a time via a buffered-channel
// semaphore (per Design Note 9 / SPEC_FULL §4.I).
type ReindexActor struct {
	tasks      TaskStore
	models     ModelStore
	collection CollectionLifecycle
	vectors    ScannableVectorStore
	deployer   ModelDeployer
	queue      QueueSender
	canceler   Canceler
	logger     *slog.Logger

	ReindexBatchSize      int
	MaxConcurrentChildren int
	DeployTimeout         time.Duration
	ConflictPollInterval  time.Duration
}

func NewReindexActor(tasks TaskStore, models ModelStore, collection CollectionLifecycle, vectors ScannableVectorStore, deployer ModelDeployer, queue QueueSender, canceler Canceler, logger *slog.Logger) *ReindexActor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReindexActor{
		tasks: tasks, models: models, collection: collection, vectors: vectors, deployer: deployer, queue: queue, canceler: canceler, logger: logger,
		ReindexBatchSize: 500, MaxConcurrentChildren: 4, DeployTimeout: 5 * time.Minute, ConflictPollInterval: 2 * time.Second,
	}
}

func (a *ReindexActor) ID() string    { return "reindex" }
func (a *ReindexActor) Queue() string { return "REINDEX" }
func (a *ReindexActor) Priority() int { return 0 }

func (a *ReindexActor) isCanceled(brokerID string) bool {
	return brokerID != "" && a.canceler != nil && a.canceler.IsCanceled(brokerID)
}

func (a *ReindexActor) Handle(ctx context.Context, taskID, brokerID string) error {
	task, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	var payload ReindexPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperrors.Validation("reindex task %s: invalid payload: %v", taskID, err)
	}

	if err := a.awaitNoConflict(ctx, taskID, brokerID, payload); err != nil {
		if errors.Is(err, apperrors.ErrCanceledByUser) {
			return a.tasks.UpdateStatus(ctx, taskID, types.StatusCanceled, nil)
		}
		return err
	}

	if err := a.tasks.UpdateStatus(ctx, taskID, types.StatusProcessing, nil); err != nil {
		return err
	}

	destModel, err := a.models.GetEmbeddingModel(ctx, payload.Dest.EmbeddingModelID)
	if err != nil {
		return a.fail(ctx, taskID, err)
	}

	if err := a.deployer.Deploy(ctx, destModel.PluginName, destModel.EmbeddingModelID, a.DeployTimeout); err != nil {
		return a.fail(ctx, taskID, err)
	}

	if _, _, err := a.collection.CreatePair(ctx, destModel); err != nil {
		return a.fail(ctx, taskID, err)
	}
	if err := a.collection.CreateIndex(ctx, destModel.EmbeddingModelID); err != nil {
		return a.fail(ctx, taskID, err)
	}

	anyChildFailed, err := a.spawnChildrenAndWait(ctx, taskID, brokerID, payload)
	if err != nil {
		if errors.Is(err, apperrors.ErrCanceledByUser) {
			return a.tasks.UpdateStatus(ctx, taskID, types.StatusCanceled, nil)
		}
		return a.fail(ctx, taskID, err)
	}
	if ctx.Err() != nil || a.isCanceled(brokerID) {
		return a.tasks.UpdateStatus(ctx, taskID, types.StatusCanceled, nil)
	}

	if payload.DeployAsBlue && !anyChildFailed {
		if err := a.collection.PromoteToBlue(ctx, destModel.EmbeddingModelID); err != nil {
			return a.fail(ctx, taskID, err)
		}
		if err := a.deployer.Undeploy(ctx, "", payload.Source.EmbeddingModelID, true); err != nil {
			a.logger.Warn("reindex: source undeploy failed, continuing", "task_id", taskID, "err", err)
		}
		if err := a.collection.DeletePair(ctx, payload.Source.EmbeddingModelID); err != nil {
			a.logger.Warn("reindex: source collection pair delete failed, continuing", "task_id", taskID, "err", err)
		}
	}

	return a.tasks.UpdateStatus(ctx, taskID, types.StatusDone, nil)
}

func (a *ReindexActor) fail(ctx context.Context, taskID string, err error) error {
	msg := err.Error()
	_ = a.tasks.UpdateStatus(ctx, taskID, types.StatusError, &types.TaskPatch{LastError: &msg})
	return err
}

// awaitNoConflict implements §4.I step 1: if another reindex already
// PROCESSING touches the same source or destination model, either wait
// (re-checking every ConflictPollInterval) or fail immediately, per
// wait_on_conflict.
func (a *ReindexActor) awaitNoConflict(ctx context.Context, taskID, brokerID string, payload ReindexPayload) error {
	processing := types.StatusProcessing
	for {
		if a.isCanceled(brokerID) {
			return apperrors.CanceledByUser("reindex %s canceled while waiting on conflict", taskID)
		}
		tasks, err := a.tasks.List(ctx, types.TaskReindex, &processing, 0, 1000)
		if err != nil {
			return err
		}
		conflict := false
		for _, t := range tasks {
			if t.TaskID == taskID {
				continue
			}
			var other ReindexPayload
			if json.Unmarshal(t.Payload, &other) != nil {
				continue
			}
			if other.Source.EmbeddingModelID == payload.Source.EmbeddingModelID ||
				other.Source.EmbeddingModelID == payload.Dest.EmbeddingModelID ||
				other.Dest.EmbeddingModelID == payload.Source.EmbeddingModelID ||
				other.Dest.EmbeddingModelID == payload.Dest.EmbeddingModelID {
				conflict = true
				break
			}
		}
		if !conflict {
			return nil
		}
		if !payload.WaitOnConflict {
			return apperrors.Conflict("reindex already in progress for source/dest model")
		}
		select {
		case <-ctx.Done():
			return apperrors.CanceledByUser("reindex %s canceled while waiting on conflict", taskID)
		case <-time.After(a.ConflictPollInterval):
		}
	}
}

// spawnChildrenAndWait implements §4.I steps 4-5: walk the source collection
// in ReindexBatchSize pages, spawn one UPSERT child per page, bounded to
// MaxConcurrentChildren in flight, and wait for every child to reach a
// terminal state, merging failed_items into the parent. A child ERROR does
// not abort the parent (§4.I failure policy); it only disables blue
// promotion (returned as anyChildFailed).
func (a *ReindexActor) spawnChildrenAndWait(ctx context.Context, parentID, brokerID string, payload ReindexPayload) (anyChildFailed bool, err error) {
	sem := make(chan struct{}, a.MaxConcurrentChildren)
	g, gctx := errgroup.WithContext(ctx)
	var failedFlag atomic.Bool

	var after string
	for {
		if gctx.Err() != nil || a.isCanceled(brokerID) {
			break
		}
		page, err := a.vectors.ScanPage(gctx, payload.Source.EmbeddingModelID, after, a.ReindexBatchSize)
		if err != nil {
			return false, err
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].ObjectID

		items := make([]UpsertItem, len(page))
		for i, obj := range page {
			items[i] = UpsertItem{ObjectID: obj.ObjectID, Payload: obj.Payload, ItemInfo: reindexItemInfo(obj)}
		}
		childPayload := UpsertPayload{EmbeddingModelID: payload.Dest.EmbeddingModelID, Items: items}

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return false, g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			failed, err := a.runChild(gctx, parentID, brokerID, childPayload)
			if err != nil {
				return err
			}
			if failed {
				failedFlag.Store(true)
			}
			return nil
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return failedFlag.Load(), waitErr
	}
	return failedFlag.Load(), nil
}

// reindexItemInfo recovers the raw source used to derive an object's
// vectors in the new model's plugin: storage_meta when present (system-
// captured source material), falling back to payload otherwise. Neither
// spec.md nor SPEC_FULL.md names where item_info is persisted on an
// existing Object, since §4.D's Object only carries payload/storage_meta;
// this is an Open Question decision recorded in DESIGN.md.
func reindexItemInfo(obj types.Object) interface{} {
	if len(obj.StorageMeta) > 0 {
		return obj.StorageMeta
	}
	return obj.Payload
}

// runChild creates, links, and enqueues one UPSERT child task, then polls
// the task store until it reaches a terminal status, merging its
// failed_items into the parent. Returns true if the child ended in ERROR.
func (a *ReindexActor) runChild(ctx context.Context, parentID, brokerID string, payload UpsertPayload) (failed bool, err error) {
	child, err := a.tasks.Create(ctx, types.TaskUpsert, "", payload.EmbeddingModelID, payload)
	if err != nil {
		return false, err
	}
	if err := a.tasks.LinkChild(ctx, parentID, child.TaskID); err != nil {
		return false, err
	}
	if _, err := a.queue.Send(ctx, "UPSERT", child.TaskID); err != nil {
		return false, err
	}

	for {
		if a.isCanceled(brokerID) {
			return false, apperrors.CanceledByUser("reindex child %s wait canceled", child.TaskID)
		}
		t, err := a.tasks.Get(ctx, child.TaskID)
		if err != nil {
			return false, err
		}
		if t.Status.IsTerminal() {
			if len(t.FailedItems) > 0 {
				if err := a.tasks.AppendFailures(ctx, parentID, t.FailedItems); err != nil {
					return false, err
				}
			}
			return t.Status == types.StatusError, nil
		}
		select {
		case <-ctx.Done():
			return false, apperrors.CanceledByUser("reindex child %s wait canceled", child.TaskID)
		case <-time.After(a.ConflictPollInterval):
		}
	}
}
