package workflows

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// TaskStore is the subset of internal/taskstore the upsertion/deletion/
// reindex actors drive.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (types.Task, error)
	UpdateStatus(ctx context.Context, taskID string, newStatus types.TaskStatus, patch *types.TaskPatch) error
	AppendFailures(ctx context.Context, taskID string, items []types.FailedItem) error
	Create(ctx context.Context, kind types.TaskKind, taskID string, modelID string, payload interface{}) (types.Task, error)
	LinkChild(ctx context.Context, parentID, childID string) error
	List(ctx context.Context, kind types.TaskKind, status *types.TaskStatus, offset, limit int) ([]types.Task, error)
}

// ModelStore is the subset of internal/taskstore needed to resolve a
// collection's dimension/metric for dimension-checking embedded vectors.
type ModelStore interface {
	GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error)
}

// Cache resolves the BLUE REGULAR collection when a task omits
// embedding_model_id (§4.H step 1).
type Cache interface {
	GetBlue(kind types.CollectionKind) (types.Collection, bool)
}

// VectorStore is the subset of internal/vectorstore the upsertion/deletion
// workflows drive.
type VectorStore interface {
	Upsert(ctx context.Context, collectionID string, dim int, objects []types.Object, shrinkParts bool) error
	Delete(ctx context.Context, collectionID string, objectIDs []string) error
	LockObjects(ctx context.Context, collectionID string, objectIDs []string) (release func(), err error)
}

// ItemEmbedder is the subset of the inference dispatcher (§4.J) the
// upsertion workflow calls to turn an item's item_info into part-vectors. A
// narrow local interface keeps this package decoupled from the concrete
// inference.Client/Dispatcher type.
type ItemEmbedder interface {
	ForwardItems(ctx context.Context, pluginName, modelID string, items []interface{}) ([][]float32, error)
}

// Canceler reports whether a broker_id has been cooperatively aborted (§4.B
// abort, §5 cancellation). Actors poll this at their own checkpoints between
// batches, since Dispatcher never interrupts a Handle call mid-flight.
// Satisfied by internal/queue.Dispatcher.
type Canceler interface {
	IsCanceled(brokerID string) bool
}

// UpsertActor implements queue.Actor for TaskUpsert (§4.H). Each task's
// items flow through a bounded-channel staged pipeline (embed -> assemble ->
// write), per Design Note 9, so memory stays flat regardless of task size.
type UpsertActor struct {
	tasks    TaskStore
	models   ModelStore
	cache    Cache
	vectors  VectorStore
	embedder ItemEmbedder
	canceler Canceler
	logger   *slog.Logger

	// EmbedBatchSize bounds both the forward_items call size and the
	// resulting upsert batch size (§4.H step 3 "bounded batches").
	EmbedBatchSize int
	// ChannelBuffer bounds the Go channels between pipeline stages.
	ChannelBuffer int
}

func NewUpsertActor(tasks TaskStore, models ModelStore, cache Cache, vectors VectorStore, embedder ItemEmbedder, canceler Canceler, logger *slog.Logger) *UpsertActor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpsertActor{
		tasks: tasks, models: models, cache: cache, vectors: vectors, embedder: embedder, canceler: canceler, logger: logger,
		EmbedBatchSize: 100, ChannelBuffer: 2,
	}
}

func (a *UpsertActor) ID() string       { return "upsert" }
func (a *UpsertActor) Queue() string    { return "UPSERT" }
func (a *UpsertActor) Priority() int    { return 0 }

func (a *UpsertActor) isCanceled(brokerID string) bool {
	return brokerID != "" && a.canceler != nil && a.canceler.IsCanceled(brokerID)
}

// Handle runs the full upsertion task (§4.H). Per-item failures never abort
// the task; the task reaches DONE as long as at least one item succeeded.
func (a *UpsertActor) Handle(ctx context.Context, taskID, brokerID string) error {
	task, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	var payload UpsertPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperrors.Validation("upsert task %s: invalid payload: %v", taskID, err)
	}

	modelID := payload.EmbeddingModelID
	if modelID == "" {
		regular, ok := a.cache.GetBlue(types.KindRegular)
		if !ok {
			return apperrors.NotFound("NoBlueCollection: no BLUE REGULAR collection and no embedding_model_id given")
		}
		modelID = regular.CollectionID
	}

	model, err := a.models.GetEmbeddingModel(ctx, modelID)
	if err != nil {
		return err
	}

	if err := a.tasks.UpdateStatus(ctx, taskID, types.StatusProcessing, nil); err != nil {
		return err
	}

	succeeded, canceled, err := a.runPipeline(ctx, taskID, brokerID, modelID, model, payload.Items)
	if err != nil {
		_ = a.tasks.UpdateStatus(ctx, taskID, types.StatusError, errPatch(err))
		return err
	}
	if canceled {
		return a.tasks.UpdateStatus(ctx, taskID, types.StatusCanceled, nil)
	}
	if succeeded == 0 && len(payload.Items) > 0 {
		msg := "every item in the task failed"
		return a.tasks.UpdateStatus(ctx, taskID, types.StatusError, &types.TaskPatch{LastError: &msg})
	}
	return a.tasks.UpdateStatus(ctx, taskID, types.StatusDone, nil)
}

func errPatch(err error) *types.TaskPatch {
	msg := err.Error()
	return &types.TaskPatch{LastError: &msg}
}

// runPipeline drives the bounded-channel embed -> assemble -> write stages
// for one task's items, chunked into batches of EmbedBatchSize. Returns the
// number of items successfully written and whether the run was canceled.
func (a *UpsertActor) runPipeline(ctx context.Context, taskID, brokerID, collectionID string, model types.EmbeddingModel, items []UpsertItem) (succeeded int, canceled bool, err error) {
	batches := chunkItems(items, a.EmbedBatchSize)

	embedded := make(chan itemBatch, a.ChannelBuffer)
	assembled := make(chan itemBatch, a.ChannelBuffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(embedded)
		for _, b := range batches {
			if gctx.Err() != nil || a.isCanceled(brokerID) {
				return nil
			}
			select {
			case embedded <- a.embedBatch(gctx, model, b):
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(assembled)
		for b := range embedded {
			select {
			case assembled <- assembleBatch(model, b):
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var (
		mu      sync.Mutex
		okCount int
	)
	g.Go(func() error {
		for b := range assembled {
			n, err := a.writeBatch(gctx, taskID, collectionID, model.Dimensions, b)
			if err != nil {
				return err
			}
			mu.Lock()
			okCount += n
			mu.Unlock()
		}
		return nil
	})

	waitErr := g.Wait()
	if waitErr != nil {
		return 0, false, waitErr
	}
	return okCount, ctx.Err() != nil || a.isCanceled(brokerID), nil
}

// itemBatch threads one chunk of items through the pipeline, accumulating
// per-item results and failures as it goes.
type itemBatch struct {
	results  []itemResult
	vectors  map[string][][]float32 // object_id -> forward_items vectors (one per part)
}

func chunkItems(items []UpsertItem, size int) []itemBatch {
	if size <= 0 {
		size = 100
	}
	var out []itemBatch
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunk := items[i:end]
		results := make([]itemResult, len(chunk))
		for j, it := range chunk {
			results[j] = itemResult{item: it}
		}
		out = append(out, itemBatch{results: results})
	}
	return out
}

// embedBatch calls forward_items for every item in b that carries item_info,
// recording a per-item failure for anything missing it or for a total
// dispatcher failure (§4.H step 2).
func (a *UpsertActor) embedBatch(ctx context.Context, model types.EmbeddingModel, b itemBatch) itemBatch {
	var infos []interface{}
	var ids []string
	for i := range b.results {
		if b.results[i].item.ItemInfo == nil {
			b.results[i].err = apperrors.Validation("item %s missing item_info", b.results[i].item.ObjectID)
			continue
		}
		infos = append(infos, b.results[i].item.ItemInfo)
		ids = append(ids, b.results[i].item.ObjectID)
	}
	if len(infos) == 0 {
		return b
	}

	vectors, err := a.embedder.ForwardItems(ctx, model.PluginName, model.EmbeddingModelID, infos)
	if err != nil {
		for i := range b.results {
			if b.results[i].err == nil {
				b.results[i].err = err
			}
		}
		return b
	}

	b.vectors = make(map[string][][]float32, len(ids))
	for i, id := range ids {
		if i < len(vectors) {
			b.vectors[id] = [][]float32{vectors[i]}
		} else {
			b.vectors[id] = nil
		}
	}
	return b
}

// assembleBatch builds one types.Object per successfully embedded item,
// checking the resulting vector's dimension against the model (§8 property
// 2: dimension invariant).
func assembleBatch(model types.EmbeddingModel, b itemBatch) itemBatch {
	for i := range b.results {
		r := &b.results[i]
		if r.err != nil {
			continue
		}
		vecs, ok := b.vectors[r.item.ObjectID]
		if !ok || len(vecs) == 0 || vecs[0] == nil {
			r.err = apperrors.Internal("upsert.assemble", errNoVectorSentinel{objectID: r.item.ObjectID})
			continue
		}
		if len(vecs[0]) != model.Dimensions {
			r.err = apperrors.Validation("object %s: embedded vector has dimension %d, want %d", r.item.ObjectID, len(vecs[0]), model.Dimensions)
			continue
		}
		r.object = types.Object{
			ObjectID: r.item.ObjectID,
			Payload:  r.item.Payload,
			Parts: []types.ObjectPart{
				{PartID: r.item.ObjectID + "_0", Vector: vecs[0]},
			},
		}
	}
	return b
}

type errNoVectorSentinel struct{ objectID string }

func (e errNoVectorSentinel) Error() string { return "no vector produced for object " + e.objectID }

// writeBatch upserts every successfully assembled object in b in one call
// (§4.H step 3: "bounded batches"), and flushes the batch's accumulated
// per-item failures in a single AppendFailures call (not one per item).
func (a *UpsertActor) writeBatch(ctx context.Context, taskID, collectionID string, dim int, b itemBatch) (int, error) {
	var objects []types.Object
	for _, r := range b.results {
		if r.err == nil {
			objects = append(objects, r.object)
		}
	}

	if len(objects) > 0 {
		ids := make([]string, len(objects))
		for i, obj := range objects {
			ids[i] = obj.ObjectID
		}
		release, err := a.vectors.LockObjects(ctx, collectionID, ids)
		if err != nil {
			for i := range b.results {
				if b.results[i].err == nil {
					b.results[i].err = err
				}
			}
			objects = nil
		} else {
			err := a.vectors.Upsert(ctx, collectionID, dim, objects, true)
			release()
			if err != nil {
				for i := range b.results {
					if b.results[i].err == nil {
						b.results[i].err = err
					}
				}
				objects = nil
			}
		}
	}

	var failures []types.FailedItem
	now := time.Now().UTC()
	for _, r := range b.results {
		if r.err != nil {
			failures = append(failures, types.FailedItem{ItemID: r.item.ObjectID, Reason: r.err.Error(), At: now})
		}
	}
	if len(failures) > 0 {
		if err := a.tasks.AppendFailures(ctx, taskID, failures); err != nil {
			return len(objects), err
		}
	}
	return len(objects), nil
}
