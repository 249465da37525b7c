package workflows

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/idgen"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// fakeTaskStore is an in-memory stand-in for internal/taskstore.Store,
// sufficient for exercising the workflow actors without a database.
type fakeTaskStore struct {
	mu       sync.Mutex
	tasks    map[string]types.Task
	children map[string][]string
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]types.Task), children: make(map[string][]string)}
}

func (f *fakeTaskStore) seed(kind types.TaskKind, taskID, modelID string, payload interface{}) types.Task {
	raw, _ := json.Marshal(payload)
	t := types.Task{TaskID: taskID, Kind: kind, Status: types.StatusPending, EmbeddingModelID: modelID, Payload: raw}
	f.mu.Lock()
	f.tasks[taskID] = t
	f.mu.Unlock()
	return t
}

func (f *fakeTaskStore) Get(ctx context.Context, taskID string) (types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return types.Task{}, errNotFoundFake{taskID}
	}
	t.Children = append([]string{}, f.children[taskID]...)
	return t, nil
}

func (f *fakeTaskStore) UpdateStatus(ctx context.Context, taskID string, newStatus types.TaskStatus, patch *types.TaskPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return errNotFoundFake{taskID}
	}
	t.Status = newStatus
	if patch != nil && patch.LastError != nil {
		t.LastError = *patch.LastError
	}
	f.tasks[taskID] = t
	return nil
}

func (f *fakeTaskStore) AppendFailures(ctx context.Context, taskID string, items []types.FailedItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return errNotFoundFake{taskID}
	}
	t.FailedItems = append(t.FailedItems, items...)
	f.tasks[taskID] = t
	return nil
}

func (f *fakeTaskStore) Create(ctx context.Context, kind types.TaskKind, taskID string, modelID string, payload interface{}) (types.Task, error) {
	if taskID == "" {
		taskID = idgen.NewTaskID(string(kind))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Task{}, err
	}
	t := types.Task{TaskID: taskID, Kind: kind, Status: types.StatusPending, EmbeddingModelID: modelID, Payload: raw}
	f.mu.Lock()
	f.tasks[taskID] = t
	f.mu.Unlock()
	return t, nil
}

func (f *fakeTaskStore) LinkChild(ctx context.Context, parentID, childID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parentID] = append(f.children[parentID], childID)
	return nil
}

func (f *fakeTaskStore) List(ctx context.Context, kind types.TaskKind, status *types.TaskStatus, offset, limit int) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Task
	for _, t := range f.tasks {
		if t.Kind != kind {
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type errNotFoundFake struct{ taskID string }

func (e errNotFoundFake) Error() string { return "task not found: " + e.taskID }

type fakeModelStoreWF struct {
	models map[string]types.EmbeddingModel
}

func (f *fakeModelStoreWF) GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error) {
	m, ok := f.models[embeddingModelID]
	if !ok {
		return types.EmbeddingModel{}, errNotFoundFake{embeddingModelID}
	}
	return m, nil
}

type fakeCacheWF struct {
	blue map[types.CollectionKind]types.Collection
}

func (f *fakeCacheWF) GetBlue(kind types.CollectionKind) (types.Collection, bool) {
	c, ok := f.blue[kind]
	return c, ok
}

type fakeVectorStoreWF struct {
	mu         sync.Mutex
	objects    map[string]map[string]types.Object
	failOn     string // object_id whose Upsert call should fail, "" = none
	failDelete bool   // if true, every Delete call fails
}

func newFakeVectorStoreWF() *fakeVectorStoreWF {
	return &fakeVectorStoreWF{objects: make(map[string]map[string]types.Object)}
}

func (f *fakeVectorStoreWF) Upsert(ctx context.Context, collectionID string, dim int, objects []types.Object, shrinkParts bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range objects {
		if f.failOn != "" && o.ObjectID == f.failOn {
			return errNotFoundFake{"forced upsert failure"}
		}
	}
	if f.objects[collectionID] == nil {
		f.objects[collectionID] = make(map[string]types.Object)
	}
	for _, o := range objects {
		f.objects[collectionID][o.ObjectID] = o
	}
	return nil
}

func (f *fakeVectorStoreWF) Delete(ctx context.Context, collectionID string, objectIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errNotFoundFake{"forced delete failure"}
	}
	for _, id := range objectIDs {
		delete(f.objects[collectionID], id)
	}
	return nil
}

func (f *fakeVectorStoreWF) LockObjects(ctx context.Context, collectionID string, objectIDs []string) (func(), error) {
	return func() {}, nil
}

// fakeCancelerWF simulates internal/queue.Dispatcher's abort table for
// tests that exercise an actor's mid-run cancellation checkpoint directly,
// without needing a live Dispatcher.
type fakeCancelerWF struct {
	canceled map[string]bool
}

func (f *fakeCancelerWF) IsCanceled(brokerID string) bool { return f.canceled[brokerID] }

func (f *fakeVectorStoreWF) count(collectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects[collectionID])
}

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) ForwardItems(ctx context.Context, pluginName, modelID string, items []interface{}) ([][]float32, error) {
	if f.fail {
		return nil, errNotFoundFake{"forced embed failure"}
	}
	out := make([][]float32, len(items))
	for i := range items {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// fakeScanVectorStore is a minimal ScannableVectorStore backed by a
// pre-seeded, object_id-sorted slice, mimicking ScanPage's cursor pagination
// without a database.
type fakeScanVectorStore struct {
	mu      sync.Mutex
	objects []types.Object // pre-sorted by ObjectID
}

func (f *fakeScanVectorStore) ScanPage(ctx context.Context, collectionID string, afterObjectID string, limit int) ([]types.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Object
	for _, o := range f.objects {
		if afterObjectID != "" && o.ObjectID <= afterObjectID {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeCollectionLifecycle struct {
	mu             sync.Mutex
	createdPairs   []string
	createdIndexes []string
	promoted       []string
	deletedPairs   []string
	failCreatePair bool
}

func (f *fakeCollectionLifecycle) CreatePair(ctx context.Context, model types.EmbeddingModel) (types.Collection, types.Collection, error) {
	if f.failCreatePair {
		return types.Collection{}, types.Collection{}, errNotFoundFake{"forced create pair failure"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdPairs = append(f.createdPairs, model.EmbeddingModelID)
	regular := types.Collection{CollectionID: model.EmbeddingModelID, EmbeddingModelID: model.EmbeddingModelID, Kind: types.KindRegular}
	query := types.Collection{CollectionID: model.EmbeddingModelID, EmbeddingModelID: model.EmbeddingModelID, Kind: types.KindQuery}
	return regular, query, nil
}

func (f *fakeCollectionLifecycle) CreateIndex(ctx context.Context, embeddingModelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdIndexes = append(f.createdIndexes, embeddingModelID)
	return nil
}

func (f *fakeCollectionLifecycle) PromoteToBlue(ctx context.Context, embeddingModelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, embeddingModelID)
	return nil
}

func (f *fakeCollectionLifecycle) DeletePair(ctx context.Context, embeddingModelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPairs = append(f.deletedPairs, embeddingModelID)
	return nil
}

type fakeModelDeployer struct {
	mu         sync.Mutex
	deployed   []string
	undeployed []string
	failDeploy bool
}

func (f *fakeModelDeployer) Deploy(ctx context.Context, pluginName, modelID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeploy {
		return errNotFoundFake{"forced deploy failure"}
	}
	f.deployed = append(f.deployed, modelID)
	return nil
}

func (f *fakeModelDeployer) Undeploy(ctx context.Context, pluginName, modelID string, removeItemsDir bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undeployed = append(f.undeployed, modelID)
	return nil
}

// fakeQueueSender records every child task enqueued and immediately runs it
// to a terminal status against the shared fake task store, standing in for
// an actual UpsertActor processing the child in the background. failFirstN
// children are driven to ERROR instead of DONE, to exercise the "a child
// ERROR does not abort the parent" path.
type fakeQueueSender struct {
	mu         sync.Mutex
	sent       []string
	store      *fakeTaskStore
	failFirstN int
	sentCount  int
}

func (f *fakeQueueSender) Send(ctx context.Context, queue, taskID string) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, taskID)
	f.sentCount++
	shouldFail := f.sentCount <= f.failFirstN
	f.mu.Unlock()

	if shouldFail {
		_ = f.store.UpdateStatus(ctx, taskID, types.StatusProcessing, nil)
		_ = f.store.UpdateStatus(ctx, taskID, types.StatusError, nil)
	} else {
		_ = f.store.UpdateStatus(ctx, taskID, types.StatusProcessing, nil)
		_ = f.store.UpdateStatus(ctx, taskID, types.StatusDone, nil)
	}
	return idgen.NewBrokerID(), nil
}
