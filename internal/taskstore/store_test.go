package taskstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/dolthub/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// newTestStore opens an embedded, per-test Dolt database under a temp
// directory, mirroring the teacher's file-based test isolation pattern
// (internal/storage/sqlite/test_helpers.go) rather than a shared in-memory
// handle.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("dolt", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := New(db, nil)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestCreateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, types.TaskUpsert, "t1", "m1", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, first.Status)

	second, err := store.Create(ctx, types.TaskUpsert, "t1", "m1", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreateGeneratesIDWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.Create(ctx, types.TaskReindex, "", "m1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateStatusLegalTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.Create(ctx, types.TaskUpsert, "t2", "m1", nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, task.TaskID, types.StatusProcessing, nil))
	require.NoError(t, store.UpdateStatus(ctx, task.TaskID, types.StatusDone, nil))

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.Create(ctx, types.TaskUpsert, "t3", "m1", nil)
	require.NoError(t, err)

	err = store.UpdateStatus(ctx, task.TaskID, types.StatusDone, nil)
	assert.True(t, apperrors.IsConflict(err))
}

func TestRestartClearsFailuresAndBroker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.Create(ctx, types.TaskUpsert, "t4", "m1", nil)
	require.NoError(t, err)

	broker := "broker-1"
	require.NoError(t, store.UpdateStatus(ctx, task.TaskID, types.StatusProcessing, &types.TaskPatch{BrokerID: &broker}))
	require.NoError(t, store.AppendFailures(ctx, task.TaskID, []types.FailedItem{{ItemID: "i1", Reason: "boom"}}))
	require.NoError(t, store.UpdateStatus(ctx, task.TaskID, types.StatusError, nil))

	require.NoError(t, store.UpdateStatus(ctx, task.TaskID, types.StatusPending, nil))

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Empty(t, got.BrokerID)
	assert.Empty(t, got.FailedItems)
}

func TestLinkChildPopulatesParentAndChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent, err := store.Create(ctx, types.TaskReindex, "parent1", "m1", nil)
	require.NoError(t, err)
	child, err := store.Create(ctx, types.TaskUpsert, "child1", "m2", nil)
	require.NoError(t, err)

	require.NoError(t, store.LinkChild(ctx, parent.TaskID, child.TaskID))

	gotParent, err := store.Get(ctx, parent.TaskID)
	require.NoError(t, err)
	assert.Contains(t, gotParent.Children, child.TaskID)

	gotChild, err := store.Get(ctx, child.TaskID)
	require.NoError(t, err)
	assert.Equal(t, parent.TaskID, gotChild.ParentID)
}

func TestListFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, types.TaskUpsert, "l1", "m1", nil)
	require.NoError(t, err)
	t2, err := store.Create(ctx, types.TaskUpsert, "l2", "m1", nil)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, t2.TaskID, types.StatusProcessing, nil))

	pending := types.StatusPending
	tasks, err := store.List(ctx, types.TaskUpsert, &pending, 0, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, "l1", tasks[0].TaskID)
}
