package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	obj := types.Object{
		ObjectID: "a",
		Parts:    []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0}}},
	}
	err := s.Insert(ctx, "m1", 3, []types.Object{obj})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestInsertThenFindByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	obj := types.Object{
		ObjectID: "a",
		Payload:  map[string]interface{}{"category": "x"},
		Parts:    []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}},
	}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{obj}))

	got, err := s.FindByIDs(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ObjectID)
	assert.Equal(t, "x", got[0].Payload["category"])
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, []float32{1, 0, 0}, got[0].Parts[0].Vector)
}

func TestUpsertIsIdempotentByteForByte(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	obj := types.Object{
		ObjectID: "a",
		Payload:  map[string]interface{}{"category": "x"},
		Parts:    []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}},
	}
	require.NoError(t, s.Upsert(ctx, "m1", 3, []types.Object{obj}, true))
	require.NoError(t, s.Upsert(ctx, "m1", 3, []types.Object{obj}, true))

	got, err := s.FindByIDs(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Parts, 1)
}

func TestUpsertShrinkPartsReplacesParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	obj := types.Object{
		ObjectID: "a",
		Parts: []types.ObjectPart{
			{PartID: "a_0", Vector: []float32{1, 0, 0}},
			{PartID: "a_1", Vector: []float32{0, 1, 0}},
		},
	}
	require.NoError(t, s.Upsert(ctx, "m1", 3, []types.Object{obj}, true))

	replacement := types.Object{
		ObjectID: "a",
		Parts:    []types.ObjectPart{{PartID: "a_2", Vector: []float32{0, 0, 1}}},
	}
	require.NoError(t, s.Upsert(ctx, "m1", 3, []types.Object{replacement}, true))

	got, err := s.FindByIDs(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, "a_2", got[0].Parts[0].PartID)
}

func TestDeleteCascadesToParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	obj := types.Object{
		ObjectID: "a",
		Parts:    []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}},
	}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{obj}))
	require.NoError(t, s.Delete(ctx, "m1", []string{"a"}))

	got, err := s.FindByIDs(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, partTable := tableNames("m1")
	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(partTable)+" WHERE object_id = ?", "a").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestFindByOriginalIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	original := types.Object{ObjectID: "a", Parts: []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}}}
	copy1 := types.Object{
		ObjectID:   types.PersonalizedObjectID("a", "u1"),
		OriginalID: "a",
		UserID:     "u1",
		Parts:      []types.ObjectPart{{PartID: "a_u1_0", Vector: []float32{0.9, 0.1, 0}}},
	}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{original, copy1}))

	got, err := s.FindByOriginalIDs(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestScanPageWalksInStableOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	for _, id := range []string{"c", "a", "b"} {
		obj := types.Object{ObjectID: id, Parts: []types.ObjectPart{{PartID: id + "_0", Vector: []float32{1, 0, 0}}}}
		require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{obj}))
	}

	page1, err := s.ScanPage(ctx, "m1", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, []string{"a", "b"}, []string{page1[0].ObjectID, page1[1].ObjectID})

	page2, err := s.ScanPage(ctx, "m1", page1[len(page1)-1].ObjectID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "c", page2[0].ObjectID)

	page3, err := s.ScanPage(ctx, "m1", page2[len(page2)-1].ObjectID, 2)
	require.NoError(t, err)
	assert.Empty(t, page3)
}

func TestLockObjectsReleasesOnAllExitPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsureTables(t, s, "m1")

	obj := types.Object{ObjectID: "a", Parts: []types.ObjectPart{{PartID: "a_0", Vector: []float32{1, 0, 0}}}}
	require.NoError(t, s.Insert(ctx, "m1", 3, []types.Object{obj}))

	release, err := s.LockObjects(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	release()

	// Locking again after release must not block or error.
	release2, err := s.LockObjects(ctx, "m1", []string{"a"})
	require.NoError(t, err)
	release2()
}
