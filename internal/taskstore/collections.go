package taskstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// ListCollections returns every row of the collections table, backing
// internal/cache's Reload (§4.C).
func (s *Store) ListCollections(ctx context.Context) ([]types.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection_id, kind, embedding_model_id, index_created, work_state, applied_optimizations, created_at, updated_at
		FROM collections
	`)
	if err != nil {
		return nil, apperrors.Internal("taskstore.list_collections", err)
	}
	defer rows.Close()

	var out []types.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCollection(row rowScanner) (types.Collection, error) {
	var c types.Collection
	var appliedOpt []byte
	if err := row.Scan(&c.CollectionID, &c.Kind, &c.EmbeddingModelID, &c.IndexCreated, &c.WorkState, &appliedOpt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return types.Collection{}, apperrors.WrapDBError("taskstore.scan_collection", err)
	}
	if len(appliedOpt) > 0 {
		if err := json.Unmarshal(appliedOpt, &c.AppliedOptimizations); err != nil {
			return types.Collection{}, apperrors.Internal("taskstore.scan_collection unmarshal applied_optimizations", err)
		}
	}
	return c, nil
}

// UpsertCollection inserts or fully replaces a collection row, keyed on
// (collection_id, kind) per §3/§4.C.
func (s *Store) UpsertCollection(ctx context.Context, c types.Collection) error {
	if err := c.Validate(); err != nil {
		return apperrors.Validation("taskstore.upsert_collection: %v", err)
	}
	appliedOpt, err := json.Marshal(c.AppliedOptimizations)
	if err != nil {
		return apperrors.Validation("taskstore.upsert_collection: marshal applied_optimizations: %v", err)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (collection_id, kind, embedding_model_id, index_created, work_state, applied_optimizations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			embedding_model_id = VALUES(embedding_model_id),
			index_created = VALUES(index_created),
			work_state = VALUES(work_state),
			applied_optimizations = VALUES(applied_optimizations),
			updated_at = VALUES(updated_at)
	`, c.CollectionID, c.Kind, c.EmbeddingModelID, c.IndexCreated, c.WorkState, appliedOpt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return apperrors.Internal("taskstore.upsert_collection", err)
	}
	return nil
}

// DeleteCollection removes one (collection_id, kind) row (§4.E delete_pair
// calls this once per kind in the pair).
func (s *Store) DeleteCollection(ctx context.Context, collectionID string, kind types.CollectionKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE collection_id = ? AND kind = ?`, collectionID, kind)
	if err != nil {
		return apperrors.Internal("taskstore.delete_collection", err)
	}
	return nil
}

// SetBlue atomically promotes the (regularID, queryID) pair to BLUE within
// one transaction, demoting any previously-BLUE REGULAR/QUERY pair (§4.C
// set_blue, §8 property: "at most one BLUE collection per kind").
func (s *Store) SetBlue(ctx context.Context, regularID, queryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.UnavailableDependency("taskstore.set_blue: begin: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE collections SET work_state = ?, updated_at = ? WHERE kind IN (?, ?)`,
		types.StateGreen, now, types.KindRegular, types.KindQuery); err != nil {
		return apperrors.Internal("taskstore.set_blue demote", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE collections SET work_state = ?, updated_at = ? WHERE collection_id = ? AND kind = ?`,
		types.StateBlue, now, regularID, types.KindRegular); err != nil {
		return apperrors.Internal("taskstore.set_blue promote_regular", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE collections SET work_state = ?, updated_at = ? WHERE collection_id = ? AND kind = ?`,
		types.StateBlue, now, queryID, types.KindQuery); err != nil {
		return apperrors.Internal("taskstore.set_blue promote_query", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("taskstore.set_blue commit", err)
	}
	return nil
}

// GetCollection fetches one (collection_id, kind) row, or a NotFound error.
func (s *Store) GetCollection(ctx context.Context, collectionID string, kind types.CollectionKind) (types.Collection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection_id, kind, embedding_model_id, index_created, work_state, applied_optimizations, created_at, updated_at
		FROM collections WHERE collection_id = ? AND kind = ?
	`, collectionID, kind)
	c, err := scanCollection(row)
	if err != nil {
		return types.Collection{}, err
	}
	return c, nil
}
