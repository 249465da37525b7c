package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// EnsureEmbeddingModel implicitly creates the model row on first reference
// (§3: "created implicitly when its first collection is created"). If a row
// with this ID already exists, it is left untouched and no error is raised.
func (s *Store) EnsureEmbeddingModel(ctx context.Context, m types.EmbeddingModel) error {
	if err := m.Validate(); err != nil {
		return apperrors.Validation("taskstore.ensure_embedding_model: %v", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_models (embedding_model_id, plugin_name, dimensions, metric_type, aggregation_type, hnsw_m, hnsw_ef_construction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE embedding_model_id = embedding_model_id
	`, m.EmbeddingModelID, m.PluginName, m.Dimensions, m.MetricType, m.AggregationType, m.HNSW.M, m.HNSW.EfConstruction, m.CreatedAt)
	if err != nil {
		return apperrors.Internal("taskstore.ensure_embedding_model", err)
	}
	return nil
}

// GetEmbeddingModel fetches one model row by ID.
func (s *Store) GetEmbeddingModel(ctx context.Context, embeddingModelID string) (types.EmbeddingModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT embedding_model_id, plugin_name, dimensions, metric_type, aggregation_type, hnsw_m, hnsw_ef_construction, created_at
		FROM embedding_models WHERE embedding_model_id = ?
	`, embeddingModelID)

	var m types.EmbeddingModel
	err := row.Scan(&m.EmbeddingModelID, &m.PluginName, &m.Dimensions, &m.MetricType, &m.AggregationType, &m.HNSW.M, &m.HNSW.EfConstruction, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.EmbeddingModel{}, apperrors.NotFound("embedding model %s not found", embeddingModelID)
		}
		return types.EmbeddingModel{}, apperrors.WrapDBError("taskstore.get_embedding_model", err)
	}
	return m, nil
}

// DeleteEmbeddingModelIfUnreferenced removes the model row once no
// collection in any kind still references it (§3: "removed when the last
// collection referencing it is deleted"). It is a no-op, not an error, when
// collections still reference the model or the model row is already gone.
func (s *Store) DeleteEmbeddingModelIfUnreferenced(ctx context.Context, embeddingModelID string) error {
	var refCount int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE embedding_model_id = ?`, embeddingModelID).Scan(&refCount)
	if err != nil {
		return apperrors.Internal("taskstore.delete_embedding_model_if_unreferenced count", err)
	}
	if refCount > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embedding_models WHERE embedding_model_id = ?`, embeddingModelID); err != nil {
		return apperrors.Internal("taskstore.delete_embedding_model_if_unreferenced delete", err)
	}
	return nil
}
