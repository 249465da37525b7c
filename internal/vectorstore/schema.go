package vectorstore

import (
	"context"
	"fmt"
)

// EnsureCollectionTables creates the object/part tables for a collection if
// they don't already exist (§4.D "Per-collection physical layout"). Safe to
// call repeatedly.
func (s *Store) EnsureCollectionTables(ctx context.Context, collectionID string) error {
	objTable, partTable := tableNames(collectionID)

	objDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		object_id VARCHAR(255) PRIMARY KEY,
		payload JSON,
		storage_meta JSON,
		original_id VARCHAR(255),
		user_id VARCHAR(255),
		session_id VARCHAR(255),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_original_id (original_id),
		INDEX idx_user_id (user_id)
	)`, quoteIdent(objTable))
	if _, err := s.execContext(ctx, "ensure_tables", objDDL); err != nil {
		return err
	}

	partDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		part_id VARCHAR(255) PRIMARY KEY,
		object_id VARCHAR(255) NOT NULL,
		vector JSON NOT NULL,
		is_average BOOLEAN DEFAULT FALSE,
		user_id VARCHAR(255),
		INDEX idx_object_id (object_id)
	)`, quoteIdent(partTable))
	if _, err := s.execContext(ctx, "ensure_tables", partDDL); err != nil {
		return err
	}
	return nil
}

// DropCollectionTables removes a collection's physical tables (used by the
// lifecycle manager's delete_pair, §4.E).
func (s *Store) DropCollectionTables(ctx context.Context, collectionID string) error {
	objTable, partTable := tableNames(collectionID)
	if _, err := s.execContext(ctx, "drop_tables", fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(partTable))); err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "drop_tables", fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(objTable))); err != nil {
		return err
	}
	return nil
}
