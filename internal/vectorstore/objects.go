package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONMap(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalVector(v []float32) ([]byte, error) { return json.Marshal(v) }

func unmarshalVector(data []byte) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Insert adds new objects and their parts to a collection, rejecting the
// whole call if any part's vector dimension doesn't match dim (§4.D insert,
// §8 property 2). A unique-violation on an individual object is treated as
// success, matching "at-least-once ingest" (§4.D failure semantics).
func (s *Store) Insert(ctx context.Context, collectionID string, dim int, objects []types.Object) error {
	for _, obj := range objects {
		if err := obj.Validate(); err != nil {
			return apperrors.Validation("vectorstore.insert: %v", err)
		}
		if err := obj.ValidateDimensions(dim); err != nil {
			return apperrors.Validation("vectorstore.insert: %v", err)
		}
	}
	objTable, partTable := tableNames(collectionID)
	for _, obj := range objects {
		if err := s.insertOne(ctx, objTable, partTable, obj); err != nil {
			return err
		}
	}
	s.invalidateIndex(collectionID)
	return nil
}

func (s *Store) insertOne(ctx context.Context, objTable, partTable string, obj types.Object) error {
	payload, err := marshalJSON(obj.Payload)
	if err != nil {
		return apperrors.Validation("vectorstore.insert: marshal payload: %v", err)
	}
	meta, err := marshalJSON(obj.StorageMeta)
	if err != nil {
		return apperrors.Validation("vectorstore.insert: marshal storage_meta: %v", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s (object_id, payload, storage_meta, original_id, user_id, session_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE object_id = object_id`, quoteIdent(objTable))
	if _, err := s.execContext(ctx, "insert", q, obj.ObjectID, payload, meta,
		nullableString(obj.OriginalID), nullableString(obj.UserID), nullableString(obj.SessionID)); err != nil {
		return err
	}

	for _, p := range obj.Parts {
		vec, err := marshalVector(p.Vector)
		if err != nil {
			return apperrors.Validation("vectorstore.insert: marshal vector: %v", err)
		}
		pq := fmt.Sprintf(`INSERT INTO %s (part_id, object_id, vector, is_average, user_id)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE part_id = part_id`, quoteIdent(partTable))
		if _, err := s.execContext(ctx, "insert", pq, p.PartID, obj.ObjectID, vec, p.IsAverage, nullableString(p.UserID)); err != nil {
			return err
		}
	}
	return nil
}

// Upsert replaces or merges objects (§4.D upsert). When shrinkParts is true,
// an existing object's parts are deleted before the new ones are inserted;
// otherwise new parts are merged by part_id alongside existing ones. Callers
// performing shrink_parts mutations should hold LockObjects across the whole
// delete+insert sequence (§9 Open Question 3).
func (s *Store) Upsert(ctx context.Context, collectionID string, dim int, objects []types.Object, shrinkParts bool) error {
	for _, obj := range objects {
		if err := obj.Validate(); err != nil {
			return apperrors.Validation("vectorstore.upsert: %v", err)
		}
		if err := obj.ValidateDimensions(dim); err != nil {
			return apperrors.Validation("vectorstore.upsert: %v", err)
		}
	}
	objTable, partTable := tableNames(collectionID)
	for _, obj := range objects {
		payload, err := marshalJSON(obj.Payload)
		if err != nil {
			return apperrors.Validation("vectorstore.upsert: marshal payload: %v", err)
		}
		meta, err := marshalJSON(obj.StorageMeta)
		if err != nil {
			return apperrors.Validation("vectorstore.upsert: marshal storage_meta: %v", err)
		}
		q := fmt.Sprintf(`INSERT INTO %s (object_id, payload, storage_meta, original_id, user_id, session_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload), storage_meta = VALUES(storage_meta),
				original_id = VALUES(original_id), user_id = VALUES(user_id), session_id = VALUES(session_id)`,
			quoteIdent(objTable))
		if _, err := s.execContext(ctx, "upsert", q, obj.ObjectID, payload, meta,
			nullableString(obj.OriginalID), nullableString(obj.UserID), nullableString(obj.SessionID)); err != nil {
			return err
		}

		if shrinkParts {
			delQ := fmt.Sprintf("DELETE FROM %s WHERE object_id = ?", quoteIdent(partTable))
			if _, err := s.execContext(ctx, "upsert", delQ, obj.ObjectID); err != nil {
				return err
			}
		}
		for _, p := range obj.Parts {
			vec, err := marshalVector(p.Vector)
			if err != nil {
				return apperrors.Validation("vectorstore.upsert: marshal vector: %v", err)
			}
			pq := fmt.Sprintf(`INSERT INTO %s (part_id, object_id, vector, is_average, user_id)
				VALUES (?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE vector = VALUES(vector), is_average = VALUES(is_average), user_id = VALUES(user_id)`,
				quoteIdent(partTable))
			if _, err := s.execContext(ctx, "upsert", pq, p.PartID, obj.ObjectID, vec, p.IsAverage, nullableString(p.UserID)); err != nil {
				return err
			}
		}
	}
	s.invalidateIndex(collectionID)
	return nil
}

// Delete removes objects and cascades to their parts (§4.D delete).
func (s *Store) Delete(ctx context.Context, collectionID string, objectIDs []string) error {
	if len(objectIDs) == 0 {
		return nil
	}
	objTable, partTable := tableNames(collectionID)
	ph := placeholders(len(objectIDs))
	args := make([]any, len(objectIDs))
	for i, id := range objectIDs {
		args[i] = id
	}
	if _, err := s.execContext(ctx, "delete", fmt.Sprintf("DELETE FROM %s WHERE object_id IN (%s)", quoteIdent(partTable), ph), args...); err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "delete", fmt.Sprintf("DELETE FROM %s WHERE object_id IN (%s)", quoteIdent(objTable), ph), args...); err != nil {
		return err
	}
	s.invalidateIndex(collectionID)
	return nil
}

// FindByIDs is a batch lookup by object_id (§4.D find_by_ids).
func (s *Store) FindByIDs(ctx context.Context, collectionID string, ids []string) ([]types.Object, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	objTable, _ := tableNames(collectionID)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf("SELECT object_id, payload, storage_meta, original_id, user_id, session_id FROM %s WHERE object_id IN (%s)",
		quoteIdent(objTable), placeholders(len(ids)))
	objs, err := s.queryObjects(ctx, collectionID, q, args...)
	if err != nil {
		return nil, err
	}
	return objs, nil
}

// FindByOriginalIDs filters on original_id (§4.D find_by_original_ids), used
// to discover existing personalized copies of a set of originals.
func (s *Store) FindByOriginalIDs(ctx context.Context, collectionID string, originalIDs []string) ([]types.Object, error) {
	if len(originalIDs) == 0 {
		return nil, nil
	}
	objTable, _ := tableNames(collectionID)
	args := make([]any, len(originalIDs))
	for i, id := range originalIDs {
		args[i] = id
	}
	q := fmt.Sprintf("SELECT object_id, payload, storage_meta, original_id, user_id, session_id FROM %s WHERE original_id IN (%s)",
		quoteIdent(objTable), placeholders(len(originalIDs)))
	return s.queryObjects(ctx, collectionID, q, args...)
}

// ScanPage returns up to limit objects ordered by object_id ascending,
// starting strictly after afterObjectID (pass "" for the first page). Used
// by the reindex workflow (§4.I step 4) to walk a source collection in a
// stable order while spawning one child upsertion per page.
func (s *Store) ScanPage(ctx context.Context, collectionID string, afterObjectID string, limit int) ([]types.Object, error) {
	objTable, _ := tableNames(collectionID)
	q := fmt.Sprintf("SELECT object_id, payload, storage_meta, original_id, user_id, session_id FROM %s WHERE object_id > ? ORDER BY object_id ASC LIMIT ?",
		quoteIdent(objTable))
	return s.queryObjects(ctx, collectionID, q, afterObjectID, limit)
}

func (s *Store) queryObjects(ctx context.Context, collectionID, query string, args ...any) ([]types.Object, error) {
	rows, err := s.queryContext(ctx, "find", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objs []types.Object
	ids := make([]string, 0)
	byID := make(map[string]*types.Object)
	for rows.Next() {
		var obj types.Object
		var payload, meta []byte
		var originalID, userID, sessionID sql.NullString
		if err := rows.Scan(&obj.ObjectID, &payload, &meta, &originalID, &userID, &sessionID); err != nil {
			return nil, apperrors.Internal("vectorstore.find: scan", err)
		}
		obj.Payload, err = unmarshalJSONMap(payload)
		if err != nil {
			return nil, apperrors.Internal("vectorstore.find: unmarshal payload", err)
		}
		obj.StorageMeta, err = unmarshalJSONMap(meta)
		if err != nil {
			return nil, apperrors.Internal("vectorstore.find: unmarshal storage_meta", err)
		}
		obj.OriginalID = originalID.String
		obj.UserID = userID.String
		obj.SessionID = sessionID.String
		objs = append(objs, obj)
		ids = append(ids, obj.ObjectID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("vectorstore.find", err)
	}
	for i := range objs {
		byID[objs[i].ObjectID] = &objs[i]
	}

	parts, err := s.partsForObjects(ctx, collectionID, ids)
	if err != nil {
		return nil, err
	}
	for objectID, ps := range parts {
		if obj, ok := byID[objectID]; ok {
			obj.Parts = ps
		}
	}
	return objs, nil
}

func (s *Store) partsForObjects(ctx context.Context, collectionID string, objectIDs []string) (map[string][]types.ObjectPart, error) {
	out := make(map[string][]types.ObjectPart)
	if len(objectIDs) == 0 {
		return out, nil
	}
	_, partTable := tableNames(collectionID)
	args := make([]any, len(objectIDs))
	for i, id := range objectIDs {
		args[i] = id
	}
	q := fmt.Sprintf("SELECT part_id, object_id, vector, is_average, user_id FROM %s WHERE object_id IN (%s)",
		quoteIdent(partTable), placeholders(len(objectIDs)))
	rows, err := s.queryContext(ctx, "find", q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p types.ObjectPart
		var objectID string
		var vec []byte
		var userID sql.NullString
		if err := rows.Scan(&p.PartID, &objectID, &vec, &p.IsAverage, &userID); err != nil {
			return nil, apperrors.Internal("vectorstore.find: scan part", err)
		}
		p.Vector, err = unmarshalVector(vec)
		if err != nil {
			return nil, apperrors.Internal("vectorstore.find: unmarshal vector", err)
		}
		p.UserID = userID.String
		out[objectID] = append(out[objectID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("vectorstore.find", err)
	}
	return out, nil
}

// LockObjects scopes row-level locks across the given object_ids inside a
// transaction, released on every exit path via the returned release func
// (§4.D lock_objects, §9 Open Question 3: held across the full
// shrink_parts delete+insert+upsert sequence).
func (s *Store) LockObjects(ctx context.Context, collectionID string, objectIDs []string) (release func(), err error) {
	objTable, _ := tableNames(collectionID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.UnavailableDependency("vectorstore.lock_objects: begin: %v", err)
	}
	release = func() { _ = tx.Rollback() }

	if len(objectIDs) > 0 {
		args := make([]any, len(objectIDs))
		for i, id := range objectIDs {
			args[i] = id
		}
		q := fmt.Sprintf("SELECT object_id FROM %s WHERE object_id IN (%s) FOR UPDATE", quoteIdent(objTable), placeholders(len(objectIDs)))
		rows, qerr := tx.QueryContext(ctx, q, args...)
		if qerr != nil {
			release()
			return nil, apperrors.WrapDBError("vectorstore.lock_objects", qerr)
		}
		rows.Close()
	}
	return release, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	ph := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			ph = append(ph, ',')
		}
		ph = append(ph, '?')
	}
	return string(ph)
}
