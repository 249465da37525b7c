// Package clickstream implements the clickstream store (§4.F): recorded
// search sessions, their click/view events, and the batches they're grouped
// into for fine-tuning/improvement release. Same physical database as
// internal/taskstore (relational metadata store, §9), own tables
// (`clickstream_sessions`, `clickstream_events`, `clickstream_batches`) and
// own file, since this package's operation set (register/append/mark/
// get_batch_sessions/release) is distinct from task or collection CRUD.
// Backed by the teacher's prepared-statement database/sql idiom
// (internal/storage/sqlite/issues.go).
package clickstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/idgen"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// Store is the clickstream store (§4.F). Safe for concurrent use; the
// session_number assignment relies on a row-level lock on the active batch
// rather than an in-process mutex, so it stays correct across replicas.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the clickstream store's tables if they do not already
// exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clickstream_batches (
			batch_id TEXT PRIMARY KEY,
			release_id TEXT,
			released BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			released_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS clickstream_sessions (
			session_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			session_number INTEGER NOT NULL,
			search_query TEXT,
			results JSON,
			is_irrelevant BOOLEAN NOT NULL DEFAULT FALSE,
			user_id TEXT,
			is_payload_search BOOLEAN NOT NULL DEFAULT FALSE,
			use_for_improvement BOOLEAN NOT NULL DEFAULT FALSE,
			improvement_processed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clickstream_sessions_batch_number ON clickstream_sessions (batch_id, session_number)`,
		`CREATE TABLE IF NOT EXISTS clickstream_events (
			event_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clickstream_events_session ON clickstream_events (session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.Internal("clickstream.migrate", err)
		}
	}
	return nil
}

// activeBatch returns the current active (unreleased) batch, opening a new
// one lazily if none exists (§4.F "a new active batch is created lazily on
// the next session/batch write"). Must be called inside tx.
func activeBatch(ctx context.Context, tx *sql.Tx) (types.Batch, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT batch_id, release_id, released, created_at, released_at
		FROM clickstream_batches WHERE released = FALSE LIMIT 1 FOR UPDATE
	`)
	batch, err := scanBatch(row)
	if err == nil {
		return batch, nil
	}
	if !apperrors.IsNotFound(err) {
		return types.Batch{}, err
	}

	batch = types.Batch{BatchID: idgen.NewBatchID(), CreatedAt: time.Now().UTC()}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clickstream_batches (batch_id, released, created_at) VALUES (?, FALSE, ?)
	`, batch.BatchID, batch.CreatedAt); err != nil {
		return types.Batch{}, apperrors.Internal("clickstream.active_batch insert", err)
	}
	return batch, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (types.Batch, error) {
	var b types.Batch
	var releaseID sql.NullString
	var releasedAt sql.NullTime
	err := row.Scan(&b.BatchID, &releaseID, &b.Released, &b.CreatedAt, &releasedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Batch{}, apperrors.NotFound("no active batch")
		}
		return types.Batch{}, apperrors.WrapDBError("clickstream.scan_batch", err)
	}
	b.ReleaseID = releaseID.String
	if releasedAt.Valid {
		b.ReleasedAt = &releasedAt.Time
	}
	return b, nil
}

// RegisterSession inserts a new session, opening/reusing the active batch
// and assigning the next monotonic session_number within it (§4.F
// register_session, §8 property 5 "session_number density").
func (s *Store) RegisterSession(ctx context.Context, session types.ClickstreamSession) (types.ClickstreamSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.ClickstreamSession{}, apperrors.UnavailableDependency("clickstream.register_session begin: %v", err)
	}
	defer tx.Rollback()

	batch, err := activeBatch(ctx, tx)
	if err != nil {
		return types.ClickstreamSession{}, err
	}

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(session_number), -1) + 1 FROM clickstream_sessions WHERE batch_id = ? FOR UPDATE
	`, batch.BatchID).Scan(&next)
	if err != nil {
		return types.ClickstreamSession{}, apperrors.Internal("clickstream.register_session next_number", err)
	}

	if session.SessionID == "" {
		session.SessionID = idgen.NewSessionID()
	}
	session.BatchID = batch.BatchID
	session.SessionNumber = next
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if err := session.Validate(); err != nil {
		return types.ClickstreamSession{}, apperrors.Validation("clickstream.register_session: %v", err)
	}

	results, err := json.Marshal(session.Results)
	if err != nil {
		return types.ClickstreamSession{}, apperrors.Validation("clickstream.register_session: marshal results: %v", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clickstream_sessions
			(session_id, batch_id, session_number, search_query, results, is_irrelevant, user_id, is_payload_search, use_for_improvement, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.SessionID, session.BatchID, session.SessionNumber, nullableString(session.SearchQuery), results,
		session.IsIrrelevant, nullableString(session.UserID), session.IsPayloadSearch, session.UseForImprovement, session.CreatedAt)
	if err != nil {
		return types.ClickstreamSession{}, apperrors.Internal("clickstream.register_session insert", err)
	}

	for _, e := range session.Events {
		if err := insertEvent(ctx, tx, session.SessionID, e); err != nil {
			return types.ClickstreamSession{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return types.ClickstreamSession{}, apperrors.Internal("clickstream.register_session commit", err)
	}
	return session, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func insertEvent(ctx context.Context, tx *sql.Tx, sessionID string, e types.ClickEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clickstream_events (event_id, session_id, object_id, event_type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE event_id = event_id
	`, e.EventID, sessionID, e.ObjectID, e.EventType, e.CreatedAt)
	if err != nil {
		return apperrors.Internal("clickstream.insert_event", err)
	}
	return nil
}

// AppendEvents appends events to an existing, not-yet-released session,
// deduplicated by event_id (§4.F append_events).
func (s *Store) AppendEvents(ctx context.Context, sessionID string, events []types.ClickEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.UnavailableDependency("clickstream.append_events begin: %v", err)
	}
	defer tx.Rollback()

	var batchID string
	var released bool
	err = tx.QueryRowContext(ctx, `
		SELECT s.batch_id, b.released FROM clickstream_sessions s
		JOIN clickstream_batches b ON b.batch_id = s.batch_id
		WHERE s.session_id = ?
	`, sessionID).Scan(&batchID, &released)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("session %s not found", sessionID)
		}
		return apperrors.Internal("clickstream.append_events lookup", err)
	}
	if released {
		return apperrors.Conflict("session %s's batch is already released", sessionID)
	}

	for _, e := range events {
		if err := insertEvent(ctx, tx, sessionID, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("clickstream.append_events commit", err)
	}
	return nil
}

// MarkForImprovement sets use_for_improvement on a session, rejecting
// payload-search sessions (§4.F mark_for_improvement).
func (s *Store) MarkForImprovement(ctx context.Context, sessionID string) error {
	var isPayloadSearch bool
	err := s.db.QueryRowContext(ctx, `SELECT is_payload_search FROM clickstream_sessions WHERE session_id = ?`, sessionID).Scan(&isPayloadSearch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("session %s not found", sessionID)
		}
		return apperrors.Internal("clickstream.mark_for_improvement lookup", err)
	}
	if isPayloadSearch {
		return apperrors.Validation("session %s is a payload-search session, not eligible for improvement", sessionID)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE clickstream_sessions SET use_for_improvement = TRUE WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.Internal("clickstream.mark_for_improvement update", err)
	}
	return nil
}

// GetBatchSessions paginates a batch's sessions ordered by session_number,
// capping events per session at eventsLimit (§4.F get_batch_sessions).
func (s *Store) GetBatchSessions(ctx context.Context, batchID string, afterNumber, limit, eventsLimit int) ([]types.ClickstreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, batch_id, session_number, search_query, results, is_irrelevant, user_id, is_payload_search, use_for_improvement, created_at
		FROM clickstream_sessions
		WHERE batch_id = ? AND session_number > ?
		ORDER BY session_number ASC
		LIMIT ?
	`, batchID, afterNumber, limit)
	if err != nil {
		return nil, apperrors.Internal("clickstream.get_batch_sessions", err)
	}
	defer rows.Close()

	var sessions []types.ClickstreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("clickstream.get_batch_sessions scan", err)
	}

	for i := range sessions {
		events, err := s.eventsForSession(ctx, sessions[i].SessionID, eventsLimit)
		if err != nil {
			return nil, err
		}
		sessions[i].Events = events
	}
	return sessions, nil
}

func scanSession(row rowScanner) (types.ClickstreamSession, error) {
	var sess types.ClickstreamSession
	var searchQuery, userID sql.NullString
	var results []byte
	if err := row.Scan(&sess.SessionID, &sess.BatchID, &sess.SessionNumber, &searchQuery, &results,
		&sess.IsIrrelevant, &userID, &sess.IsPayloadSearch, &sess.UseForImprovement, &sess.CreatedAt); err != nil {
		return types.ClickstreamSession{}, apperrors.WrapDBError("clickstream.scan_session", err)
	}
	sess.SearchQuery = searchQuery.String
	sess.UserID = userID.String
	if len(results) > 0 {
		if err := json.Unmarshal(results, &sess.Results); err != nil {
			return types.ClickstreamSession{}, apperrors.Internal("clickstream.scan_session unmarshal results", err)
		}
	}
	return sess, nil
}

func (s *Store) eventsForSession(ctx context.Context, sessionID string, limit int) ([]types.ClickEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, object_id, event_type, created_at FROM clickstream_events
		WHERE session_id = ? ORDER BY created_at ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, apperrors.Internal("clickstream.events_for_session", err)
	}
	defer rows.Close()

	var events []types.ClickEvent
	for rows.Next() {
		var e types.ClickEvent
		if err := rows.Scan(&e.EventID, &e.ObjectID, &e.EventType, &e.CreatedAt); err != nil {
			return nil, apperrors.WrapDBError("clickstream.events_for_session scan", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessionsForImprovement returns up to limit not-yet-processed sessions
// from released batches that are marked use_for_improvement, ordered oldest
// first (§4.G "a worker polls for batches of improvement-eligible
// sessions"). improvement_processed is a pipeline-internal bookkeeping
// column (not part of the public ClickstreamSession shape) that lets a
// crashed-and-restarted worker resume without redoing completed groups.
func (s *Store) ListSessionsForImprovement(ctx context.Context, limit int) ([]types.ClickstreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.batch_id, s.session_number, s.search_query, s.results, s.is_irrelevant, s.user_id, s.is_payload_search, s.use_for_improvement, s.created_at
		FROM clickstream_sessions s
		JOIN clickstream_batches b ON b.batch_id = s.batch_id
		WHERE b.released = TRUE AND s.use_for_improvement = TRUE AND s.improvement_processed = FALSE
		ORDER BY s.created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Internal("clickstream.list_sessions_for_improvement", err)
	}
	defer rows.Close()

	var sessions []types.ClickstreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("clickstream.list_sessions_for_improvement scan", err)
	}
	for i := range sessions {
		events, err := s.eventsForSession(ctx, sessions[i].SessionID, 1<<30)
		if err != nil {
			return nil, err
		}
		sessions[i].Events = events
	}
	return sessions, nil
}

// MarkProcessed flags sessions as consumed by the improvement pipeline so
// subsequent polls don't pick them up again.
func (s *Store) MarkProcessed(ctx context.Context, sessionIDs []string) error {
	for _, id := range sessionIDs {
		if _, err := s.db.ExecContext(ctx, `UPDATE clickstream_sessions SET improvement_processed = TRUE WHERE session_id = ?`, id); err != nil {
			return apperrors.Internal("clickstream.mark_processed", err)
		}
	}
	return nil
}

// ReleaseBatch finalizes the active batch: no further events are accepted,
// and a new active batch opens lazily on the next write (§4.F
// release_batch). Idempotent on release_id: calling again with the same ID
// against an already-released batch is a no-op.
func (s *Store) ReleaseBatch(ctx context.Context, batchID, releaseID string) error {
	if releaseID == "" {
		releaseID = idgen.NewReleaseID()
	}

	var released bool
	var existingReleaseID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT released, release_id FROM clickstream_batches WHERE batch_id = ?`, batchID).Scan(&released, &existingReleaseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("batch %s not found", batchID)
		}
		return apperrors.Internal("clickstream.release_batch lookup", err)
	}
	if released {
		if existingReleaseID.String == releaseID {
			return nil
		}
		return apperrors.Conflict("batch %s is already released under a different release_id", batchID)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE clickstream_batches SET released = TRUE, release_id = ?, released_at = ? WHERE batch_id = ? AND released = FALSE
	`, releaseID, now, batchID)
	if err != nil {
		return apperrors.Internal("clickstream.release_batch update", err)
	}
	return nil
}
