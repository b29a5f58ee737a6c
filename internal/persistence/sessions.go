package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertSession registers a session or refreshes an existing one back to
// active with a fresh heartbeat.
func (s *Store) UpsertSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session_id must be non-empty")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			ended_at = NULL;
	`, sessionID, SessionStatusActive, now, now)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// HeartbeatSession refreshes a session's heartbeat. Returns false when the
// session is unknown or already ended.
func (s *Store) HeartbeatSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_heartbeat = ?, status = ?
		WHERE id = ? AND status != ?;
	`, s.now(), SessionStatusActive, sessionID, SessionStatusEnded)
	if err != nil {
		return false, fmt.Errorf("heartbeat session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// EndSession marks a session ended. The caller is expected to follow with
// ReleaseForSession; the orphan sweep covers sessions that never do.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at = ?
		WHERE id = ?;
	`, SessionStatusEnded, s.now(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// GetSession returns the session row, or nil when absent. Claims referencing
// an absent session are the normal path into orphan detection, not an error.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, last_heartbeat, created_at, ended_at
		FROM sessions
		WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.Status, &sess.LastHeartbeat, &sess.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		sess.EndedAt = &t
	}
	sess.LastHeartbeat = sess.LastHeartbeat.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	return &sess, nil
}

// IsSessionAlive reports whether a session exists and is active.
func (s *Store) IsSessionAlive(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess != nil && sess.Status == SessionStatusActive, nil
}

// SessionLastHeartbeat returns the last heartbeat time, or a zero time when
// the session is unknown.
func (s *Store) SessionLastHeartbeat(ctx context.Context, sessionID string) (time.Time, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return time.Time{}, err
	}
	return sess.LastHeartbeat, nil
}

// MarkStaleSessions flips active sessions whose heartbeat is older than the
// orphan threshold to stale, returning how many were flipped. Claims held by
// stale sessions are reclaimed by SweepOrphaned.
func (s *Store) MarkStaleSessions(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.orphanCutoff())
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?
		WHERE status = ? AND last_heartbeat <= ?;
	`, SessionStatusStale, SessionStatusActive, cutoff)
	if err != nil {
		if isStoreClosed(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("mark stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListSessions returns the most recently created sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, last_heartbeat, created_at, ended_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Status, &sess.LastHeartbeat, &sess.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time.UTC()
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}
