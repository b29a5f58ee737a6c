package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/shared"
)

const (
	defaultLeaseDuration   = 5 * time.Minute
	defaultOrphanThreshold = 2 * time.Minute
)

// ConfigureLeases sets the default TTL granted by Claim and the heartbeat
// staleness threshold used by SweepOrphaned.
func (s *Store) ConfigureLeases(defaultTTL, orphanThreshold time.Duration) {
	if defaultTTL > 0 {
		s.defaultTTL = defaultTTL
	}
	if orphanThreshold > 0 {
		s.orphanThreshold = orphanThreshold
	}
}

// ClaimResult is the outcome of a Claim call. Conflicts are results, not
// errors: on TASK_ALREADY_CLAIMED the existing claim is returned so the
// caller can inspect the current owner.
type ClaimResult struct {
	Claimed       bool   `json:"claimed"`
	Claim         *Claim `json:"claim,omitempty"`
	ErrorCode     string `json:"error,omitempty"`
	ExistingClaim *Claim `json:"existing_claim,omitempty"`
}

// RenewResult is the outcome of a Renew call.
type RenewResult struct {
	Success        bool      `json:"success"`
	ErrorCode      string    `json:"error,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	RemainingMs    int64     `json:"remaining_ms"`
	HeartbeatCount int       `json:"heartbeat_count"`
}

// ReleaseResult is the outcome of a Release call.
type ReleaseResult struct {
	Released  bool   `json:"released"`
	ErrorCode string `json:"error,omitempty"`
	HeldForMs int64  `json:"held_for_ms"`
}

// SweptClaim is one claim removed by a sweep, with the reason it qualified.
type SweptClaim struct {
	Claim
	Reason     string `json:"reason"`
	StaleForMs int64  `json:"stale_for_ms,omitempty"`
}

// SweepResult summarizes one sweep pass. Sweeps are idempotent: a pass with
// nothing to clean returns Count 0 and performs no writes.
type SweepResult struct {
	Count  int          `json:"count"`
	Claims []SweptClaim `json:"claims,omitempty"`
}

// ReleasedClaim records one claim released by a bulk session release.
type ReleasedClaim struct {
	TaskID    string `json:"task_id"`
	HeldForMs int64  `json:"held_for_ms"`
}

// SessionReleaseResult summarizes ReleaseForSession.
type SessionReleaseResult struct {
	Count    int             `json:"count"`
	Released []ReleasedClaim `json:"released,omitempty"`
}

// ClaimStats is a point-in-time view of active claims.
type ClaimStats struct {
	TotalActive int            `json:"total_active"`
	BySession   map[string]int `json:"by_session"`
}

// Claim acquires (or, for the current owner, renews) the lease on taskID.
// Exactly one session can hold an active claim on a task; a second session
// gets TASK_ALREADY_CLAIMED together with the existing claim. Re-claim by
// the owner extends the TTL, so claim calls are safe to retry blindly.
func (s *Store) Claim(ctx context.Context, taskID, sessionID string, ttl time.Duration, metadata shared.Metadata) (ClaimResult, error) {
	taskID = strings.TrimSpace(taskID)
	sessionID = strings.TrimSpace(sessionID)
	if taskID == "" || sessionID == "" {
		return ClaimResult{ErrorCode: ErrCodeValidation}, nil
	}
	if err := metadata.Validate(); err != nil {
		return ClaimResult{ErrorCode: ErrCodeValidation}, nil
	}
	if ttl <= 0 {
		ttl = s.leaseTTL()
	}

	var result ClaimResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		existing, err := scanClaimRow(tx.QueryRowContext(ctx, selectClaimSQL, taskID))
		switch {
		case err == nil && existing.Status == ClaimStatusInProgress && existing.ExpiresAt.After(now):
			if existing.SessionID == sessionID {
				// Idempotent re-claim by the owner: extend the lease.
				expiresAt := now.Add(ttl)
				if _, err := tx.ExecContext(ctx, `
					UPDATE claims
					SET expires_at = ?, last_heartbeat = ?, heartbeat_count = heartbeat_count + 1
					WHERE task_id = ? AND session_id = ?;
				`, expiresAt, now, taskID, sessionID); err != nil {
					return fmt.Errorf("extend claim lease: %w", err)
				}
				renewed := *existing
				renewed.ExpiresAt = expiresAt
				renewed.LastHeartbeat = now
				renewed.HeartbeatCount++
				if err := s.appendClaimEventTx(ctx, tx, taskID, sessionID, "claim.renewed", `{"reason":"reclaim"}`, now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit reclaim tx: %w", err)
				}
				result = ClaimResult{Claimed: true, Claim: &renewed}
				return nil
			}
			// Held by a different session. No stealing: ownership changes
			// only through release or a sweep.
			result = ClaimResult{ErrorCode: ErrCodeTaskAlreadyClaimed, ExistingClaim: existing}
			_ = tx.Rollback()
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select claim: %w", err)
		}

		// No active claim: an expired or released row is as good as absent.
		metaJSON, err := metadata.JSON()
		if err != nil {
			return err
		}
		expiresAt := now.Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (task_id, session_id, claimed_at, expires_at, last_heartbeat, heartbeat_count, status, metadata)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				session_id = excluded.session_id,
				claimed_at = excluded.claimed_at,
				expires_at = excluded.expires_at,
				last_heartbeat = excluded.last_heartbeat,
				heartbeat_count = 0,
				status = excluded.status,
				metadata = excluded.metadata;
		`, taskID, sessionID, now, expiresAt, now, ClaimStatusInProgress, metaJSON); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if err := s.appendClaimEventTx(ctx, tx, taskID, sessionID, "claim.claimed", `{"reason":"claim"}`, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		result = ClaimResult{Claimed: true, Claim: &Claim{
			TaskID:        taskID,
			SessionID:     sessionID,
			ClaimedAt:     now,
			ExpiresAt:     expiresAt,
			LastHeartbeat: now,
			Status:        ClaimStatusInProgress,
			Metadata:      metadata.Clone(),
		}}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}

	if result.Claimed && s.bus != nil {
		s.bus.Publish(bus.TopicClaimClaimed, bus.ClaimEvent{TaskID: taskID, SessionID: sessionID})
	}
	return result, nil
}

// Renew extends the lease on taskID from now (not from the prior expiry)
// and increments the heartbeat counter.
func (s *Store) Renew(ctx context.Context, taskID, sessionID string, ttl time.Duration) (RenewResult, error) {
	taskID = strings.TrimSpace(taskID)
	sessionID = strings.TrimSpace(sessionID)
	if taskID == "" || sessionID == "" {
		return RenewResult{ErrorCode: ErrCodeValidation}, nil
	}
	if ttl <= 0 {
		ttl = s.leaseTTL()
	}

	var result RenewResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin renew tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanClaimRow(tx.QueryRowContext(ctx, selectClaimSQL, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			result = RenewResult{ErrorCode: ErrCodeClaimNotFound}
			_ = tx.Rollback()
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claim for renew: %w", err)
		}
		if existing.SessionID != sessionID {
			result = RenewResult{ErrorCode: ErrCodeNotClaimOwner}
			_ = tx.Rollback()
			return nil
		}

		now := s.now()
		expiresAt := now.Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			UPDATE claims
			SET expires_at = ?, last_heartbeat = ?, heartbeat_count = heartbeat_count + 1
			WHERE task_id = ? AND session_id = ?;
		`, expiresAt, now, taskID, sessionID); err != nil {
			return fmt.Errorf("renew claim: %w", err)
		}
		if err := s.appendClaimEventTx(ctx, tx, taskID, sessionID, "claim.renewed", `{"reason":"renew"}`, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit renew tx: %w", err)
		}
		result = RenewResult{
			Success:        true,
			ExpiresAt:      expiresAt,
			RemainingMs:    ttl.Milliseconds(),
			HeartbeatCount: existing.HeartbeatCount + 1,
		}
		return nil
	})
	if err != nil {
		return RenewResult{}, err
	}
	return result, nil
}

// Release ends the caller's claim on taskID. Same ownership checks as Renew.
func (s *Store) Release(ctx context.Context, taskID, sessionID, reason string) (ReleaseResult, error) {
	taskID = strings.TrimSpace(taskID)
	sessionID = strings.TrimSpace(sessionID)
	if taskID == "" || sessionID == "" {
		return ReleaseResult{ErrorCode: ErrCodeValidation}, nil
	}
	if reason == "" {
		reason = "manual"
	}

	var result ReleaseResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanClaimRow(tx.QueryRowContext(ctx, selectClaimSQL, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			result = ReleaseResult{ErrorCode: ErrCodeClaimNotFound}
			_ = tx.Rollback()
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claim for release: %w", err)
		}
		if existing.SessionID != sessionID {
			result = ReleaseResult{ErrorCode: ErrCodeNotClaimOwner}
			_ = tx.Rollback()
			return nil
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete claim: %w", err)
		}
		heldFor := now.Sub(existing.ClaimedAt)
		if err := s.appendClaimEventTx(ctx, tx, taskID, sessionID, "claim.released",
			fmt.Sprintf(`{"reason":%q,"held_for_ms":%d}`, reason, heldFor.Milliseconds()), now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit release tx: %w", err)
		}
		result = ReleaseResult{Released: true, HeldForMs: heldFor.Milliseconds()}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	if result.Released && s.bus != nil {
		s.bus.Publish(bus.TopicClaimReleased, bus.ClaimEvent{
			TaskID:    taskID,
			SessionID: sessionID,
			Reason:    reason,
			HeldForMs: result.HeldForMs,
		})
	}
	return result, nil
}

// SweepExpired removes every claim whose lease has lapsed. The expiry is
// re-checked at delete time so a sweep racing a renew never removes a claim
// that was just extended.
func (s *Store) SweepExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expiry sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		rows, err := tx.QueryContext(ctx, selectClaimsBaseSQL+`
			WHERE status = ? AND expires_at <= ?;
		`, ClaimStatusInProgress, now)
		if err != nil {
			return fmt.Errorf("query expired claims: %w", err)
		}
		expired, err := collectClaims(rows)
		if err != nil {
			return err
		}

		var swept []SweptClaim
		for _, c := range expired {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM claims WHERE task_id = ? AND expires_at <= ?;
			`, c.TaskID, now)
			if err != nil {
				return fmt.Errorf("delete expired claim: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("expired claim rows affected: %w", err)
			}
			if n == 0 {
				// Renewed between the read and the delete.
				continue
			}
			if err := s.appendClaimEventTx(ctx, tx, c.TaskID, c.SessionID, "claim.expired", `{"reason":"lease_expired"}`, now); err != nil {
				return err
			}
			swept = append(swept, SweptClaim{Claim: c, Reason: "lease_expired"})
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit expiry sweep tx: %w", err)
		}
		result = SweepResult{Count: len(swept), Claims: swept}
		return nil
	})
	if err != nil {
		if isStoreClosed(err) {
			return SweepResult{}, nil
		}
		return SweepResult{}, err
	}

	if s.bus != nil {
		for _, c := range result.Claims {
			s.bus.Publish(bus.TopicClaimExpired, bus.ClaimEvent{TaskID: c.TaskID, SessionID: c.SessionID, Reason: c.Reason})
		}
		s.bus.Publish(bus.TopicClaimsCleanup, bus.CleanupEvent{Type: "expired", Count: result.Count})
	}
	return result, nil
}

// SweepOrphaned removes claims whose owning session is missing, ended, or
// heartbeat-stale beyond the orphan threshold. When checkLiveness is set and
// a liveness probe is installed, a session whose process is demonstrably
// alive is skipped; missing liveness information never blocks cleanup.
func (s *Store) SweepOrphaned(ctx context.Context, checkLiveness bool) (SweepResult, error) {
	var result SweepResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin orphan sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		cutoff := now.Add(-s.orphanCutoff())
		rows, err := tx.QueryContext(ctx, `
			SELECT c.task_id, c.session_id, c.claimed_at, c.expires_at, c.last_heartbeat, c.heartbeat_count, c.status, c.metadata,
				s.id IS NULL, COALESCE(s.status, ''), s.last_heartbeat
			FROM claims c
			LEFT JOIN sessions s ON s.id = c.session_id
			WHERE c.status = ?
			  AND (s.id IS NULL OR s.status != 'active' OR s.last_heartbeat <= ?);
		`, ClaimStatusInProgress, cutoff)
		if err != nil {
			return fmt.Errorf("query orphaned claims: %w", err)
		}
		type orphanCandidate struct {
			claim      Claim
			reason     string
			staleForMs int64
		}
		var candidates []orphanCandidate
		for rows.Next() {
			var (
				c              Claim
				metaJSON       string
				sessionMissing bool
				sessionStatus  string
				sessionBeat    sql.NullTime
			)
			if err := rows.Scan(&c.TaskID, &c.SessionID, &c.ClaimedAt, &c.ExpiresAt, &c.LastHeartbeat,
				&c.HeartbeatCount, &c.Status, &metaJSON, &sessionMissing, &sessionStatus, &sessionBeat); err != nil {
				rows.Close()
				return fmt.Errorf("scan orphan candidate: %w", err)
			}
			c.Metadata, _ = shared.ParseMetadata(metaJSON)
			cand := orphanCandidate{claim: c}
			switch {
			case sessionMissing:
				cand.reason = "session_missing"
				cand.staleForMs = now.Sub(c.LastHeartbeat).Milliseconds()
			case sessionStatus != string(SessionStatusActive):
				cand.reason = "session_ended"
				cand.staleForMs = now.Sub(c.LastHeartbeat).Milliseconds()
			default:
				cand.reason = "heartbeat_stale"
				if sessionBeat.Valid {
					cand.staleForMs = now.Sub(sessionBeat.Time).Milliseconds()
				}
			}
			candidates = append(candidates, cand)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("orphan candidate rows: %w", err)
		}
		rows.Close()

		var swept []SweptClaim
		for _, cand := range candidates {
			if checkLiveness && s.probe != nil {
				if alive, known := s.probe(cand.claim.SessionID); known && alive {
					// Heartbeat lagged but the process is demonstrably alive.
					continue
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ?;`, cand.claim.TaskID); err != nil {
				return fmt.Errorf("delete orphaned claim: %w", err)
			}
			if err := s.appendClaimEventTx(ctx, tx, cand.claim.TaskID, cand.claim.SessionID, "claim.orphaned",
				fmt.Sprintf(`{"reason":%q,"stale_for_ms":%d}`, cand.reason, cand.staleForMs), now); err != nil {
				return err
			}
			swept = append(swept, SweptClaim{Claim: cand.claim, Reason: cand.reason, StaleForMs: cand.staleForMs})
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit orphan sweep tx: %w", err)
		}
		result = SweepResult{Count: len(swept), Claims: swept}
		return nil
	})
	if err != nil {
		if isStoreClosed(err) {
			return SweepResult{}, nil
		}
		return SweepResult{}, err
	}

	if s.bus != nil {
		for _, c := range result.Claims {
			s.bus.Publish(bus.TopicClaimOrphaned, bus.ClaimEvent{
				TaskID:     c.TaskID,
				SessionID:  c.SessionID,
				Reason:     c.Reason,
				StaleForMs: c.StaleForMs,
			})
		}
		s.bus.Publish(bus.TopicClaimsCleanup, bus.CleanupEvent{Type: "orphaned", Count: result.Count})
	}
	return result, nil
}

// ReleaseForSession bulk-releases every claim held by a session. Called when
// a session deregisters.
func (s *Store) ReleaseForSession(ctx context.Context, sessionID, reason string) (SessionReleaseResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionReleaseResult{}, nil
	}
	if reason == "" {
		reason = "session_ended"
	}

	var result SessionReleaseResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		rows, err := tx.QueryContext(ctx, selectClaimsBaseSQL+`
			WHERE session_id = ?;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("query session claims: %w", err)
		}
		held, err := collectClaims(rows)
		if err != nil {
			return err
		}

		var released []ReleasedClaim
		for _, c := range held {
			if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ?;`, c.TaskID); err != nil {
				return fmt.Errorf("delete session claim: %w", err)
			}
			heldFor := now.Sub(c.ClaimedAt)
			if err := s.appendClaimEventTx(ctx, tx, c.TaskID, sessionID, "claim.released",
				fmt.Sprintf(`{"reason":%q,"held_for_ms":%d}`, reason, heldFor.Milliseconds()), now); err != nil {
				return err
			}
			released = append(released, ReleasedClaim{TaskID: c.TaskID, HeldForMs: heldFor.Milliseconds()})
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session release tx: %w", err)
		}
		result = SessionReleaseResult{Count: len(released), Released: released}
		return nil
	})
	if err != nil {
		return SessionReleaseResult{}, err
	}

	if s.bus != nil {
		for _, rc := range result.Released {
			s.bus.Publish(bus.TopicClaimReleased, bus.ClaimEvent{
				TaskID:    rc.TaskID,
				SessionID: sessionID,
				Reason:    reason,
				HeldForMs: rc.HeldForMs,
			})
		}
		s.bus.Publish(bus.TopicSessionCleanup, bus.SessionCleanupEvent{
			SessionID: sessionID,
			Reason:    reason,
			Count:     result.Count,
		})
	}
	return result, nil
}

// ClaimStats counts active claims overall and per session.
func (s *Store) ClaimStats(ctx context.Context) (ClaimStats, error) {
	stats := ClaimStats{BySession: make(map[string]int)}
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(1)
		FROM claims
		WHERE status = ? AND expires_at > ?
		GROUP BY session_id;
	`, ClaimStatusInProgress, now)
	if err != nil {
		return stats, fmt.Errorf("claim stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID string
		var count int
		if err := rows.Scan(&sessionID, &count); err != nil {
			return stats, fmt.Errorf("scan claim stats: %w", err)
		}
		stats.BySession[sessionID] = count
		stats.TotalActive += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("claim stats rows: %w", err)
	}
	return stats, nil
}

// GetClaim returns the claim row for taskID, or nil when absent.
func (s *Store) GetClaim(ctx context.Context, taskID string) (*Claim, error) {
	c, err := scanClaimRow(s.db.QueryRowContext(ctx, selectClaimSQL, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

const selectClaimsBaseSQL = `
	SELECT task_id, session_id, claimed_at, expires_at, last_heartbeat, heartbeat_count, status, metadata
	FROM claims
`

const selectClaimSQL = selectClaimsBaseSQL + `	WHERE task_id = ?;`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(scan func(dest ...any) error) (*Claim, error) {
	var c Claim
	var metaJSON string
	if err := scan(&c.TaskID, &c.SessionID, &c.ClaimedAt, &c.ExpiresAt, &c.LastHeartbeat,
		&c.HeartbeatCount, &c.Status, &metaJSON); err != nil {
		return nil, err
	}
	meta, err := shared.ParseMetadata(metaJSON)
	if err != nil {
		return nil, err
	}
	c.Metadata = meta
	c.ClaimedAt = c.ClaimedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.LastHeartbeat = c.LastHeartbeat.UTC()
	return &c, nil
}

func scanClaimRow(row rowScanner) (*Claim, error) {
	return scanClaim(row.Scan)
}

func collectClaims(rows *sql.Rows) ([]Claim, error) {
	defer rows.Close()
	var out []Claim
	for rows.Next() {
		c, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return out, nil
}

func (s *Store) appendClaimEventTx(ctx context.Context, tx *sql.Tx, taskID, sessionID, eventType, payload string, at time.Time) error {
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO claim_events (task_id, session_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, sessionID, eventType, payload, at); err != nil {
		return fmt.Errorf("append claim event: %w", err)
	}
	return nil
}

// ClaimEventRecord is one row of the claim audit ledger.
type ClaimEventRecord struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ListClaimEvents returns the audit trail for one task, oldest first.
func (s *Store) ListClaimEvents(ctx context.Context, taskID string, limit int) ([]ClaimEventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, session_id, event_type, payload, created_at
		FROM claim_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list claim events: %w", err)
	}
	defer rows.Close()
	var out []ClaimEventRecord
	for rows.Next() {
		var rec ClaimEventRecord
		if err := rows.Scan(&rec.EventID, &rec.TaskID, &rec.SessionID, &rec.EventType, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claim event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim event rows: %w", err)
	}
	return out, nil
}

func (s *Store) leaseTTL() time.Duration {
	if s.defaultTTL > 0 {
		return s.defaultTTL
	}
	return defaultLeaseDuration
}

func (s *Store) orphanCutoff() time.Duration {
	if s.orphanThreshold > 0 {
		return s.orphanThreshold
	}
	return defaultOrphanThreshold
}
