package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "wd-v1-2026-07-02-claims-sessions"

	// v2 adds the claim_events audit ledger.
	schemaVersionV2  = 2
	schemaChecksumV2 = "wd-v2-2026-07-18-claim-events"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Claim error codes. Expected outcomes are returned as codes on result
// structs, never as Go errors; callers branch on them.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeTaskAlreadyClaimed = "TASK_ALREADY_CLAIMED"
	ErrCodeClaimNotFound      = "CLAIM_NOT_FOUND"
	ErrCodeNotClaimOwner      = "NOT_CLAIM_OWNER"
)

// ClaimStatus is the lifecycle state of a claim row.
type ClaimStatus string

const (
	ClaimStatusInProgress ClaimStatus = "in-progress"
	ClaimStatusReleased   ClaimStatus = "released"
)

// SessionStatus is the lifecycle state of a session row.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusStale  SessionStatus = "stale"
	SessionStatusEnded  SessionStatus = "ended"
)

// Claim is a time-bounded, renewable ownership record over a task.
type Claim struct {
	TaskID         string          `json:"task_id"`
	SessionID      string          `json:"session_id"`
	ClaimedAt      time.Time       `json:"claimed_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	HeartbeatCount int             `json:"heartbeat_count"`
	Status         ClaimStatus     `json:"status"`
	Metadata       shared.Metadata `json:"metadata,omitempty"`
}

// Session is a live agent session tracked by heartbeat.
type Session struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CreatedAt     time.Time     `json:"created_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// LivenessProbe optionally reports whether the process behind a session is
// still alive. The second return is false when no liveness information is
// available; orphan sweeps must then fail open toward reclaiming.
type LivenessProbe func(sessionID string) (alive bool, known bool)

// Store owns the claims and sessions tables. All mutation of those tables
// goes through its methods; no collaborator touches rows directly.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus     // may be nil in tests
	clock shared.Clock // never nil
	probe LivenessProbe

	defaultTTL      time.Duration
	orphanThreshold time.Duration
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden", "warden.db")
}

// Open opens (creating if needed) the coordination database at path.
func Open(path string, eventBus *bus.Bus, clock shared.Clock) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, clock: clock}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetLivenessProbe installs an optional process-liveness check consulted by
// SweepOrphaned when checkLiveness is requested.
func (s *Store) SetLivenessProbe(p LivenessProbe) {
	s.probe = p
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isStoreClosed reports whether an error means the backing store is gone.
// Sweeps treat this as "nothing to clean" because a failed sweep is always
// safe to retry on the next tick.
func isStoreClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	version := int(current.Int64)
	if version > schemaVersionLatest {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, schemaVersionLatest)
	}

	if version < schemaVersionV1 {
		if err := migrateV1(ctx, tx); err != nil {
			return err
		}
	}
	if version < schemaVersionV2 {
		if err := migrateV2(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			status         TEXT NOT NULL DEFAULT 'active',
			last_heartbeat TIMESTAMP NOT NULL,
			created_at     TIMESTAMP NOT NULL,
			ended_at       TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS claims (
			task_id         TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			claimed_at      TIMESTAMP NOT NULL,
			expires_at      TIMESTAMP NOT NULL,
			last_heartbeat  TIMESTAMP NOT NULL,
			heartbeat_count INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'in-progress',
			metadata        TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_expires_at ON claims(expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_session_id ON claims(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_heartbeat ON sessions(last_heartbeat);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record v1 migration: %w", err)
	}
	return nil
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claim_events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claim_events_task ON claim_events(task_id, event_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate v2: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV2, schemaChecksumV2); err != nil {
		return fmt.Errorf("record v2 migration: %w", err)
	}
	return nil
}

// Backup creates an online-consistent backup of the database.
// Uses VACUUM INTO which creates a complete copy without blocking writes.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
