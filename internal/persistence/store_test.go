package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/coopsys/warden/internal/persistence"
	"github.com/coopsys/warden/internal/shared"
)

func openTestStore(t *testing.T) (*persistence.Store, *shared.FakeClock) {
	t.Helper()
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	store, err := persistence.Open(dbPath, nil, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, clock
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "sessions", "claims", "claim_events"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksums(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	rows, err := db.Query("SELECT version, checksum FROM schema_migrations ORDER BY version;")
	if err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	defer rows.Close()

	var versions []int
	var checksums []string
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			t.Fatalf("scan migration: %v", err)
		}
		versions = append(versions, v)
		checksums = append(checksums, c)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("expected migrations [1 2], got %v", versions)
	}
	for i, c := range checksums {
		if c == "" {
			t.Fatalf("migration %d has empty checksum", versions[i])
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	dbPath := filepath.Join(t.TempDir(), "warden.db")

	store, err := persistence.Open(dbPath, nil, clock)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = persistence.Open(dbPath, nil, clock)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer store.Close()

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(1) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migration rows after reopen, got %d", count)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Claim(ctx, "task-1", "sess-1", 0, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}

	// The backup must refuse to overwrite an existing file.
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatal("expected error backing up onto existing file")
	}

	copyDB, err := sql.Open("sqlite3", dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyDB.Close()
	var n int
	if err := copyDB.QueryRow("SELECT COUNT(1) FROM claims;").Scan(&n); err != nil {
		t.Fatalf("count claims in backup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 claim in backup, got %d", n)
	}
}
