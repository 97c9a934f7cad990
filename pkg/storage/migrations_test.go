package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// setupTestDB opens an empty on-disk database in a temp dir
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	version, err := getCurrentVersion(db)
	if err != nil {
		t.Fatalf("getCurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for fresh database, got %d", version)
	}
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	for _, table := range []string{"schema_version", "queries", "domain_stats"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Fatalf("%s table should exist: %v", table, err)
		}
	}

	version, err := getCurrentVersion(db)
	if err != nil {
		t.Fatalf("getCurrentVersion failed: %v", err)
	}
	migs := getMigrations()
	if want := migs[len(migs)-1].Version; version != want {
		t.Errorf("expected version %d, got %d", want, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("first runMigrations failed: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("failed to query schema_version: %v", err)
	}
	if expected := len(getMigrations()); count != expected {
		t.Errorf("expected %d migration records, got %d", expected, count)
	}
}

func TestApplyMigration_Rollback(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.Exec(schemaVersionTable); err != nil {
		t.Fatalf("failed to create schema_version: %v", err)
	}

	badMigration := Migration{
		Version:     1,
		Description: "Bad migration",
		SQL: `
			CREATE TABLE test_table (id INTEGER PRIMARY KEY);
			THIS IS INVALID SQL THAT WILL FAIL;
		`,
	}

	if err := applyMigration(db, badMigration); err == nil {
		t.Fatal("expected applyMigration to fail with invalid SQL")
	}

	if err := db.QueryRow("SELECT COUNT(*) FROM test_table").Scan(new(int)); err == nil {
		t.Error("test_table should not exist after rollback")
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("failed to query schema_version: %v", err)
	}
	if count != 0 {
		t.Error("migration should not be recorded after failure")
	}
}

func TestMigrations_Registry(t *testing.T) {
	migs := getMigrations()
	if len(migs) == 0 {
		t.Fatal("expected at least one migration")
	}

	seen := make(map[int]bool)
	for i, mig := range migs {
		if seen[mig.Version] {
			t.Errorf("duplicate version found: %d", mig.Version)
		}
		seen[mig.Version] = true

		if i > 0 && mig.Version <= migs[i-1].Version {
			t.Errorf("migrations not sorted: v%d comes after v%d", mig.Version, migs[i-1].Version)
		}
		if mig.Description == "" {
			t.Errorf("migration v%d has no description", mig.Version)
		}
		if mig.SQL == "" {
			t.Errorf("migration v%d has no SQL", mig.Version)
		}
	}
}
