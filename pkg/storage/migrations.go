package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

const schemaVersionTable = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
`

// migrations is the registry of all database migrations in order.
// Each migration must have a unique version number and is applied
// exactly once, inside its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with queries and domain_stats tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS queries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL,
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				query_type TEXT NOT NULL,
				resolution TEXT NOT NULL,
				answer TEXT,
				upstream TEXT,
				response_size INTEGER NOT NULL DEFAULT 0,
				response_time_ms REAL NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
			CREATE INDEX IF NOT EXISTS idx_queries_resolution ON queries(resolution);

			CREATE TABLE IF NOT EXISTS domain_stats (
				domain TEXT PRIMARY KEY,
				query_count INTEGER NOT NULL DEFAULT 0,
				first_queried DATETIME NOT NULL,
				last_queried DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_domain_stats_count ON domain_stats(query_count DESC);
		`,
	},
	{
		Version:     2,
		Description: "Add composite indexes for domain history and statistics windows",
		SQL: `
			-- Speeds up: SELECT * FROM queries WHERE domain = ? ORDER BY timestamp DESC
			CREATE INDEX IF NOT EXISTS idx_queries_domain_timestamp ON queries(domain, timestamp);

			-- Speeds up: GetStatistics aggregation over a timestamp window
			CREATE INDEX IF NOT EXISTS idx_queries_timestamp_resolution ON queries(timestamp, resolution);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the current schema version from the database
// Returns 0 if schema_version table doesn't exist (fresh database)
func getCurrentVersion(db *sql.DB) (int, error) {
	var tableExists bool
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies all pending migrations in order. A failure leaves
// the database at the last migration that committed.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
