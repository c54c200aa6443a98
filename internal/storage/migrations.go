package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

// v1.0.0 holds the catalog and the artifact store. Timestamps are unix
// milliseconds; digests are 32-byte blobs.
const migrationV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scopes (
    directory TEXT NOT NULL,
    branch TEXT NOT NULL,
    case_insensitive INTEGER NOT NULL DEFAULT 0,
    last_status TEXT,
    last_refreshed_at INTEGER,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (directory, branch)
);

CREATE TABLE IF NOT EXISTS tag_catalog (
    scope_dir TEXT NOT NULL,
    scope_branch TEXT NOT NULL,
    backend TEXT NOT NULL,
    path TEXT NOT NULL,
    digest BLOB NOT NULL,
    last_seen_at INTEGER NOT NULL,
    PRIMARY KEY (scope_dir, scope_branch, backend, path)
);

CREATE INDEX IF NOT EXISTS idx_tag_catalog_digest ON tag_catalog(backend, digest);
CREATE INDEX IF NOT EXISTS idx_tag_catalog_scope_digest ON tag_catalog(scope_dir, scope_branch, backend, digest);

CREATE TABLE IF NOT EXISTS artifacts (
    digest BLOB NOT NULL,
    backend TEXT NOT NULL,
    payload_ref TEXT NOT NULL DEFAULT '',
    refcount INTEGER NOT NULL DEFAULT 0 CHECK (refcount >= 0),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (digest, backend)
);

CREATE TABLE IF NOT EXISTS artifact_refs (
    digest BLOB NOT NULL,
    backend TEXT NOT NULL,
    scope_dir TEXT NOT NULL,
    scope_branch TEXT NOT NULL,
    PRIMARY KEY (digest, backend, scope_dir, scope_branch)
);

CREATE INDEX IF NOT EXISTS idx_artifact_refs_scope ON artifact_refs(scope_dir, scope_branch, backend);
`

const migrationV1Down = `
DROP TABLE IF EXISTS artifact_refs;
DROP TABLE IF EXISTS artifacts;
DROP TABLE IF EXISTS tag_catalog;
DROP TABLE IF EXISTS scopes;
DROP TABLE IF EXISTS schema_version;
`

// v1.1.0 adds the payload tables of the SQLite-resident backends.
// Payloads are keyed by digest only, so scopes sharing content share rows.
const migrationV11Up = `
CREATE TABLE IF NOT EXISTS payloads (
    kind TEXT NOT NULL,
    digest BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (kind, digest)
);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest BLOB NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER,
    context_before TEXT,
    context_after TEXT,
    start_line INTEGER,
    end_line INTEGER,
    chunk_type TEXT,
    symbol_name TEXT,
    UNIQUE(digest, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_digest ON chunks(digest);

CREATE TABLE IF NOT EXISTS embeddings (
    chunk_id INTEGER PRIMARY KEY,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS text_chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest BLOB NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    start_line INTEGER,
    end_line INTEGER,
    chunk_type TEXT,
    symbol_name TEXT,
    UNIQUE(digest, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_text_chunks_digest ON text_chunks(digest);

CREATE VIRTUAL TABLE IF NOT EXISTS text_fts USING fts5(
    content, symbol_name,
    content='text_chunks',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS text_chunks_ai AFTER INSERT ON text_chunks BEGIN
    INSERT INTO text_fts(rowid, content, symbol_name)
    VALUES (new.id, new.content, new.symbol_name);
END;

CREATE TRIGGER IF NOT EXISTS text_chunks_ad AFTER DELETE ON text_chunks BEGIN
    INSERT INTO text_fts(text_fts, rowid, content, symbol_name)
    VALUES ('delete', old.id, old.content, old.symbol_name);
END;

CREATE TRIGGER IF NOT EXISTS text_chunks_au AFTER UPDATE ON text_chunks BEGIN
    INSERT INTO text_fts(text_fts, rowid, content, symbol_name)
    VALUES ('delete', old.id, old.content, old.symbol_name);
    INSERT INTO text_fts(rowid, content, symbol_name)
    VALUES (new.id, new.content, new.symbol_name);
END;

CREATE TABLE IF NOT EXISTS parsed_files (
    digest BLOB PRIMARY KEY,
    package_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS symbols (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest BLOB NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    package_name TEXT NOT NULL,
    signature TEXT,
    doc_comment TEXT,
    scope TEXT,
    receiver TEXT,
    start_line INTEGER,
    start_col INTEGER,
    end_line INTEGER,
    end_col INTEGER
);

CREATE INDEX IF NOT EXISTS idx_symbols_digest ON symbols(digest);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);

CREATE TABLE IF NOT EXISTS imports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest BLOB NOT NULL,
    import_path TEXT NOT NULL,
    alias TEXT
);

CREATE INDEX IF NOT EXISTS idx_imports_digest ON imports(digest);
`

const migrationV11Down = `
DROP TABLE IF EXISTS imports;
DROP TABLE IF EXISTS symbols;
DROP TABLE IF EXISTS parsed_files;
DROP TRIGGER IF EXISTS text_chunks_au;
DROP TRIGGER IF EXISTS text_chunks_ad;
DROP TRIGGER IF EXISTS text_chunks_ai;
DROP TABLE IF EXISTS text_fts;
DROP TABLE IF EXISTS text_chunks;
DROP TABLE IF EXISTS embeddings;
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS payloads;
`

// currentVersion returns the highest applied schema version, or 0.0.0
func currentVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", s, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// ApplyMigrations runs all pending migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}
		if !current.LessThan(migrationVersion) {
			continue
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		current = migrationVersion
	}

	return nil
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return errors.New("no migrations to rollback")
	}

	var migration *Migration
	for i := range AllMigrations {
		if semver.MustParse(AllMigrations[i].Version).Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	// The version row goes first: the first migration's Down drops the table
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}
	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}

	return nil
}
