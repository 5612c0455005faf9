// Package geostore provides SQLite-backed feature storage for layers.
//
// Each layer is a set of rows in the features table keyed by (layer, fid).
// Geometry is stored as WKB and attributes as a JSON object in field order.
// A layer commit maps to exactly one SQL transaction, so a failed commit
// leaves the stored features untouched.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package geostore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fieldsync/internal/layer"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added attachment flag on layer_fields
const currentSchemaVersion = 1

// ErrUnknownLayer is returned when a layer id has no definition.
var ErrUnknownLayer = errors.New("unknown layer")

// Store provides durable storage for layer features.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateLayer defines a layer with the given fields. Defining an existing
// layer again is a no-op; its stored field definitions are kept.
func (s *Store) CreateLayer(ctx context.Context, id string, fields []layer.Field) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create layer %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO layers (id) VALUES (?)
		ON CONFLICT(id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("create layer %s: %w", id, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create layer %s: rows affected: %w", id, err)
	}
	if inserted == 0 {
		return tx.Commit()
	}

	for i, f := range fields {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO layer_fields (layer_id, position, name, type, attachment)
			VALUES (?, ?, ?, ?, ?)
		`, id, i, f.Name, string(f.Type), f.Attachment)
		if err != nil {
			return fmt.Errorf("create layer %s: field %s: %w", id, f.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create layer %s: commit: %w", id, err)
	}
	return nil
}

// LayerIDs returns all defined layer ids in alphabetical order.
func (s *Store) LayerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM layers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan layer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate layers: %w", err)
	}
	return ids, nil
}

// Layer opens an editable layer backed by this store.
func (s *Store) Layer(ctx context.Context, id string) (*layer.Editable, error) {
	backend, err := s.Backend(ctx, id)
	if err != nil {
		return nil, err
	}
	return layer.New(id, backend), nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the attachment column to databases created before it
// existed. New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(layer_fields)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	hasAttachment := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if name == "attachment" {
			hasAttachment = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}

	if hasAttachment {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE layer_fields ADD COLUMN attachment INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
