// internal/core/db/migrations.go
package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/ruleskeeper/migrations"
)

/*
 * Schema migrations.
 *
 * The migration set is the embedded .sql files of the connection's dialect,
 * applied in file name order. Every applied file is recorded in the
 * migrations table with its SHA-256 checksum. A recorded file that is no
 * longer embedded, or whose checksum changed, stops MigrateUp before any
 * pending file runs.
 *
 * A file runs statement by statement (lib/pq rejects multi-statement Exec)
 * inside one transaction that also inserts its migrations row.
 */

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

type migration struct {
	ID       string
	Checksum string
	SQL      string
}

type appliedMigration struct {
	ID          string    `db:"migration_id"`
	Checksum    string    `db:"checksum"`
	AppliedAt   Timestamp `db:"applied_at"`
	ExecutionMs int64     `db:"execution_ms"`
}

// Keep in sync with the migrations table in 001_initial_schema.sql.
var migrationsTable = map[string]string{
	migrations.SQLite: `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			execution_ms INTEGER NOT NULL,
			CHECK (applied_at LIKE '____-__-__T__:__:__Z')
		)`,
	migrations.Postgres: `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
			execution_ms INTEGER NOT NULL
		)`,
}

type migrator struct {
	db      *sqlx.DB
	dialect string
	files   []migration
	applied map[string]appliedMigration
}

// newMigrator reads the embedded set and the recorded history, creating
// the migrations table on first use.
func newMigrator(db *sqlx.DB) (*migrator, error) {
	m := &migrator{db: db}
	switch {
	case IsSQLite(db):
		m.dialect = migrations.SQLite
	case db.DriverName() == DriverPostgres:
		m.dialect = migrations.Postgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", db.DriverName())
	}

	if _, err := db.Exec(migrationsTable[m.dialect]); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	src, err := migrations.Source(m.dialect)
	if err != nil {
		return nil, err
	}
	if m.files, err = readMigrations(src); err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var rows []appliedMigration
	if err := db.Select(&rows, "SELECT migration_id, checksum, applied_at, execution_ms FROM migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	m.applied = make(map[string]appliedMigration, len(rows))
	for _, row := range rows {
		m.applied[row.ID] = row
	}
	return m, nil
}

// readMigrations returns the .sql files of src in name order.
func readMigrations(src fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(src, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			ID:       e.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(content),
		})
	}
	return out, nil
}

func (m *migrator) verify() error {
	embedded := make(map[string]string, len(m.files))
	for _, f := range m.files {
		embedded[f.ID] = f.Checksum
	}
	for id, row := range m.applied {
		want, ok := embedded[id]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", id)
		}
		if row.Checksum != want {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", id, want, row.Checksum)
		}
	}
	return nil
}

func (m *migrator) apply(f migration) error {
	start := time.Now()
	tx, err := m.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %s: %w", f.ID, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(f.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", f.ID, err)
		}
	}

	now := time.Now().UTC()
	var appliedAt any = now
	if m.dialect == migrations.SQLite {
		appliedAt = now.Format(time.RFC3339)
	}
	_, err = tx.Exec(
		tx.Rebind("INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)"),
		f.ID, f.Checksum, appliedAt, time.Since(start).Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", f.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", f.ID, err)
	}
	return nil
}

// MigrateUp applies every pending migration of the connection's dialect.
func MigrateUp(db *sqlx.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.verify(); err != nil {
		return fmt.Errorf("migration checksum validation failed: %w", err)
	}
	for _, f := range m.files {
		if _, done := m.applied[f.ID]; done {
			continue
		}
		if err := m.apply(f); err != nil {
			return err
		}
	}
	return nil
}

// MigrateStatus lists the embedded migrations with their applied state.
func MigrateStatus(db *sqlx.DB) ([]MigrationStatus, error) {
	m, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	statuses := make([]MigrationStatus, 0, len(m.files))
	for _, f := range m.files {
		row, ok := m.applied[f.ID]
		if !ok {
			statuses = append(statuses, MigrationStatus{ID: f.ID, Checksum: f.Checksum})
			continue
		}
		appliedAt := row.AppliedAt.Time
		statuses = append(statuses, MigrationStatus{
			ID:          row.ID,
			Checksum:    row.Checksum,
			Applied:     true,
			AppliedAt:   &appliedAt,
			ExecutionMs: row.ExecutionMs,
		})
	}
	return statuses, nil
}

// splitStatements drops whole-line "--" comments, so a statement preceded
// by a comment block is kept, and splits on semicolons.
func splitStatements(sql string) []string {
	var kept []string
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
