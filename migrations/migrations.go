// Package migrations embeds the schema of every supported database so the
// binary carries its own migrations.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Dialects with an embedded migration set.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// Source returns the migration files of dialect, rooted at its directory.
func Source(dialect string) (fs.FS, error) {
	switch dialect {
	case SQLite, Postgres:
		return fs.Sub(files, dialect)
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
}
