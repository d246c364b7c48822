package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migrate applies the embedded schema for the given dialect.
func migrate(ctx context.Context, db *sql.DB, dialect string) error {
	var (
		dir      string
		gDialect goose.Dialect
	)
	switch dialect {
	case dialectPostgres:
		dir, gDialect = "migrations/postgres", goose.DialectPostgres
	case dialectSQLite:
		dir, gDialect = "migrations/sqlite", goose.DialectSQLite3
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(gDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("store.migrate: applied", "dialect", dialect, "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}
