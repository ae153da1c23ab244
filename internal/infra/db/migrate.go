package db

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate applies the embedded schema for the given dialect (postgres or sqlite3).
func Migrate(db *sqlx.DB, dialect string) error {
	dir := "migrations/postgres"
	if dialect == "sqlite3" {
		dir = "migrations/sqlite"
	}

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrate: dialect %s: %w", dialect, err)
	}
	if err := goose.Up(db.DB, dir); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}
