package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/acme/voice-dispatch/internal/config"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLite wraps a single-node sqlx handle for local runs.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (and creates) the database file.
func NewSQLite(ctx context.Context, cfg config.SQLiteConfig) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer keeps compare-and-set updates serialised
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the sqlx handle.
func (s *SQLite) DB() *sqlx.DB {
	return s.db
}

// Close releases the database file.
func (s *SQLite) Close() error {
	return s.db.Close()
}
