// Package credstore persists the client's single bearer token in a local
// sqlite database so it survives process restarts. The store is a plain
// key-value table; absence of the token key is equivalent to "logged out".
package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tokenKey is the well-known key holding the bearer token.
const tokenKey = "accessToken"

// Store is a sqlite-backed credential store. It holds exactly zero or one
// token; writes are upserts.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the credential database at path and
// applies any pending schema migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credstore: open database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// applyMigrations brings the schema up to date from the embedded migration
// files.
func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("credstore: load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("credstore: init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("credstore: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("credstore: apply migrations: %w", err)
	}
	return nil
}

// Token returns the stored bearer token, or an empty string if none is
// stored. Absence is not an error.
func (s *Store) Token(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, tokenKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credstore: read token: %w", err)
	}
	return value, nil
}

// SetToken stores the bearer token, replacing any previous value.
func (s *Store) SetToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, tokenKey, token)
	if err != nil {
		return fmt.Errorf("credstore: store token: %w", err)
	}
	return nil
}

// DeleteToken removes the stored token. Deleting an absent token is a no-op.
func (s *Store) DeleteToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, tokenKey)
	if err != nil {
		return fmt.Errorf("credstore: delete token: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
