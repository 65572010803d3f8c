// Package store persists panel preferences, graph drafts and inspected node
// output values in an embedded libSQL database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/steprun/pkg/schema"
)

// LibSQLStore is the libSQL-backed store. It is safe for concurrent use.
type LibSQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLibSQLStore opens a libSQL database at the given path, e.g.
// "file:/path/to/steprun.db". Call Migrate before use.
func NewLibSQLStore(dbPath string, logger *slog.Logger) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &LibSQLStore{db: db, logger: logger.With(slog.String("component", "store"))}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// LoadWidth returns the stored width for a panel key.
func (s *LibSQLStore) LoadWidth(ctx context.Context, key string) (int, bool, error) {
	var width int
	err := s.db.QueryRowContext(ctx, `SELECT width FROM panel_preferences WHERE key = ?`, key).Scan(&width)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeError("load panel width", err)
	}
	return width, true, nil
}

// SaveWidth upserts the width for a panel key.
func (s *LibSQLStore) SaveWidth(ctx context.Context, key string, width int) error {
	if width <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "panel width must be positive, got %d", width)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO panel_preferences (key, width, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET width = excluded.width, updated_at = excluded.updated_at`,
		key, width,
	)
	if err != nil {
		return storeError("save panel width", err)
	}
	return nil
}

func storeError(op string, err error) *schema.StepError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func storeNotFound(resource, id string) *schema.StepError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
