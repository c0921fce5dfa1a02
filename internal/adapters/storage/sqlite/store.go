// Package sqlite provides a SQLite-backed session directory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	slide_count        INTEGER NOT NULL,
	allowed_reactions  TEXT NOT NULL,
	requires_auth      INTEGER NOT NULL DEFAULT 0,
	moderate_questions INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	closed_at          INTEGER
);`

// Store persists session configuration in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite directory and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Create inserts or replaces a session record and reopens it if it was closed.
func (s *Store) Create(ctx context.Context, cfg domain.SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(cfg.ID)) == "" {
		return fmt.Errorf("session id is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	reactions, err := json.Marshal(cfg.AllowedReactions)
	if err != nil {
		return fmt.Errorf("encode reactions: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, slide_count, allowed_reactions, requires_auth, moderate_questions, created_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT(id) DO UPDATE SET
	slide_count = excluded.slide_count,
	allowed_reactions = excluded.allowed_reactions,
	requires_auth = excluded.requires_auth,
	moderate_questions = excluded.moderate_questions,
	closed_at = NULL`,
		string(cfg.ID), cfg.SlideCount, string(reactions), cfg.RequiresAuth, cfg.ModerateQuestions, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", cfg.ID, err)
	}
	return nil
}

// GetConfig returns the record, ErrSessionNotFound or ErrSessionClosed.
func (s *Store) GetConfig(ctx context.Context, id domain.SessionID) (domain.SessionConfig, error) {
	var (
		cfg       = domain.SessionConfig{ID: id}
		reactions string
		closedAt  sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT slide_count, allowed_reactions, requires_auth, moderate_questions, closed_at
FROM sessions WHERE id = ?`, string(id)).Scan(
		&cfg.SlideCount, &reactions, &cfg.RequiresAuth, &cfg.ModerateQuestions, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionConfig{}, core.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionConfig{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if closedAt.Valid {
		return domain.SessionConfig{}, core.ErrSessionClosed
	}
	if err := json.Unmarshal([]byte(reactions), &cfg.AllowedReactions); err != nil {
		return domain.SessionConfig{}, fmt.Errorf("decode reactions for %s: %w", id, err)
	}
	return cfg, nil
}

func (s *Store) MarkClosed(ctx context.Context, id domain.SessionID) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		toMillis(time.Now()), string(id))
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetConfig(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
