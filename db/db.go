// Package db provides the optional Postgres audit log for chat traffic.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for the audit log.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_lines (
			id SERIAL PRIMARY KEY,
			direction TEXT NOT NULL CHECK (direction IN ('in', 'out')),
			channel TEXT,
			line TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_lines_created ON chat_lines(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_lines_channel ON chat_lines(channel, created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// LineStore persists a copy of inbound and outbound chat traffic. It
// implements the transport's LineLogger hook; inserts are best-effort and
// never affect delivery.
type LineStore struct{ DB *sql.DB }

// LogInbound records a raw inbound line. The core does no parsing, so the
// line is stored verbatim with no channel attribution.
func (s *LineStore) LogInbound(ctx context.Context, raw string) {
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO chat_lines (direction, line) VALUES ('in', $1)`, raw); err != nil {
		slog.Error("failed to insert inbound chat line", slog.Any("err", err))
	}
}

// LogOutbound records one delivered outbound message.
func (s *LineStore) LogOutbound(ctx context.Context, channel, text string) {
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO chat_lines (direction, channel, line) VALUES ('out', $1, $2)`, channel, text); err != nil {
		slog.Error("failed to insert outbound chat line", slog.Any("err", err))
	}
}
