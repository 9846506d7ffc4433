package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS practice_sessions (
    id          TEXT         PRIMARY KEY,
    exercise    TEXT         NOT NULL,
    status      TEXT         NOT NULL,
    started_at  TIMESTAMPTZ  NOT NULL,
    finished_at TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_practice_sessions_exercise
    ON practice_sessions (exercise);

CREATE INDEX IF NOT EXISTS idx_practice_sessions_started_at
    ON practice_sessions (started_at);
`

const ddlNoteResults = `
CREATE TABLE IF NOT EXISTS note_results (
    session_id  TEXT     NOT NULL REFERENCES practice_sessions (id) ON DELETE CASCADE,
    note_index  INTEGER  NOT NULL,
    expected    TEXT     NOT NULL,
    correct     BOOLEAN  NOT NULL,
    detected_hz DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, note_index)
);
`

// Migrate creates the session history tables if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlNoteResults} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("results migrate: %w", err)
		}
	}
	return nil
}
