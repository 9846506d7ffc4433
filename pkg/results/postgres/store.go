// Package postgres provides a PostgreSQL-backed [results.Store].
//
// Sessions and their per-note outcomes live in two tables joined by session
// ID. [NewStore] runs an idempotent migration on startup, so no external
// schema management is required.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keplear/keplear/pkg/results"
)

var _ results.Store = (*Store)(nil)

// Store is a PostgreSQL-backed session history store. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("results store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveSession implements [results.Store]. The session row and its note rows
// are written in one transaction.
func (s *Store) SaveSession(ctx context.Context, sess results.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("results store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSession = `
		INSERT INTO practice_sessions (id, exercise, status, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := tx.Exec(ctx, insertSession,
		sess.ID, sess.Exercise, sess.Status, sess.StartedAt, sess.FinishedAt,
	); err != nil {
		return fmt.Errorf("results store: insert session: %w", err)
	}

	const insertNote = `
		INSERT INTO note_results (session_id, note_index, expected, correct, detected_hz)
		VALUES ($1, $2, $3, $4, $5)`

	for _, n := range sess.Notes {
		if _, err := tx.Exec(ctx, insertNote,
			sess.ID, n.NoteIndex, n.Expected, n.Correct, n.DetectedFrequency,
		); err != nil {
			return fmt.Errorf("results store: insert note %d: %w", n.NoteIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("results store: commit: %w", err)
	}
	return nil
}

// GetSession implements [results.Store].
func (s *Store) GetSession(ctx context.Context, id string) (results.Session, error) {
	const q = `
		SELECT id, exercise, status, started_at, finished_at
		FROM   practice_sessions
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	var sess results.Session
	err := row.Scan(&sess.ID, &sess.Exercise, &sess.Status, &sess.StartedAt, &sess.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return results.Session{}, results.ErrNotFound
	}
	if err != nil {
		return results.Session{}, fmt.Errorf("results store: get session: %w", err)
	}

	sess.Notes, err = s.notesFor(ctx, id)
	if err != nil {
		return results.Session{}, err
	}
	return sess, nil
}

// ListSessions implements [results.Store]. Note rows are loaded per session;
// session listings are small enough that the extra round trips do not matter.
func (s *Store) ListSessions(ctx context.Context, opts results.ListOpts) ([]results.Session, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"TRUE"}
	if opts.Exercise != "" {
		conditions = append(conditions, "exercise = "+next(opts.Exercise))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started_at > "+next(opts.After))
	}

	q := "SELECT id, exercise, status, started_at, finished_at\n" +
		"FROM   practice_sessions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY started_at DESC"

	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("results store: list sessions: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (results.Session, error) {
		var sess results.Session
		err := row.Scan(&sess.ID, &sess.Exercise, &sess.Status, &sess.StartedAt, &sess.FinishedAt)
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("results store: scan sessions: %w", err)
	}

	for i := range sessions {
		sessions[i].Notes, err = s.notesFor(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
	}
	if sessions == nil {
		sessions = []results.Session{}
	}
	return sessions, nil
}

// Ping implements [results.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [results.Store].
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) notesFor(ctx context.Context, sessionID string) ([]results.NoteResult, error) {
	const q = `
		SELECT note_index, expected, correct, detected_hz
		FROM   note_results
		WHERE  session_id = $1
		ORDER  BY note_index`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("results store: query notes: %w", err)
	}
	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (results.NoteResult, error) {
		var n results.NoteResult
		err := row.Scan(&n.NoteIndex, &n.Expected, &n.Correct, &n.DetectedFrequency)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("results store: scan notes: %w", err)
	}
	if notes == nil {
		notes = []results.NoteResult{}
	}
	return notes, nil
}
