// Package results defines the practice session history model and the Store
// interface its persistence backends implement.
package results

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session ID has no stored record.
var ErrNotFound = errors.New("results: session not found")

// NoteResult is the outcome of a single expected note within a session.
type NoteResult struct {
	// NoteIndex is the zero-based position of the note in the melody.
	NoteIndex int `json:"noteIndex"`

	// Expected is the note the player was asked to produce, e.g. "A4" or
	// "F#" when the exercise does not pin an octave.
	Expected string `json:"expected"`

	// Correct reports whether a matching pitch arrived inside the note's
	// beat window.
	Correct bool `json:"correct"`

	// DetectedFrequency is the pitch (Hz) that settled the note, or 0 when
	// the window expired with nothing detected.
	DetectedFrequency float64 `json:"detectedFrequency,omitempty"`
}

// Session is the stored record of one completed (or interrupted) practice run.
type Session struct {
	ID         string       `json:"id"`
	Exercise   string       `json:"exercise"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Notes      []NoteResult `json:"notes"`
}

// CorrectCount returns how many notes in the session were hit.
func (s Session) CorrectCount() int {
	n := 0
	for _, r := range s.Notes {
		if r.Correct {
			n++
		}
	}
	return n
}

// ListOpts filters a ListSessions call. Zero values mean "no filter".
type ListOpts struct {
	// Exercise restricts results to sessions of one exercise.
	Exercise string

	// After restricts results to sessions started after this instant.
	After time.Time

	// Limit caps the number of returned sessions; 0 means no cap.
	Limit int
}

// Store persists practice sessions. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveSession writes a finished session, including its per-note results.
	SaveSession(ctx context.Context, s Session) error

	// GetSession returns one session by ID, or ErrNotFound.
	GetSession(ctx context.Context, id string) (Session, error)

	// ListSessions returns sessions matching opts, newest first.
	ListSessions(ctx context.Context, opts ListOpts) ([]Session, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
