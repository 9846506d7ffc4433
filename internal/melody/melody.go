// Package melody models the target melodies a practice attempt is graded
// against, and loads exercise definitions from YAML files.
package melody

import (
	"errors"
	"fmt"
	"time"

	"github.com/keplear/keplear/internal/note"
)

// Note is one step of a target melody: a pitch class, optionally pinned to a
// specific octave, held for a number of beats.
type Note struct {
	// Class is the expected pitch class.
	Class note.PitchClass `yaml:"class"`

	// Octave pins the note to a specific octave. Nil means any octave of the
	// pitch class is accepted, which suits instruments practised across
	// positions.
	Octave *int `yaml:"octave"`

	// Beats is how long the note is held. Zero means the exercise's
	// beats-per-note default.
	Beats float64 `yaml:"beats"`
}

// Melody is an ordered sequence of target notes with its tempo.
type Melody struct {
	// Notes in playing order.
	Notes []Note

	// BPM is the metronome tempo in beats per minute.
	BPM float64

	// BeatsPerNote is the default duration of a note in beats, applied where
	// a note does not carry its own.
	BeatsPerNote float64
}

// Len returns the number of notes in the melody.
func (m Melody) Len() int { return len(m.Notes) }

// NoteBeats returns the duration of note i in beats, falling back to the
// melody default.
func (m Melody) NoteBeats(i int) float64 {
	if i >= 0 && i < len(m.Notes) && m.Notes[i].Beats > 0 {
		return m.Notes[i].Beats
	}
	if m.BeatsPerNote > 0 {
		return m.BeatsPerNote
	}
	return 1
}

// BeatDuration returns the wall-clock length of one beat.
func (m Melody) BeatDuration() time.Duration {
	if m.BPM <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / m.BPM)
}

// Validate checks the melody for playability: at least one note, a positive
// tempo, known pitch classes, and non-negative beat counts. All failures are
// joined into a single error.
func (m Melody) Validate() error {
	var errs []error
	if len(m.Notes) == 0 {
		errs = append(errs, errors.New("melody has no notes"))
	}
	if m.BPM <= 0 {
		errs = append(errs, fmt.Errorf("bpm %.1f must be positive", m.BPM))
	}
	for i, n := range m.Notes {
		if !n.Class.IsValid() {
			errs = append(errs, fmt.Errorf("notes[%d]: unknown pitch class %q", i, string(n.Class)))
		}
		if n.Beats < 0 {
			errs = append(errs, fmt.Errorf("notes[%d]: beats %.2f must not be negative", i, n.Beats))
		}
	}
	return errors.Join(errs...)
}
