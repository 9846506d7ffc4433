// Package note converts between frequencies and musical notes.
//
// All conversions are anchored at concert pitch A4 = 440 Hz, which fixes the
// C0 reference at 440 * 2^-4.75, about 16.35 Hz. Every function is pure; invalid
// input (non-positive or non-finite frequencies, unknown note names) yields
// an explicit error rather than NaN or a silently wrong note.
package note

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFrequency is returned when a frequency is zero, negative, NaN,
// or infinite. Callers must check it before displaying a note.
var ErrInvalidFrequency = errors.New("note: invalid frequency")

// ErrUnknownNote is returned by [Frequency] for a pitch-class name outside
// the 12-tone chromatic set.
var ErrUnknownNote = errors.New("note: unknown note name")

// A4 is the concert-pitch tuning reference in Hz.
const A4 = 440.0

// a4Index is the semitone index of A within an octave starting at C.
const a4Index = 9

// a4Octave is the octave number of the tuning reference.
const a4Octave = 4

// c0 is the frequency of C0 derived from A4: 4 octaves and 9 semitones below
// 440 Hz, i.e. 440 * 2^(-57/12) = 440 * 2^-4.75.
var c0 = A4 * math.Pow(2, -4.75)

// PitchClass is one of the 12 chromatic note names, independent of octave.
type PitchClass string

// The 12 pitch classes in chromatic order starting at C. Sharps only; the
// practice UI handles enharmonic display.
const (
	C      PitchClass = "C"
	CSharp PitchClass = "C#"
	D      PitchClass = "D"
	DSharp PitchClass = "D#"
	E      PitchClass = "E"
	F      PitchClass = "F"
	FSharp PitchClass = "F#"
	G      PitchClass = "G"
	GSharp PitchClass = "G#"
	A      PitchClass = "A"
	ASharp PitchClass = "A#"
	B      PitchClass = "B"
)

// chromatic is the pitch-class circle indexed by semitone distance from C.
var chromatic = [12]PitchClass{C, CSharp, D, DSharp, E, F, FSharp, G, GSharp, A, ASharp, B}

// IsValid reports whether p is one of the 12 chromatic pitch classes.
func (p PitchClass) IsValid() bool {
	return p.index() >= 0
}

// index returns the semitone index of p within an octave starting at C, or
// -1 for an unknown name.
func (p PitchClass) index() int {
	for i, pc := range chromatic {
		if pc == p {
			return i
		}
	}
	return -1
}

// Note is a concrete detected or target pitch: a pitch class in a specific
// octave, with the raw frequency and its deviation from the nearest
// equal-tempered pitch in cents.
type Note struct {
	Class     PitchClass
	Octave    int
	Frequency float64
	Cents     float64
}

// String renders the note in scientific pitch notation, e.g. "A4".
func (n Note) String() string {
	return fmt.Sprintf("%s%d", n.Class, n.Octave)
}

// validFrequency reports whether f is usable: positive and finite.
func validFrequency(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}

// semitonesFromC0 returns the (fractional) semitone distance of f above C0.
func semitonesFromC0(f float64) float64 {
	return 12 * math.Log2(f/c0)
}

// FromFrequency maps a frequency to the nearest equal-tempered note.
// The Cents field carries the deviation from that note (positive = sharp).
func FromFrequency(f float64) (Note, error) {
	if !validFrequency(f) {
		return Note{}, fmt.Errorf("%w: %v", ErrInvalidFrequency, f)
	}
	semis := semitonesFromC0(f)
	rounded := math.Round(semis)

	idx := int(rounded) % 12
	if idx < 0 {
		idx += 12
	}
	return Note{
		Class:     chromatic[idx],
		Octave:    int(math.Floor(rounded / 12)),
		Frequency: f,
		Cents:     100 * (semis - rounded),
	}, nil
}

// Class returns the pitch class nearest to f.
func Class(f float64) (PitchClass, error) {
	n, err := FromFrequency(f)
	if err != nil {
		return "", err
	}
	return n.Class, nil
}

// Octave returns the octave number of the note nearest to f.
func Octave(f float64) (int, error) {
	n, err := FromFrequency(f)
	if err != nil {
		return 0, err
	}
	return n.Octave, nil
}

// CentsOffset returns the signed distance from target to f in cents, rounded
// to the nearest integer. Positive means f is sharp of target; one octave up
// is +1200.
func CentsOffset(f, target float64) (int, error) {
	if !validFrequency(f) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFrequency, f)
	}
	if !validFrequency(target) {
		return 0, fmt.Errorf("%w: target %v", ErrInvalidFrequency, target)
	}
	return int(math.Round(1200 * math.Log2(f/target))), nil
}

// Frequency returns the equal-tempered frequency of the given pitch class
// and octave, anchored at A4 = 440 Hz. Unknown pitch classes return 0 and
// [ErrUnknownNote].
func Frequency(class PitchClass, octave int) (float64, error) {
	idx := class.index()
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNote, string(class))
	}
	semisFromA4 := float64((octave-a4Octave)*12 + idx - a4Index)
	return A4 * math.Pow(2, semisFromA4/12), nil
}
