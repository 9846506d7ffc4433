package melody

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ExerciseFile is the top-level structure of a Keplear exercise YAML file.
//
// Example:
//
//	exercise:
//	  name: "C major walk"
//	  instrument: guitar
//	  description: "Ascending four-note fragment."
//	melody:
//	  bpm: 80
//	  beats_per_note: 1
//	  notes:
//	    - {class: C, octave: 4}
//	    - {class: D, octave: 4}
//	    - {class: E, octave: 4}
//	    - {class: F, octave: 4}
type ExerciseFile struct {
	Exercise ExerciseMeta `yaml:"exercise"`
	Melody   MelodyDef    `yaml:"melody"`
}

// ExerciseMeta holds display metadata for an exercise.
type ExerciseMeta struct {
	// Name is the exercise's display name.
	Name string `yaml:"name"`

	// Description is a free-text summary shown in the exercise list.
	Description string `yaml:"description"`

	// Instrument is the intended instrument identifier (e.g., "guitar",
	// "bass", "keyboard").
	Instrument string `yaml:"instrument"`
}

// MelodyDef is the YAML shape of a target melody.
type MelodyDef struct {
	BPM          float64 `yaml:"bpm"`
	BeatsPerNote float64 `yaml:"beats_per_note"`
	Notes        []Note  `yaml:"notes"`
}

// Melody converts the YAML definition into a [Melody].
func (d MelodyDef) Melody() Melody {
	return Melody{
		Notes:        d.Notes,
		BPM:          d.BPM,
		BeatsPerNote: d.BeatsPerNote,
	}
}

// LoadFile reads and parses an exercise YAML file from disk, validating the
// contained melody. Returns a descriptive error if the file cannot be
// opened, parsed, or played.
func LoadFile(path string) (*ExerciseFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("melody: open exercise file %q: %w", path, err)
	}
	defer f.Close()

	ex, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("melody: parse exercise file %q: %w", path, err)
	}
	return ex, nil
}

// LoadFromReader parses exercise YAML from an [io.Reader] and validates it.
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadFromReader(r io.Reader) (*ExerciseFile, error) {
	var ex ExerciseFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&ex); err != nil {
		return nil, fmt.Errorf("melody: decode exercise yaml: %w", err)
	}
	if ex.Exercise.Name == "" {
		return nil, fmt.Errorf("melody: exercise.name is required")
	}
	if err := ex.Melody.Melody().Validate(); err != nil {
		return nil, fmt.Errorf("melody: exercise %q: %w", ex.Exercise.Name, err)
	}
	return &ex, nil
}
