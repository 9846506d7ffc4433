// Package pitch estimates the fundamental frequency of monophonic audio
// frames.
//
// Two interchangeable detectors are provided:
//
//   - [Autocorrelation]: time-domain normalized mean-difference correlation,
//     the default. Robust on plucked and picked strings and cheap enough to
//     run synchronously on every display tick.
//   - [Spectral]: FFT peak picking with parabolic interpolation and an
//     octave-halving harmonic correction.
//
// Both return explicit errors instead of partial results: [ErrNoSignal] when
// the frame is too quiet and [ErrNoStablePitch] when no candidate clears the
// detector's confidence threshold. Callers treat both as "no note this tick";
// neither is a user-visible failure.
package pitch

import (
	"errors"

	"github.com/keplear/keplear/pkg/audio"
)

// ErrNoSignal indicates the frame's mean absolute amplitude was below the
// configured noise floor.
var ErrNoSignal = errors.New("pitch: signal below noise floor")

// ErrNoStablePitch indicates no candidate frequency cleared the detector's
// match threshold.
var ErrNoStablePitch = errors.New("pitch: no stable pitch found")

// Detector estimates the fundamental frequency of a single audio frame.
// Implementations are synchronous and must not retain frame.Samples.
type Detector interface {
	// Detect returns the estimated fundamental in Hz, or [ErrNoSignal] /
	// [ErrNoStablePitch] when the frame carries no usable pitch.
	Detect(frame audio.Frame) (float64, error)
}

// Config holds the tuning knobs shared by all detectors. The thresholds are
// empirically tuned, not derived from a model; they are meant to be adjusted
// per instrument through configuration.
type Config struct {
	// MinFrequency is the lowest detectable fundamental in Hz. Default 80,
	// just below a bass guitar's low E string.
	MinFrequency float64

	// MaxFrequency is the highest detectable fundamental in Hz. Default 1200.
	MaxFrequency float64

	// NoiseFloor is the minimum mean absolute amplitude for a frame to be
	// considered signal at all. Default 0.01.
	NoiseFloor float64

	// MatchThreshold is the minimum correlation for the best-scoring lag to
	// be accepted. Default 0.5.
	MatchThreshold float64

	// StrongMatchThreshold is the correlation at which scanning stops early
	// on the first qualifying lag, biasing the result toward the fundamental
	// over its harmonics. Default 0.9.
	StrongMatchThreshold float64
}

// Default thresholds. Exported so config validation and tests agree on the
// fallback values.
const (
	DefaultMinFrequency         = 80.0
	DefaultMaxFrequency         = 1200.0
	DefaultNoiseFloor           = 0.01
	DefaultMatchThreshold       = 0.5
	DefaultStrongMatchThreshold = 0.9
)

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.MinFrequency <= 0 {
		c.MinFrequency = DefaultMinFrequency
	}
	if c.MaxFrequency <= 0 {
		c.MaxFrequency = DefaultMaxFrequency
	}
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = DefaultNoiseFloor
	}
	if c.MatchThreshold <= 0 {
		c.MatchThreshold = DefaultMatchThreshold
	}
	if c.StrongMatchThreshold <= 0 {
		c.StrongMatchThreshold = DefaultStrongMatchThreshold
	}
	return c
}

// meanAbsAmplitude returns the mean absolute sample value of the frame,
// used as the silence guard.
func meanAbsAmplitude(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= s
		} else {
			sum += s
		}
	}
	return sum / float64(len(samples))
}
