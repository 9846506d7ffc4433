package pitch

import (
	"fmt"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/keplear/keplear/pkg/audio"
)

// Spectral is an FFT-based pitch detector: Blackman window, magnitude peak
// search within the configured frequency band, parabolic interpolation for
// sub-bin accuracy, and an octave-halving correction when the spectrum shows
// comparable energy at half the peak frequency (a strong second harmonic
// masking the fundamental).
//
// It trades the autocorrelation detector's allocation-free inner loop for
// better behaviour on signals with weak fundamentals, such as piano notes.
type Spectral struct {
	cfg Config

	// windowCache holds Blackman coefficients keyed by the last frame size.
	windowCache []float64
}

// NewSpectral creates the detector, filling zero config fields with package
// defaults.
func NewSpectral(cfg Config) *Spectral {
	return &Spectral{cfg: cfg.withDefaults()}
}

// SetConfig swaps the tuning knobs between Detect calls.
func (s *Spectral) SetConfig(cfg Config) {
	s.cfg = cfg.withDefaults()
}

// Detect implements [Detector].
func (s *Spectral) Detect(frame audio.Frame) (float64, error) {
	samples := frame.Samples
	rate := float64(frame.SampleRate)
	if len(samples) == 0 || rate <= 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrNoSignal)
	}
	if meanAbsAmplitude(samples) < s.cfg.NoiseFloor {
		return 0, ErrNoSignal
	}

	if len(s.windowCache) != len(samples) {
		s.windowCache = window.Blackman(len(samples))
	}
	windowed := make([]float64, len(samples))
	for i, v := range samples {
		windowed[i] = v * s.windowCache[i]
	}
	spectrum := fft.FFTReal(windowed)

	binRes := rate / float64(len(samples))
	minBin := int(s.cfg.MinFrequency / binRes)
	maxBin := int(s.cfg.MaxFrequency / binRes)
	if minBin < 1 {
		minBin = 1
	}
	if maxBin > len(spectrum)/2 {
		maxBin = len(spectrum) / 2
	}
	if minBin >= maxBin {
		return 0, ErrNoStablePitch
	}

	peakMag := -1.0
	peakBin := -1
	for i := minBin; i < maxBin; i++ {
		if m := cmplx.Abs(spectrum[i]); m > peakMag {
			peakMag = m
			peakBin = i
		}
	}
	if peakBin < 0 || peakMag <= 0 {
		return 0, ErrNoStablePitch
	}

	// Octave correction: a note whose second harmonic dominates would
	// otherwise be reported an octave high. When the half-frequency bin
	// carries a comparable share of the peak's energy, report the lower one.
	if half := peakBin / 2; half >= minBin {
		if cmplx.Abs(spectrum[half]) >= s.cfg.MatchThreshold*peakMag {
			peakBin = half
			peakMag = cmplx.Abs(spectrum[half])
		}
	}

	// Parabolic interpolation over the peak and its neighbours for sub-bin
	// frequency resolution.
	delta := 0.0
	if peakBin > 0 && peakBin < len(spectrum)-1 {
		y1 := cmplx.Abs(spectrum[peakBin-1])
		y2 := peakMag
		y3 := cmplx.Abs(spectrum[peakBin+1])
		if denom := 2 * (2*y2 - y1 - y3); denom != 0 {
			delta = (y3 - y1) / denom
		}
	}

	return (float64(peakBin) + delta) * binRes, nil
}
