package pitch

import (
	"fmt"

	"github.com/keplear/keplear/pkg/audio"
)

// Autocorrelation is the default time-domain pitch detector. It scores each
// candidate period by a normalized mean-difference correlation
//
//	correlation[lag] = 1 - sum(|x[i] - x[i+lag]|) / n
//
// and scans lags from the shortest candidate period (highest frequency)
// toward the longest. Once a lag clears the strong-match threshold the scan
// continues only to the top of that correlation run: the first strong local
// peak wins, refined to sub-sample resolution with a parabolic fit through
// its neighbours. Stopping at the first strong peak is the standard defence
// against octave errors, where a sub-octave lag can correlate better than
// the fundamental's; taking the peak rather than the threshold crossing
// keeps low notes from reading sharp, where a single lag is worth tens of
// cents. Otherwise the best-scoring lag in range is accepted if it clears
// the match threshold.
//
// Detect runs in O(n * lagRange) with no allocations, which keeps a
// per-display-tick invocation cheap for the frame sizes in use.
type Autocorrelation struct {
	cfg Config
}

// NewAutocorrelation creates the detector, filling zero config fields with
// package defaults.
func NewAutocorrelation(cfg Config) *Autocorrelation {
	return &Autocorrelation{cfg: cfg.withDefaults()}
}

// SetConfig swaps the tuning knobs. Not safe to call concurrently with
// Detect; config hot-reloads take effect on the next session.
func (a *Autocorrelation) SetConfig(cfg Config) {
	a.cfg = cfg.withDefaults()
}

// Detect implements [Detector].
func (a *Autocorrelation) Detect(frame audio.Frame) (float64, error) {
	samples := frame.Samples
	rate := float64(frame.SampleRate)
	if len(samples) == 0 || rate <= 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrNoSignal)
	}

	if meanAbsAmplitude(samples) < a.cfg.NoiseFloor {
		return 0, ErrNoSignal
	}

	// Candidate period range in samples. The comparison window is half the
	// frame so every lag in range has a full window to difference against.
	n := len(samples) / 2
	minLag := int(rate / a.cfg.MaxFrequency)
	maxLag := int(rate / a.cfg.MinFrequency)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag > n {
		maxLag = n
	}
	if minLag >= maxLag {
		return 0, ErrNoStablePitch
	}

	bestCorrelation := 0.0
	bestLag := -1
	prev2, prev := 0.0, 0.0
	strong := false

	for lag := minLag; lag <= maxLag; lag++ {
		var diff float64
		for i := 0; i < n; i++ {
			d := samples[i] - samples[i+lag]
			if d < 0 {
				d = -d
			}
			diff += d
		}
		correlation := 1 - diff/float64(n)

		if strong && correlation < prev {
			// prev, at lag-1, tops a strong correlation run. Stopping here,
			// before longer (sub-octave) lags get a chance to score higher,
			// biases toward the fundamental.
			return rate / refinePeriod(lag-1, minLag, prev2, prev, correlation), nil
		}
		if correlation > a.cfg.StrongMatchThreshold {
			strong = true
		}
		if correlation > bestCorrelation {
			bestCorrelation = correlation
			bestLag = lag
		}
		prev2, prev = prev, correlation
	}

	if strong {
		// Still rising at the longest candidate period.
		return rate / float64(maxLag), nil
	}
	if bestLag < 0 || bestCorrelation <= a.cfg.MatchThreshold {
		return 0, ErrNoStablePitch
	}
	return rate / float64(bestLag), nil
}

// refinePeriod interpolates the true period around an integer peak lag by
// fitting a parabola through the correlations at peak-1, peak and peak+1.
// A single lag is coarse at long periods (a full lag at 82 Hz spans ~3 Hz),
// so the sub-sample vertex matters most for low notes. Falls back to the
// integer lag when the peak sits at the scan boundary or the fit degenerates.
func refinePeriod(peak, minLag int, c1, c2, c3 float64) float64 {
	if peak-1 < minLag {
		return float64(peak)
	}
	denom := 2 * (2*c2 - c1 - c3)
	if denom == 0 {
		return float64(peak)
	}
	delta := (c3 - c1) / denom
	if delta < -0.5 || delta > 0.5 {
		return float64(peak)
	}
	return float64(peak) + delta
}
