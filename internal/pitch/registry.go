package pitch

import (
	"errors"
	"fmt"
)

// ErrUnknownDetector is returned by [New] for a detector name that is not
// registered.
var ErrUnknownDetector = errors.New("pitch: unknown detector")

// DetectorNames lists the built-in detector names, used by config validation
// and the startup summary.
var DetectorNames = []string{"autocorrelation", "spectral"}

// New constructs the named detector with the given config.
func New(name string, cfg Config) (Detector, error) {
	switch name {
	case "", "autocorrelation":
		return NewAutocorrelation(cfg), nil
	case "spectral":
		return NewSpectral(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDetector, name, DetectorNames)
	}
}

// Retunable is implemented by detectors whose thresholds can be swapped
// between Detect calls. Both built-in detectors implement it; the session
// manager uses it when applying config reloads between sessions.
type Retunable interface {
	SetConfig(Config)
}
