package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the detection
// tuning knobs, the feedback debounce, and the log level. Capture and
// storage changes require a restart and are deliberately not surfaced here.
type ConfigDiff struct {
	DetectionChanged bool
	NewDetection     DetectionConfig

	DebounceChanged bool
	NewDebounce     Duration

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Any reports whether the diff carries at least one hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.DetectionChanged || d.DebounceChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// The detector name itself is not hot-swappable (a session holds the
	// detector instance), so compare only the tuning fields.
	oldTuning := old.Detection
	newTuning := new.Detection
	oldTuning.Detector = ""
	newTuning.Detector = ""
	if oldTuning != newTuning {
		d.DetectionChanged = true
		d.NewDetection = new.Detection
	}

	if old.Feedback.Debounce != new.Feedback.Debounce {
		d.DebounceChanged = true
		d.NewDebounce = new.Feedback.Debounce
	}

	return d
}
