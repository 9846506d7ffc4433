package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/keplear/keplear/internal/pitch"
)

// KnownSources lists the capture source names that ship with Keplear.
// Used by [Validate] to warn about unrecognised names.
var KnownSources = []string{"pcm", "portaudio", "wav"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Unknown source or detector names only warn, so third-party registrations
// keep working.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	if cfg.Capture.Source != "" && !slices.Contains(KnownSources, cfg.Capture.Source) {
		slog.Warn("unknown capture source; may be a typo or third-party source",
			"name", cfg.Capture.Source,
			"known", KnownSources,
		)
	}
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must not be negative", cfg.Capture.FrameSize))
	}
	if fs := cfg.Capture.FrameSize; fs > 0 && fs&(fs-1) != 0 {
		slog.Warn("capture.frame_size is not a power of two; the spectral detector degrades on odd sizes",
			"frame_size", fs,
		)
	}

	// Detection
	if cfg.Detection.Detector != "" && !slices.Contains(pitch.DetectorNames, cfg.Detection.Detector) {
		slog.Warn("unknown detector name", "name", cfg.Detection.Detector, "known", pitch.DetectorNames)
	}
	d := cfg.Detection
	if d.MinFrequency < 0 || d.MaxFrequency < 0 {
		errs = append(errs, errors.New("detection frequencies must not be negative"))
	}
	if d.MinFrequency > 0 && d.MaxFrequency > 0 && d.MinFrequency >= d.MaxFrequency {
		errs = append(errs, fmt.Errorf("detection.min_frequency %.1f must be below max_frequency %.1f", d.MinFrequency, d.MaxFrequency))
	}
	for name, v := range map[string]float64{
		"detection.noise_floor":            d.NoiseFloor,
		"detection.match_threshold":        d.MatchThreshold,
		"detection.strong_match_threshold": d.StrongMatchThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.3f is out of range [0, 1]", name, v))
		}
	}
	if d.MatchThreshold > 0 && d.StrongMatchThreshold > 0 && d.MatchThreshold > d.StrongMatchThreshold {
		errs = append(errs, fmt.Errorf("detection.match_threshold %.2f must not exceed strong_match_threshold %.2f", d.MatchThreshold, d.StrongMatchThreshold))
	}

	// Feedback
	if cfg.Feedback.CountInBeats != nil && *cfg.Feedback.CountInBeats < 0 {
		errs = append(errs, fmt.Errorf("feedback.count_in_beats %d must not be negative", *cfg.Feedback.CountInBeats))
	}
	if cfg.Feedback.Debounce < 0 {
		errs = append(errs, errors.New("feedback.debounce must not be negative"))
	}
	if cfg.Feedback.TickInterval < 0 {
		errs = append(errs, errors.New("feedback.tick_interval must not be negative"))
	}

	// Exercises
	for i, path := range cfg.Exercises {
		if path == "" {
			errs = append(errs, fmt.Errorf("exercises[%d] is an empty path", i))
		}
	}
	if len(cfg.Exercises) == 0 {
		slog.Warn("no exercise files configured; no sessions can be started")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; completed attempts will not be persisted")
	}

	return errors.Join(errs...)
}
