package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc is called with the freshly loaded config and the diff against
// the previous one whenever the watched file changes. Returning an error
// keeps the previous config active.
type ReloadFunc func(cfg *Config, diff ConfigDiff) error

// Watcher polls a config file for changes and invokes a callback when the
// content actually differs. Polling is used instead of inotify so the
// watcher behaves the same on every platform and across bind mounts.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte
	lastMod  time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// DefaultWatchInterval is how often the config file is polled for changes.
const DefaultWatchInterval = 5 * time.Second

// NewWatcher loads the config at path and returns a watcher primed with it.
// The watcher does not poll until Start is called.
func NewWatcher(path string, interval time.Duration, onReload ReloadFunc) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stating config file %q: %w", path, err)
	}
	return &Watcher{
		path:     path,
		interval: interval,
		onReload: onReload,
		current:  cfg,
		lastHash: sha256.Sum256(raw),
		lastMod:  info.ModTime(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins polling until the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// Stop halts polling and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("Config file unreadable, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMod)
	w.mu.Unlock()
	if unchanged {
		return
	}

	raw, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("Config file unreadable, keeping current config", "path", w.path, "error", err)
		return
	}
	hash := sha256.Sum256(raw)

	w.mu.Lock()
	sameContent := hash == w.lastHash
	if sameContent {
		// Touched but not changed. Remember the new mtime so we do not
		// rehash on every poll.
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()
	if sameContent {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("Config reload failed validation, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	diff := Diff(w.current, cfg)
	w.mu.Unlock()

	if diff.Any() && w.onReload != nil {
		if err := w.onReload(cfg, diff); err != nil {
			slog.Error("Config reload rejected by application, keeping current config", "error", err)
			return
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.lastHash = hash
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	if !diff.Any() {
		slog.Info("Config file changed, but only fields that need a restart", "path", w.path)
		return
	}
	slog.Info("Config reloaded",
		"path", w.path,
		"detection_changed", diff.DetectionChanged,
		"debounce_changed", diff.DebounceChanged,
		"log_level_changed", diff.LogLevelChanged)
}
