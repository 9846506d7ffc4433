// Command keplear is the Keplear practice server: it captures audio, runs
// pitch detection against a target melody, and serves live feedback and
// session history over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keplear/keplear/internal/app"
	"github.com/keplear/keplear/internal/config"
	"github.com/keplear/keplear/internal/observe"
	"github.com/keplear/keplear/internal/pitch"
	"github.com/keplear/keplear/pkg/audio"
	paudio "github.com/keplear/keplear/pkg/audio/portaudio"
	"github.com/keplear/keplear/pkg/audio/rawpcm"
	"github.com/keplear/keplear/pkg/audio/wavfile"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload tuning knobs when the config file changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can adjust it.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load configuration (via the watcher so reloads share one path) ───────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, config.DefaultWatchInterval,
		func(cfg *config.Config, diff config.ConfigDiff) error {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("Log level changed", "level", diff.NewLogLevel)
			}
			if application != nil {
				application.Manager().ApplyConfig(diff)
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "keplear: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "keplear: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("keplear starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("Failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Capture source registry ───────────────────────────────────────────────
	reg := config.NewRegistry()
	registerCaptureSources(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("Failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, http.ErrServerClosed) {
		slog.Error("Run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "err", err)
		return 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("Telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Capture source wiring ─────────────────────────────────────────────────────

// registerCaptureSources wires the built-in capture source factories into
// reg. "portaudio" records from the default input device; "wav" replays a
// file, which suits testing detectors against known recordings; "pcm" reads
// a headerless 16-bit stream from a file or pipe, for arecord/sox setups.
func registerCaptureSources(reg *config.Registry) {
	reg.RegisterSource("portaudio", func(entry config.CaptureConfig) (audio.Source, error) {
		return paudio.New(paudio.Config{
			SampleRate: entry.SampleRate,
			FrameSize:  entry.FrameSize,
		}), nil
	})

	reg.RegisterSource("wav", func(entry config.CaptureConfig) (audio.Source, error) {
		path := config.OptString(entry.Options, "path")
		if path == "" {
			return nil, errors.New("wav source requires options.path")
		}
		return wavfile.New(wavfile.Config{
			Path:        path,
			FrameSize:   entry.FrameSize,
			SampleRate:  entry.SampleRate,
			FastForward: config.OptBool(entry.Options, "fast_forward"),
		}), nil
	})

	reg.RegisterSource("pcm", func(entry config.CaptureConfig) (audio.Source, error) {
		path := config.OptString(entry.Options, "path")
		if path == "" {
			return nil, errors.New(`pcm source requires options.path ("-" for stdin)`)
		}
		return rawpcm.New(rawpcm.Config{
			Path:       path,
			SampleRate: entry.SampleRate,
			FrameSize:  entry.FrameSize,
			Channels:   config.OptInt(entry.Options, "channels"),
		}), nil
	})

	for _, name := range reg.SourceNames() {
		slog.Debug("registered capture source", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	detector := cfg.Detection.Detector
	if detector == "" {
		detector = pitch.DetectorNames[0]
	}
	storage := "(in-memory only)"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Keplear startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Capture", cfg.Capture.Source)
	printRow("Detector", detector)
	printRow("Storage", storage)
	printRow("Exercises", fmt.Sprintf("%d", len(cfg.Exercises)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
