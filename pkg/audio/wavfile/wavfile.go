// Package wavfile provides an [audio.Source] that replays a WAV recording,
// used to grade practice takes offline. Multi-channel files are downmixed to
// mono and frames are paced at real time by default so the feedback beat
// clock lines up with the recording.
package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/keplear/keplear/pkg/audio"
)

// Config holds replay parameters for a WAV source.
type Config struct {
	// Path is the WAV file to replay.
	Path string

	// FrameSize is the number of samples per delivered frame. Default 2048.
	FrameSize int

	// SampleRate resamples the decoded audio to this rate, so a recording
	// made at a different rate still matches the configured analysis rate.
	// Zero keeps the file's own rate.
	SampleRate int

	// FastForward disables real-time pacing and delivers frames as fast as
	// the consumer accepts them. Timestamps still advance in stream time.
	FastForward bool
}

// Source replays a decoded WAV file as a stream of mono frames.
type Source struct {
	cfg    Config
	frames chan audio.Frame

	samples    []float64
	sampleRate int

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a WAV replay source. The file is decoded in Start.
func New(cfg Config) *Source {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 2048
	}
	return &Source{
		cfg:    cfg,
		frames: make(chan audio.Frame, 4),
		done:   make(chan struct{}),
	}
}

// Start implements [audio.Source]. It decodes the whole file up front and
// begins delivering frames from a background goroutine.
func (s *Source) Start(ctx context.Context) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("wav source: open %q: %w", s.cfg.Path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("wav source: decode %q: %w", s.cfg.Path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return fmt.Errorf("wav source: %q has no valid format", s.cfg.Path)
	}

	samples := audio.FromInt(buf.Data, int(dec.BitDepth))
	samples = audio.Downmix(samples, buf.Format.NumChannels)

	rate := buf.Format.SampleRate
	if s.cfg.SampleRate > 0 && s.cfg.SampleRate != rate {
		samples = audio.Resample(samples, rate, s.cfg.SampleRate)
		rate = s.cfg.SampleRate
	}

	s.samples = samples
	s.sampleRate = rate

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	slog.Info("wav replay started",
		"path", s.cfg.Path,
		"sample_rate", s.sampleRate,
		"channels", buf.Format.NumChannels,
		"samples", len(samples),
		"fast_forward", s.cfg.FastForward,
	)

	go s.replay(runCtx)
	return nil
}

// replay slices the decoded samples into frames and delivers them, pacing at
// the frame duration unless fast-forward is enabled. The frame channel is
// closed when the file is exhausted, which the analysis engine observes as
// end of stream.
func (s *Source) replay(ctx context.Context) {
	defer close(s.frames)
	defer close(s.done)

	frameDur := time.Duration(float64(s.cfg.FrameSize) / float64(s.sampleRate) * float64(time.Second))
	var ticker *time.Ticker
	if !s.cfg.FastForward {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}

	for offset := 0; offset+s.cfg.FrameSize <= len(s.samples); offset += s.cfg.FrameSize {
		frame := audio.Frame{
			Samples:    s.samples[offset : offset+s.cfg.FrameSize],
			SampleRate: s.sampleRate,
			Timestamp:  time.Duration(float64(offset) / float64(s.sampleRate) * float64(time.Second)),
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case s.frames <- frame:
		}
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame {
	return s.frames
}

// Close implements [audio.Source]. It stops replay and waits for the
// delivery goroutine to finish so no frame arrives after Close returns.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		} else {
			close(s.frames)
		}
	})
	return nil
}
