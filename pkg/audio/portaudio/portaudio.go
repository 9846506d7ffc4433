// Package portaudio provides a microphone [audio.Source] backed by the
// PortAudio library.
//
// The source opens the default mono input device and delivers fixed-size
// frames from the PortAudio capture callback. The callback must never block,
// so frames are handed off through a buffered channel; if the consumer falls
// behind, the oldest pending frame is dropped in favour of the newest; the
// analysis loop only ever wants the latest window anyway.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/keplear/keplear/pkg/audio"
)

// Config holds capture parameters for a microphone source.
type Config struct {
	// SampleRate in Hz. Default 44100.
	SampleRate int

	// FrameSize is the number of samples per delivered frame. Default 2048.
	FrameSize int
}

// Source captures mono audio from the default input device.
// Obtain one via [New]; all methods are safe for concurrent use.
type Source struct {
	cfg    Config
	frames chan audio.Frame

	mu        sync.Mutex
	stream    *pa.Stream
	started   time.Time
	closed    bool
	closeOnce sync.Once
}

// New creates a microphone source. PortAudio itself is initialised in Start,
// not here, so constructing a Source is cheap and error-free.
func New(cfg Config) *Source {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 2048
	}
	return &Source{
		cfg:    cfg,
		frames: make(chan audio.Frame, 4),
	}
}

// Start implements [audio.Source]. It initialises PortAudio, opens the
// default mono input stream, and begins capture. Cancelling ctx closes the
// source.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("portaudio source: already closed")
	}
	if s.stream != nil {
		return fmt.Errorf("portaudio source: already started")
	}

	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio source: initialize: %w", err)
	}

	stream, err := pa.OpenDefaultStream(1, 0, float64(s.cfg.SampleRate), s.cfg.FrameSize, s.capture)
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("portaudio source: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return fmt.Errorf("portaudio source: start stream: %w", err)
	}

	s.stream = stream
	s.started = time.Now()
	slog.Info("microphone capture started",
		"sample_rate", s.cfg.SampleRate,
		"frame_size", s.cfg.FrameSize,
	)

	context.AfterFunc(ctx, func() { _ = s.Close() })
	return nil
}

// capture is the PortAudio input callback. It runs on a PortAudio-owned
// thread and must not block.
func (s *Source) capture(in []float32) {
	frame := audio.Frame{
		Samples:    audio.FromFloat32(in),
		SampleRate: s.cfg.SampleRate,
		Timestamp:  time.Since(s.started),
	}
	select {
	case s.frames <- frame:
	default:
		// Consumer is behind: drop the oldest pending frame, keep the newest.
		select {
		case <-s.frames:
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame {
	return s.frames
}

// Close implements [audio.Source]. It stops the stream, terminates PortAudio,
// and closes the frame channel.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()

		if stream != nil {
			if stopErr := stream.Stop(); stopErr != nil {
				err = fmt.Errorf("portaudio source: stop stream: %w", stopErr)
			}
			if closeErr := stream.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("portaudio source: close stream: %w", closeErr)
			}
			if termErr := pa.Terminate(); termErr != nil && err == nil {
				err = fmt.Errorf("portaudio source: terminate: %w", termErr)
			}
		}
		close(s.frames)
	})
	return err
}
