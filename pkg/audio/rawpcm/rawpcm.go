// Package rawpcm provides an [audio.Source] that reads headerless
// little-endian 16-bit PCM from a file, FIFO, or stdin. This is the stream
// format capture tools like arecord and sox emit, so a shell pipeline can
// stand in for a microphone:
//
//	arecord -f S16_LE -r 44100 -t raw | keplear
//
// The producer sets the pace. A live pipe delivers in real time; a regular
// file replays as fast as the consumer accepts frames.
package rawpcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/keplear/keplear/pkg/audio"
)

// Config holds stream parameters for a raw PCM source. The format carries
// no header, so the rate and channel count must be stated up front.
type Config struct {
	// Path is the file or FIFO to read, or "-" for stdin.
	Path string

	// SampleRate of the incoming PCM in Hz. Default 44100.
	SampleRate int

	// FrameSize is the number of samples per delivered frame. Default 2048.
	FrameSize int

	// Channels is the interleaved channel count; multi-channel input is
	// downmixed to mono. Default 1.
	Channels int
}

// Source reads a raw PCM byte stream and delivers mono frames.
type Source struct {
	cfg    Config
	frames chan audio.Frame
	conv   audio.SampleConverter

	file      *os.File
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a raw PCM source. The stream is opened in Start.
func New(cfg Config) *Source {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 2048
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Source{
		cfg:    cfg,
		frames: make(chan audio.Frame, 4),
		done:   make(chan struct{}),
	}
}

// Start implements [audio.Source]. It opens the stream and begins reading
// frames from a background goroutine.
func (s *Source) Start(ctx context.Context) error {
	if s.cfg.Path == "-" {
		s.file = os.Stdin
	} else {
		f, err := os.Open(s.cfg.Path)
		if err != nil {
			return fmt.Errorf("pcm source: open %q: %w", s.cfg.Path, err)
		}
		s.file = f
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	slog.Info("raw pcm capture started",
		"path", s.cfg.Path,
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"frame_size", s.cfg.FrameSize,
	)

	go s.pump(runCtx)
	return nil
}

// pump reads fixed-size byte chunks, converts them to mono float64 frames
// and delivers them. The frame channel is closed when the stream ends, which
// the analysis engine observes as end of stream.
func (s *Source) pump(ctx context.Context) {
	defer close(s.frames)
	defer close(s.done)

	chunk := make([]byte, s.cfg.FrameSize*s.cfg.Channels*2)
	var delivered int
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := io.ReadFull(s.file, chunk)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Error("raw pcm read failed", "path", s.cfg.Path, "error", err)
			}
			return
		}

		samples := s.conv.FromPCM16(chunk[:n])
		samples = audio.Downmix(samples, s.cfg.Channels)
		frame := audio.Frame{
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Timestamp:  time.Duration(float64(delivered) / float64(s.cfg.SampleRate) * float64(time.Second)),
		}
		delivered += len(samples)

		select {
		case <-ctx.Done():
			return
		case s.frames <- frame:
		}

		// A short read means the stream ended mid-frame; the partial frame
		// above was still worth delivering.
		if err != nil {
			return
		}
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame {
	return s.frames
}

// Close implements [audio.Source]. Closing the file unblocks a pending read
// on a pipe, and the reader goroutine is waited out so no frame arrives
// after Close returns.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			close(s.frames)
			return
		}
		s.cancel()
		if s.file != os.Stdin {
			_ = s.file.Close()
		}
		<-s.done
	})
	return nil
}
