// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock records every method call so that tests can assert on call counts,
// and exposes exported fields the test can set to control behaviour.
//
// Typical usage:
//
//	src := mock.NewSource(8)
//	_ = src.Start(ctx)
//	src.Push(audio.Frame{Samples: sine, SampleRate: 44100})
//	src.Close() // closes the frame channel, simulating stream loss
package mock

import (
	"context"
	"sync"

	"github.com/keplear/keplear/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. Frames are injected with
// [Source.Push]; Close closes the channel, which consumers observe as the end
// of the stream.
type Source struct {
	mu sync.Mutex

	frames chan audio.Frame
	closed bool

	// StartError is returned by [Source.Start] when non-nil.
	StartError error

	// CloseError is returned by the first call to [Source.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource creates a mock source with a frame channel of the given capacity.
func NewSource(buffer int) *Source {
	return &Source{frames: make(chan audio.Frame, buffer)}
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartError
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame {
	return s.frames
}

// Close implements [audio.Source]. The first call closes the frame channel.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Push delivers a frame to consumers. Returns false if the source is closed
// or the buffer is full (the frame is dropped, mirroring real sources).
func (s *Source) Push(frame audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}
