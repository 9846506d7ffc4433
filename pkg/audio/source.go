// Package audio defines the frame type and capture-source abstraction used by
// the Keplear analysis pipeline, plus sample-format conversion helpers.
//
// The central abstraction is [Source]: something that produces a stream of
// fixed-size mono [Frame] windows at a known sample rate. Implementations live
// in adapter packages (audio/portaudio for live microphone input,
// audio/wavfile for offline grading of recorded takes). The interface is
// intentionally narrow so the analysis engine stays decoupled from capture
// details.
//
// This package lives under pkg/ because external capture adapters are
// expected to implement [Source].
package audio

import "context"

// Source produces a continuous stream of audio frames.
//
// Lifecycle: Start begins capture and must be called exactly once. Frames
// returns the delivery channel; it is closed when the stream ends, either
// because Close was called, the input was exhausted (file sources), or the
// underlying device was lost. Consumers treat an unexpected close as stream
// interruption.
//
// Implementations must be safe for concurrent use of Frames and Close.
type Source interface {
	// Start begins capturing. The supplied ctx governs the capture lifetime:
	// cancelling it stops the stream as if Close had been called.
	Start(ctx context.Context) error

	// Frames returns the channel on which captured frames are delivered.
	// The channel is buffered; when the consumer falls behind, sources drop
	// the oldest pending frame rather than block the capture callback.
	Frames() <-chan Frame

	// Close stops capture and releases the underlying device or file.
	// It is safe to call Close more than once; subsequent calls are no-ops.
	Close() error
}
