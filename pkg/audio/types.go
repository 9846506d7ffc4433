package audio

import "time"

// Frame is a single window of captured audio flowing through the analysis
// pipeline. Samples are normalized time-domain values in [-1, 1], mono.
//
// Frames are transient: a capture source may reuse the backing array on the
// next capture tick, so consumers must not retain the Samples slice across
// ticks. Copy out derived values (a pitch estimate, a note) instead.
type Frame struct {
	// Samples holds the normalized mono samples for this window.
	Samples []float64

	// SampleRate in Hz (e.g., 44100 for a microphone stream).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock span covered by the frame's samples.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(f.Samples)) / float64(f.SampleRate) * float64(time.Second))
}
