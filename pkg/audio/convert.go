package audio

import (
	"log/slog"
	"sync"
)

// SampleConverter normalizes raw capture formats into the mono float64 frames
// the analysis pipeline consumes. It logs a warning on the first malformed
// input and validates PCM alignment. Create one per stream; not designed for
// shared use across goroutines.
type SampleConverter struct {
	warnedCorrupt sync.Once
}

// FromPCM16 converts little-endian int16 PCM bytes into normalized float64
// samples. Frames with an odd byte count are truncated to the last whole
// sample; the first such frame logs a warning.
func (c *SampleConverter) FromPCM16(pcm []byte) []float64 {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("sample converter: odd byte count in PCM data, truncating", "bytes", len(pcm))
		})
		pcm = pcm[:len(pcm)-1]
	}
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / 32768
	}
	return out
}

// FromFloat32 widens float32 capture samples (the portaudio native format)
// into float64 without rescaling.
func FromFloat32(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// FromInt converts integer samples at the given bit depth into normalized
// float64 values. WAV decoders commonly hand back []int at 16 or 24 bits.
func FromInt(in []int, bitDepth int) []float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v) / scale
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. A channel
// count below 2 returns the input unchanged.
func Downmix(in []float64, channels int) []float64 {
	if channels < 2 {
		return in
	}
	frames := len(in) / channels
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += in[i*channels+ch]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Resample converts samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func Resample(in []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) < 2 {
		return in
	}
	dstLen := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float64, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := in[srcIdx]
		s1 := s0
		if srcIdx+1 < len(in) {
			s1 = in[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
