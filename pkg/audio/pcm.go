package audio

import (
	"encoding/binary"
	"math"
)

// Tone classes reported by the voice analysis service
const (
	ToneCalm      = "Calm"
	ToneBalanced  = "Balanced"
	ToneEnergetic = "Energetic"
	ToneNoise     = "Noise"
)

// NoiseFloorRMS is the level below which a chunk is treated as silence
const NoiseFloorRMS = 0.001

// EncodePCM16 converts float samples in [-1, 1] to signed 16-bit little-endian PCM.
// Each sample is clamped first and scaled by 32767 with rounding.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// DecodePCM16 converts signed 16-bit little-endian PCM to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32767
	}
	return out
}

// RMS returns the root mean square level of the samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ClassifyTone maps an RMS level to a tone class
func ClassifyTone(rms float64) string {
	switch {
	case rms < 0.02:
		return ToneCalm
	case rms < 0.05:
		return ToneBalanced
	default:
		return ToneEnergetic
	}
}

// Chunker regroups an arbitrary sample stream into fixed-size chunks
type Chunker struct {
	size    int
	pending []float32
}

// NewChunker creates a chunker emitting chunks of size samples
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = 2048
	}
	return &Chunker{size: size, pending: make([]float32, 0, size)}
}

// Push appends samples and calls emit for every complete chunk.
// The slice passed to emit is owned by the callee.
func (c *Chunker) Push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := c.size - len(c.pending)
		if n > len(samples) {
			n = len(samples)
		}
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]

		if len(c.pending) == c.size {
			chunk := make([]float32, c.size)
			copy(chunk, c.pending)
			c.pending = c.pending[:0]
			emit(chunk)
		}
	}
}

// Pending returns the number of buffered samples not yet emitted
func (c *Chunker) Pending() int {
	return len(c.pending)
}
