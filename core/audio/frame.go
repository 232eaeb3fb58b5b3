package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square energy of a mono float frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range frame {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum/float64(len(frame))) + 1e-9
}

// FromS16LE converts little-endian 16-bit PCM bytes to mono float samples
// in [-1, 1]. A trailing odd byte is ignored.
func FromS16LE(raw []byte) []float32 {
	samples := make([]float32, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		s := int16(binary.LittleEndian.Uint16(raw[i:]))
		samples = append(samples, float32(s)/32768.0)
	}
	return samples
}

// ToS16LE converts mono float samples in [-1, 1] to little-endian 16-bit
// PCM bytes, clipping out-of-range values.
func ToS16LE(pcm []float32) []byte {
	raw := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		v := float64(sample)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(v*32767)))
	}
	return raw
}

// Framer slices arbitrarily sized device callbacks into fixed-size frames,
// carrying any remainder over to the next callback.
type Framer struct {
	frameSamples int
	pending      []float32
}

func NewFramer(frameSamples int) *Framer {
	return &Framer{frameSamples: frameSamples}
}

// Push appends samples and invokes emit once per complete frame. Emitted
// slices are owned by the caller.
func (f *Framer) Push(samples []float32, emit func(frame []float32)) {
	f.pending = append(f.pending, samples...)
	for len(f.pending) >= f.frameSamples {
		frame := make([]float32, f.frameSamples)
		copy(frame, f.pending[:f.frameSamples])
		f.pending = f.pending[f.frameSamples:]
		emit(frame)
	}
}

// Reset discards any buffered remainder.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}
