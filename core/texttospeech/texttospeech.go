// Package texttospeech defines the synthesis contract between the turn
// engine and pluggable TTS backends, plus the shared fallback tone that
// keeps the pipeline audible when a backend is down.
package texttospeech

import (
	"context"
	"fmt"
	"math"
)

// Speech is one synthesized clip: mono float PCM in [-1, 1].
type Speech struct {
	PCM        []float32
	SampleRate int
}

// Synthesizer converts one text chunk into playable audio. Adapters must
// normalize backend-specific shapes and encodings to Speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Speech, error)
}

// SynthesisError wraps a backend failure so callers can distinguish a
// broken synthesis from transport or contract errors.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// FallbackTone produces a short placeholder tone sized to the text, used
// instead of failing the turn when fallback mode is enabled.
func FallbackTone(text string, sampleRate int) Speech {
	duration := 0.03 * float64(len(text))
	if duration < 0.2 {
		duration = 0.2
	} else if duration > 2.5 {
		duration = 2.5
	}

	samples := int(float64(sampleRate) * duration)
	pcm := make([]float32, samples)
	for i := range pcm {
		pcm[i] = 0.05 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return Speech{PCM: pcm, SampleRate: sampleRate}
}

// Normalize clips samples into [-1, 1] and downmixes interleaved stereo
// to mono when channels is 2.
func Normalize(pcm []float32, channels int) []float32 {
	if channels == 2 {
		mono := make([]float32, len(pcm)/2)
		for i := range mono {
			mono[i] = (pcm[i*2] + pcm[i*2+1]) / 2
		}
		pcm = mono
	}

	for i, sample := range pcm {
		if sample > 1 {
			pcm[i] = 1
		} else if sample < -1 {
			pcm[i] = -1
		}
	}
	return pcm
}
