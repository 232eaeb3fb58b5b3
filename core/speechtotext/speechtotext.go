// Package speechtotext defines the narrow contract between the turn
// engine and pluggable recognition backends.
package speechtotext

import (
	"context"
	"errors"
	"fmt"
)

// ErrSampleRate is returned when an utterance arrives at a sample rate the
// engine was not configured for. Adapters must reject rather than resample
// silently.
var ErrSampleRate = errors.New("utterance sample rate differs from engine requirement")

// Transcript is the finalized recognition result for one utterance.
type Transcript struct {
	Text string
	// Confidence is backend-specific and may be absent.
	Confidence *float64
}

// FinalTranscriber transcribes one finalized, silence-bounded utterance.
// The PCM buffer is mono float samples in [-1, 1].
type FinalTranscriber interface {
	TranscribeFinal(ctx context.Context, pcm []float32, sampleRate int) (Transcript, error)
}

// CheckSampleRate is the shared guard adapters use before touching the
// buffer.
func CheckSampleRate(got, required int) error {
	if got != required {
		return fmt.Errorf("%w: got %d, engine requires %d", ErrSampleRate, got, required)
	}
	return nil
}
