package audio

import (
	"math"
	"testing"
	"time"
)

func TestRMSOfSilenceIsNearZero(t *testing.T) {
	frame := make([]float32, 320)
	if rms := RMS(frame); rms > 1e-6 {
		t.Fatalf("expected near-zero RMS for silence, got %f", rms)
	}
}

func TestRMSOfConstantSignal(t *testing.T) {
	frame := make([]float32, 320)
	for i := range frame {
		frame[i] = 0.5
	}

	if rms := RMS(frame); math.Abs(rms-0.5) > 1e-6 {
		t.Fatalf("expected RMS 0.5, got %f", rms)
	}
}

func TestS16LERoundTrip(t *testing.T) {
	pcm := []float32{0, 0.25, -0.25, 0.99, -0.99}
	got := FromS16LE(ToS16LE(pcm))

	if len(got) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(got))
	}
	for i := range pcm {
		if math.Abs(float64(got[i]-pcm[i])) > 1e-3 {
			t.Fatalf("sample %d: expected %f, got %f", i, pcm[i], got[i])
		}
	}
}

func TestToS16LEClipsOutOfRange(t *testing.T) {
	got := FromS16LE(ToS16LE([]float32{2, -2}))
	if got[0] < 0.99 || got[1] > -0.99 {
		t.Fatalf("expected clipped samples, got %v", got)
	}
}

func TestFramerEmitsFixedFramesWithCarry(t *testing.T) {
	framer := NewFramer(4)

	var frames [][]float32
	framer.Push(make([]float32, 6), func(frame []float32) { frames = append(frames, frame) })
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after 6 samples, got %d", len(frames))
	}

	framer.Push(make([]float32, 2), func(frame []float32) { frames = append(frames, frame) })
	if len(frames) != 2 {
		t.Fatalf("expected carry to complete second frame, got %d frames", len(frames))
	}
	for _, frame := range frames {
		if len(frame) != 4 {
			t.Fatalf("expected fixed frame size 4, got %d", len(frame))
		}
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(make([]float32, 16000), 16000); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if got := Duration(nil, 0); got != 0 {
		t.Fatalf("expected 0 for zero sample rate, got %v", got)
	}
}
