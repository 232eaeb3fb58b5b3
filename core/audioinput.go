package orchestration

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/somihq/somi-core/core/audio"
)

// AudioCapture is the device contract for microphone input. onAudio
// receives little-endian 16-bit mono PCM and must not be retained.
type AudioCapture interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

// audioInput normalizes device callbacks into fixed-size float frames
// behind a bounded queue. The queue drops the oldest frame on overflow;
// the capture callback is never blocked.
type audioInput struct {
	client AudioCapture
	gain   float32
	framer *audio.Framer

	frames        chan []float32
	capturing     atomic.Bool
	droppedFrames atomic.Int64
}

const frameQueueDepth = 100

func newAudioInput(client AudioCapture, cfg Config) *audioInput {
	return &audioInput{
		client: client,
		gain:   float32(cfg.Gain),
		framer: audio.NewFramer(audio.FrameSamples(cfg.SampleRate, cfg.FrameDuration)),
		frames: make(chan []float32, frameQueueDepth),
	}
}

func (a *audioInput) Start(ctx context.Context) error {
	if a == nil || a.client == nil {
		return nil
	}
	if !a.capturing.CompareAndSwap(false, true) {
		return nil
	}

	if err := a.client.StartCapture(ctx, a.onAudio); err != nil {
		a.capturing.Store(false)
		return err
	}
	return nil
}

func (a *audioInput) Stop() error {
	if a == nil || a.client == nil {
		return nil
	}
	if !a.capturing.CompareAndSwap(true, false) {
		return nil
	}
	return a.client.StopCapture()
}

// Read returns the next frame, or false if none arrives within timeout.
func (a *audioInput) Read(timeout time.Duration) ([]float32, bool) {
	if a == nil {
		return nil, false
	}

	select {
	case frame := <-a.frames:
		return frame, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-a.frames:
		return frame, true
	case <-timer.C:
		return nil, false
	}
}

func (a *audioInput) onAudio(raw []byte) {
	samples := audio.FromS16LE(raw)
	if a.gain != 1.0 {
		for i := range samples {
			samples[i] *= a.gain
		}
	}
	a.framer.Push(samples, a.push)
}

// push admits a frame, evicting the oldest one when the queue is full.
func (a *audioInput) push(frame []float32) {
	select {
	case a.frames <- frame:
		return
	default:
	}

	if dropped := a.droppedFrames.Add(1); dropped == 1 || dropped%25 == 0 {
		logger.Warn("capture queue full, dropping oldest frame", "drops", dropped)
	}
	select {
	case <-a.frames:
	default:
	}
	select {
	case a.frames <- frame:
	default:
	}
}
