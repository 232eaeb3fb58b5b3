package orchestration

import (
	"fmt"
)

// AudioPlayback is the device contract for speaker output. Play is
// non-blocking; Stop discards queued audio as fast as the device
// allows, which bounds barge-in responsiveness.
type AudioPlayback interface {
	Play(pcm []float32) error
	Stop() error
}

// audioOutput wraps a playback client, adapting synthesis output at
// arbitrary sample rates to the device's fixed rate.
type audioOutput struct {
	client           AudioPlayback
	deviceSampleRate int
}

func newAudioOutput(client AudioPlayback, cfg Config) *audioOutput {
	return &audioOutput{client: client, deviceSampleRate: cfg.SampleRate}
}

func (a *audioOutput) Play(pcm []float32, sampleRate int) error {
	if a == nil || a.client == nil {
		return nil
	}

	if sampleRate != a.deviceSampleRate {
		pcm = resampleLinear(pcm, sampleRate, a.deviceSampleRate)
	}
	if err := a.client.Play(pcm); err != nil {
		return fmt.Errorf("%w: %w", ErrAudioDevice, err)
	}
	return nil
}

func (a *audioOutput) Stop() {
	if a == nil || a.client == nil {
		return
	}
	if err := a.client.Stop(); err != nil {
		logger.Warn("failed to stop playback", "error", err)
	}
}

// resampleLinear converts mono PCM between sample rates by linear
// interpolation. Voice synthesis output tolerates this fine; anything
// higher fidelity belongs in the device layer.
func resampleLinear(pcm []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(pcm) == 0 {
		return pcm
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(pcm)) / ratio)
	if outLen == 0 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = pcm[j]*(1-frac) + pcm[j+1]*frac
	}
	return out
}
