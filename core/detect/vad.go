// Package detect holds the energy-based detectors that drive turn taking:
// the utterance-finalizing VAD and the cheaper barge-in trigger.
package detect

import (
	"time"

	"github.com/somihq/somi-core/core/audio"
)

// VADConfig carries the tunables of the utterance finalizer. Zero values
// are replaced by defaults in NewRMSVAD.
type VADConfig struct {
	SampleRate    int
	FrameDuration time.Duration
	// SilenceWindow is the trailing silence that finalizes an utterance.
	SilenceWindow time.Duration
	// MaxUtterance hard-caps a single utterance.
	MaxUtterance time.Duration
	// RMSThreshold is the base speech energy threshold.
	RMSThreshold float64
	// StartFrames is the number of consecutive above-threshold frames that
	// confirm speech onset, suppressing transient clicks.
	StartFrames int
	// Preroll is how much audio preceding the confirmed onset is prepended
	// so the very start of speech is not clipped.
	Preroll time.Duration
	// AdaptiveThreshold raises RMSThreshold from a calibration window of
	// the first CalibrationWindow of input to noise floor x NoiseFloorMultiplier.
	AdaptiveThreshold    bool
	CalibrationWindow    time.Duration
	NoiseFloorMultiplier float64
}

func (c *VADConfig) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	if c.SilenceWindow == 0 {
		c.SilenceWindow = 500 * time.Millisecond
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = 12 * time.Second
	}
	if c.RMSThreshold == 0 {
		c.RMSThreshold = 0.008
	}
	if c.StartFrames == 0 {
		c.StartFrames = 3
	}
	if c.CalibrationWindow == 0 {
		c.CalibrationWindow = 400 * time.Millisecond
	}
	if c.NoiseFloorMultiplier == 0 {
		c.NoiseFloorMultiplier = 3
	}
}

// RMSVAD turns a stream of fixed-size PCM frames into finalized
// utterances: idle -> accumulating -> finalized. It is not safe for
// concurrent use; the perception loop is its only caller.
type RMSVAD struct {
	cfg VADConfig

	threshold float64

	speechActive  bool
	speechFrames  int
	silenceFrames int
	buffer        [][]float32
	preroll       [][]float32

	calibrationFrames int
	calibrationSum    float64
	calibrated        bool
}

func NewRMSVAD(cfg VADConfig) *RMSVAD {
	cfg.applyDefaults()
	return &RMSVAD{cfg: cfg, threshold: cfg.RMSThreshold}
}

// Threshold reports the effective speech threshold, after any adaptive
// calibration so far.
func (v *RMSVAD) Threshold() float64 { return v.threshold }

func (v *RMSVAD) silenceLimit() int {
	limit := int(v.cfg.SilenceWindow / v.cfg.FrameDuration)
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (v *RMSVAD) maxFrames() int {
	return int(v.cfg.MaxUtterance / v.cfg.FrameDuration)
}

func (v *RMSVAD) prerollFrames() int {
	return int(v.cfg.Preroll / v.cfg.FrameDuration)
}

// Process consumes one frame and returns a finalized utterance when
// trailing silence or the utterance cap is reached. The returned buffer
// has trailing silence trimmed and the preroll prepended.
func (v *RMSVAD) Process(frame []float32) ([]float32, bool) {
	rms := audio.RMS(frame)
	v.bufferPreroll(frame)
	if v.calibrating() {
		// The calibration window settles the noise floor; onsets are not
		// confirmed until it completes.
		v.calibrate(rms)
		return nil, false
	}

	if rms > v.threshold {
		v.speechFrames++
		v.silenceFrames = 0
		if !v.speechActive && v.speechFrames >= v.cfg.StartFrames {
			v.speechActive = true
			// The preroll already holds the onset-confirming frames.
			for _, pre := range v.preroll {
				v.buffer = append(v.buffer, pre)
			}
		} else if v.speechActive {
			v.buffer = append(v.buffer, frame)
		}
	} else if v.speechActive {
		v.silenceFrames++
		v.buffer = append(v.buffer, frame)
		if v.silenceFrames >= v.silenceLimit() {
			return v.finalize(v.silenceFrames)
		}
	} else {
		v.speechFrames = 0
	}

	if v.speechActive && len(v.buffer) >= v.maxFrames() {
		return v.finalize(v.silenceFrames)
	}
	return nil, false
}

func (v *RMSVAD) calibrating() bool {
	return v.cfg.AdaptiveThreshold && !v.calibrated
}

// calibrate accumulates the noise floor over the initial calibration
// window and raises the threshold once, before any speech is confirmed.
func (v *RMSVAD) calibrate(rms float64) {
	windowFrames := int(v.cfg.CalibrationWindow / v.cfg.FrameDuration)
	if windowFrames < 1 {
		windowFrames = 1
	}

	v.calibrationSum += rms
	v.calibrationFrames++
	if v.calibrationFrames < windowFrames {
		return
	}

	v.calibrated = true
	noiseFloor := v.calibrationSum / float64(v.calibrationFrames)
	if adaptive := noiseFloor * v.cfg.NoiseFloorMultiplier; adaptive > v.threshold {
		v.threshold = adaptive
	}
}

func (v *RMSVAD) bufferPreroll(frame []float32) {
	if v.speechActive {
		return
	}

	limit := v.prerollFrames()
	if limit == 0 {
		// Even without preroll the onset-confirming frames must survive
		// until activation.
		limit = v.cfg.StartFrames
	}
	v.preroll = append(v.preroll, frame)
	if len(v.preroll) > limit {
		v.preroll = v.preroll[len(v.preroll)-limit:]
	}
}

// finalize concatenates the accumulated frames minus the unconfirmed
// trailing silence and resets the detector.
func (v *RMSVAD) finalize(trailingSilence int) ([]float32, bool) {
	frames := v.buffer
	if trailingSilence > 0 && trailingSilence < len(frames) {
		frames = frames[:len(frames)-trailingSilence]
	}
	if len(frames) == 0 {
		v.Reset()
		return nil, false
	}

	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]float32, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}

	v.Reset()
	return out, true
}

// Reset returns the detector to idle without emitting.
func (v *RMSVAD) Reset() {
	v.speechActive = false
	v.speechFrames = 0
	v.silenceFrames = 0
	v.buffer = nil
	v.preroll = nil
}
