package detect

import "github.com/somihq/somi-core/core/audio"

// BargeInDetector is a minimal consecutive-frames-above-threshold trigger
// used only while the system is speaking. It is intentionally much cheaper
// than the full VAD: the goal is the fastest possible interruption signal,
// not transcription quality.
type BargeInDetector struct {
	threshold    float64
	consecFrames int
	count        int
}

func NewBargeInDetector(threshold float64, consecFrames int) *BargeInDetector {
	if consecFrames < 1 {
		consecFrames = 1
	}
	return &BargeInDetector{threshold: threshold, consecFrames: consecFrames}
}

// Process returns true exactly once per confirmed onset; the counter
// resets on trigger so a sustained loud condition does not re-fire every
// frame.
func (d *BargeInDetector) Process(frame []float32) bool {
	if audio.RMS(frame) > d.threshold {
		d.count++
		if d.count >= d.consecFrames {
			d.count = 0
			return true
		}
	} else {
		d.count = 0
	}
	return false
}

// Reset clears the onset counter.
func (d *BargeInDetector) Reset() {
	d.count = 0
}
