// Package metrics records per-turn latency milestones and writes one JSON
// line per terminal turn, off the audio hot path.
package metrics

import (
	"sync"
	"time"
)

// Milestone names recorded against a turn, in pipeline order.
const (
	MarkVADFinalized      = "vad_finalized"
	MarkSTTDone           = "stt_done"
	MarkAgentDone         = "agent_done"
	MarkTTSFirstSynthDone = "tts_first_synth_done"
	MarkFirstAudio        = "first_audio"
	MarkBargeInStop       = "bargein_stop"
)

var milestoneOrder = []string{
	MarkVADFinalized,
	MarkSTTDone,
	MarkAgentDone,
	MarkTTSFirstSynthDone,
	MarkFirstAudio,
	MarkBargeInStop,
}

// TurnTimings collects named milestone instants for one turn. Derived
// durations are milliseconds relative to the creation instant. Safe for
// concurrent use: the cognition and playback goroutines both mark it.
type TurnTimings struct {
	TurnID    int64
	CreatedAt time.Time

	mu    sync.Mutex
	marks map[string]time.Time
	flags map[string]any
}

func NewTurnTimings(turnID int64) *TurnTimings {
	return &TurnTimings{
		TurnID:    turnID,
		CreatedAt: time.Now(),
		marks:     map[string]time.Time{},
		flags:     map[string]any{},
	}
}

// Mark records the milestone at the current instant, overwriting any
// earlier mark of the same name.
func (t *TurnTimings) Mark(name string) {
	t.MarkAt(name, time.Now())
}

// MarkAt records the milestone at an explicit instant.
func (t *TurnTimings) MarkAt(name string, at time.Time) {
	t.mu.Lock()
	t.marks[name] = at
	t.mu.Unlock()
}

// MarkOnce records the milestone only if it has not been marked yet.
func (t *TurnTimings) MarkOnce(name string) {
	t.mu.Lock()
	if _, ok := t.marks[name]; !ok {
		t.marks[name] = time.Now()
	}
	t.mu.Unlock()
}

// SetFlag attaches an outcome flag (cancelled, timeout, agent_error,
// empty_response, tts_error) carried into the written record.
func (t *TurnTimings) SetFlag(name string, value any) {
	t.mu.Lock()
	t.flags[name] = value
	t.mu.Unlock()
}

// DurationsMS returns the marked milestones as milliseconds since the
// turn was created, in pipeline order.
func (t *TurnTimings) DurationsMS() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := map[string]float64{}
	for _, name := range milestoneOrder {
		if at, ok := t.marks[name]; ok {
			out[name] = float64(at.Sub(t.CreatedAt)) / float64(time.Millisecond)
		}
	}
	return out
}

// Flags returns a copy of the outcome flags.
func (t *TurnTimings) Flags() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]any, len(t.flags))
	for k, v := range t.flags {
		out[k] = v
	}
	return out
}
