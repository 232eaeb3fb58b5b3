package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somihq/somi-core/core/agent"
	"github.com/somihq/somi-core/core/audio"
	"github.com/somihq/somi-core/core/chunker"
	"github.com/somihq/somi-core/core/metrics"
	"github.com/somihq/somi-core/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	turnsStarted, _   = meter.Int64Counter("somi.turns.started")
	turnsCancelled, _ = meter.Int64Counter("somi.turns.cancelled")
)

type speakChunk struct {
	turnID int64
	text   string
}

const speakQueueDepth = 64

// SomiState is the turn/session state machine. It owns turn identity,
// the cognition task, and the synthesis queue consumed by
// PlaybackConsumer. Turn identity is a generation counter: every queued
// or in-flight unit of work carries the turn it was created under and
// is compared against the current turn before any externally visible
// effect. Bumping the counter invalidates all older work at once.
type SomiState struct {
	cfg Config

	audioOut    *audioOutput
	synth       texttospeech.Synthesizer
	agent       agent.StreamingAgent
	backchannel func()

	metricsWriter *metrics.Writer

	queue chan speakChunk

	mu                  sync.Mutex
	turnID              int64
	state               SessionState
	lastFinalTranscript string
	lastFinalAt         time.Time
	cancelTurn          context.CancelFunc
	pendingChunks       map[int64]int
	agentFinished       map[int64]struct{}
	turnMetrics         map[int64]*metrics.TurnTimings
}

type SomiStateOption func(*SomiState)

// WithBackchannel registers a callback fired when cognition is still
// running with no audio produced after the configured delay.
func WithBackchannel(cb func()) SomiStateOption {
	return func(s *SomiState) { s.backchannel = cb }
}

func WithMetricsWriter(w *metrics.Writer) SomiStateOption {
	return func(s *SomiState) { s.metricsWriter = w }
}

func NewSomiState(cfg Config, playback AudioPlayback, synth texttospeech.Synthesizer, cognition agent.StreamingAgent, opts ...SomiStateOption) *SomiState {
	cfg.applyDefaults()

	s := &SomiState{
		cfg:           cfg,
		audioOut:      newAudioOutput(playback, cfg),
		synth:         synth,
		agent:         cognition,
		queue:         make(chan speakChunk, speakQueueDepth),
		state:         StateListening,
		pendingChunks: map[int64]int{},
		agentFinished: map[int64]struct{}{},
		turnMetrics:   map[int64]*metrics.TurnTimings{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SomiState) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SomiState) CurrentTurn() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID
}

func (s *SomiState) isCurrent(turnID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return turnID == s.turnID
}

// OnTranscriptFinal accepts a finalized transcript and starts a new
// turn for it. Transcripts identical to the previous one within the
// dedupe window are dropped: overlapping VAD emissions of the same
// utterance must not produce two turns. Returns the new turn id, or
// zero if the transcript was rejected.
func (s *SomiState) OnTranscriptFinal(ctx context.Context, text string, userID string, sttLatency time.Duration) int64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	s.mu.Lock()
	now := time.Now()
	if text == s.lastFinalTranscript && now.Sub(s.lastFinalAt) < s.cfg.DedupeWindow {
		s.mu.Unlock()
		return 0
	}
	s.lastFinalTranscript = text
	s.lastFinalAt = now

	// Allocating the next turn implicitly invalidates the previous one;
	// a turn still live at this point is closed out as cancelled so its
	// record is written and its bookkeeping does not linger.
	var superseded *metrics.TurnTimings
	if prev := s.turnID; prev > 0 {
		if superseded = s.closeTurnLocked(prev); superseded != nil {
			superseded.SetFlag("cancelled", true)
		}
		delete(s.pendingChunks, prev)
		delete(s.agentFinished, prev)
	}
	s.turnID++
	turnID := s.turnID
	s.state = StateThinking
	s.pendingChunks[turnID] = 0
	delete(s.agentFinished, turnID)

	tm := metrics.NewTurnTimings(turnID)
	tm.Mark(metrics.MarkVADFinalized)
	if sttLatency > 0 {
		tm.MarkAt(metrics.MarkSTTDone, tm.CreatedAt.Add(sttLatency))
	}
	s.turnMetrics[turnID] = tm

	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
	s.cancelTurn = cancel
	s.mu.Unlock()

	s.writeTurn(superseded)
	turnsStarted.Add(ctx, 1)
	logger.Info("turn started", "turn_id", turnID, "transcript", text)
	go s.runAgent(turnCtx, cancel, turnID, text, userID)
	return turnID
}

// CancelCurrentTurn invalidates the active turn: it bumps the turn
// counter first (instant logical invalidation), then best-effort stops
// the cognition task, playback, and the queued chunks. Safe to call
// repeatedly and from any goroutine.
func (s *SomiState) CancelCurrentTurn(reason string) int64 {
	s.mu.Lock()
	cancelled := s.turnID
	if cancelled <= 0 {
		s.mu.Unlock()
		return 0
	}

	s.turnID++
	cancelTurn := s.cancelTurn
	s.cancelTurn = nil

	tm := s.turnMetrics[cancelled]
	if tm != nil {
		tm.Mark(metrics.MarkBargeInStop)
		tm.SetFlag("cancelled", true)
		delete(s.turnMetrics, cancelled)
	}
	delete(s.pendingChunks, cancelled)
	delete(s.agentFinished, cancelled)
	s.state = StateListening
	s.mu.Unlock()

	if cancelTurn != nil {
		cancelTurn()
	}
	s.audioOut.Stop()
	s.drainQueue()
	s.writeTurn(tm)

	turnsCancelled.Add(context.Background(), 1)
	logger.Info("turn cancelled", "turn_id", cancelled, "reason", reason)
	return cancelled
}

func (s *SomiState) drainQueue() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// writeTurn hands the record to the metrics writer off the hot path.
func (s *SomiState) writeTurn(tm *metrics.TurnTimings) {
	if tm == nil || s.metricsWriter == nil {
		return
	}
	go func() {
		if err := s.metricsWriter.WriteTurn(tm); err != nil {
			logger.Warn("failed to write turn metrics", "turn_id", tm.TurnID, "error", err)
		}
	}()
}

// closeTurnLocked detaches and returns the turn's timings. Callers hold
// s.mu and pass the result to writeTurn after unlocking.
func (s *SomiState) closeTurnLocked(turnID int64) *metrics.TurnTimings {
	tm := s.turnMetrics[turnID]
	delete(s.turnMetrics, turnID)
	return tm
}

// maybeFinishTurnLocked returns the turn to listening once the agent
// has finished and every queued chunk has been played or discarded.
func (s *SomiState) maybeFinishTurnLocked(turnID int64) *metrics.TurnTimings {
	if turnID != s.turnID {
		return nil
	}
	if _, finished := s.agentFinished[turnID]; !finished || s.pendingChunks[turnID] != 0 {
		return nil
	}

	s.state = StateListening
	delete(s.pendingChunks, turnID)
	delete(s.agentFinished, turnID)
	return s.closeTurnLocked(turnID)
}

func (s *SomiState) runAgent(ctx context.Context, cancel context.CancelFunc, turnID int64, prompt string, userID string) {
	defer cancel()

	ctx, span := tracer.Start(ctx, "run cognition turn")
	defer span.End()
	span.SetAttributes(attribute.Int64("turn.id", turnID))

	var firstChunk atomic.Bool
	backchannelDone := s.startBackchannel(ctx, turnID, &firstChunk)
	defer backchannelDone()

	streamChunker := chunker.NewStreamingChunker(s.cfg.MaxChunkChars)

	enqueue := func(text string) bool {
		text = strings.Join(strings.Fields(text), " ")
		if text == "" {
			return true
		}

		s.mu.Lock()
		if turnID != s.turnID {
			s.mu.Unlock()
			return false
		}
		s.pendingChunks[turnID]++
		tm := s.turnMetrics[turnID]
		s.mu.Unlock()

		select {
		case s.queue <- speakChunk{turnID: turnID, text: text}:
		case <-ctx.Done():
			// The chunk never made it onto the queue; without this the
			// turn could wait forever on a chunk nobody will play.
			s.mu.Lock()
			if s.pendingChunks[turnID] > 0 {
				s.pendingChunks[turnID]--
			}
			s.mu.Unlock()
			return false
		}

		firstChunk.Store(true)
		span.AddEvent("chunk enqueued", trace.WithAttributes(attribute.Int("chunk.chars", len(text))))
		if tm != nil {
			tm.MarkOnce(metrics.MarkAgentDone)
		}
		return true
	}

	for fragment, err := range s.agent.AskStream(ctx, prompt, userID) {
		if !s.isCurrent(turnID) {
			return
		}
		if err != nil {
			s.abortTurn(turnID, err)
			return
		}
		for _, chunk := range streamChunker.Feed(fragment) {
			if !enqueue(chunk) {
				if err := ctx.Err(); err != nil {
					s.abortTurn(turnID, err)
				}
				return
			}
		}
	}
	if err := ctx.Err(); err != nil {
		s.abortTurn(turnID, err)
		return
	}

	for _, chunk := range streamChunker.Flush() {
		if !enqueue(chunk) {
			if err := ctx.Err(); err != nil {
				s.abortTurn(turnID, err)
			}
			return
		}
	}

	s.mu.Lock()
	if turnID == s.turnID {
		if !firstChunk.Load() {
			s.state = StateListening
			tm := s.closeTurnLocked(turnID)
			if tm != nil {
				tm.SetFlag("empty_response", true)
			}
			delete(s.pendingChunks, turnID)
			s.mu.Unlock()
			s.writeTurn(tm)
			return
		}

		s.agentFinished[turnID] = struct{}{}
		tm := s.maybeFinishTurnLocked(turnID)
		s.mu.Unlock()
		s.writeTurn(tm)
		return
	}
	s.mu.Unlock()
}

// abortTurn heals a failed turn back to listening, recording the
// outcome. Cancellation is expected control flow and is absorbed here:
// the cancelling side already closed the turn.
func (s *SomiState) abortTurn(turnID int64, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	s.mu.Lock()
	if turnID != s.turnID {
		s.mu.Unlock()
		return
	}
	s.state = StateListening
	tm := s.closeTurnLocked(turnID)
	if errors.Is(err, context.DeadlineExceeded) {
		if tm != nil {
			tm.SetFlag("timeout", true)
		}
	} else if tm != nil {
		tm.SetFlag("agent_error", err.Error())
	}
	// Chunks already queued still belong to this turn; marking the agent
	// finished lets the playback path drain them and settle the state
	// back to listening once the last one is played.
	s.agentFinished[turnID] = struct{}{}
	s.maybeFinishTurnLocked(turnID)
	s.mu.Unlock()

	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("agent timed out", "turn_id", turnID)
	} else {
		logger.Error("agent failed", "turn_id", turnID, "error", err)
	}
	s.writeTurn(tm)
}

// startBackchannel arms the delayed acknowledgement. It fires only if
// the turn is still current and no chunk has been produced yet.
func (s *SomiState) startBackchannel(ctx context.Context, turnID int64, firstChunk *atomic.Bool) func() {
	if s.backchannel == nil || s.cfg.BackchannelAfter <= 0 {
		return func() {}
	}

	armed, disarm := context.WithCancel(ctx)
	go func() {
		timer := time.NewTimer(s.cfg.BackchannelAfter)
		defer timer.Stop()
		select {
		case <-armed.Done():
			return
		case <-timer.C:
		}
		if s.isCurrent(turnID) && !firstChunk.Load() {
			s.backchannel()
		}
	}()
	return disarm
}

// PlaybackConsumer is the long-running synthesis and playback loop.
// It is the enforcement point for the no-stale-audio invariant: a chunk
// whose turn is no longer current is discarded without synthesis or
// playback, and an in-flight clip is re-checked every sleep slice so a
// cancellation stops audio within one slice interval.
func (s *SomiState) PlaybackConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.queue:
			s.playChunk(ctx, chunk)
		}
	}
}

func (s *SomiState) playChunk(ctx context.Context, chunk speakChunk) {
	defer func() {
		s.mu.Lock()
		if s.pendingChunks[chunk.turnID] > 0 {
			s.pendingChunks[chunk.turnID]--
		}
		tm := s.maybeFinishTurnLocked(chunk.turnID)
		s.mu.Unlock()
		s.writeTurn(tm)
	}()

	s.mu.Lock()
	if chunk.turnID != s.turnID {
		s.mu.Unlock()
		return
	}
	s.state = StateSpeaking
	tm := s.turnMetrics[chunk.turnID]
	s.mu.Unlock()

	speech, err := s.synth.Synthesize(ctx, chunk.text)
	if err != nil {
		logger.Error("synthesis failed, skipping chunk", "turn_id", chunk.turnID, "error", err)
		s.mu.Lock()
		if chunk.turnID == s.turnID {
			tm = s.closeTurnLocked(chunk.turnID)
			if tm != nil {
				tm.SetFlag("tts_error", err.Error())
			}
		}
		s.mu.Unlock()
		s.writeTurn(tm)
		return
	}

	if tm != nil {
		tm.MarkOnce(metrics.MarkTTSFirstSynthDone)
	}
	if !s.isCurrent(chunk.turnID) {
		return
	}

	if err := s.audioOut.Play(speech.PCM, speech.SampleRate); err != nil {
		logger.Error("playback failed", "turn_id", chunk.turnID, "error", err)
		return
	}
	if tm != nil {
		tm.MarkOnce(metrics.MarkFirstAudio)
	}

	// Sleep out the clip in small slices so a cancellation arriving
	// mid-clip stops audio within one slice, not at clip end.
	remaining := audio.Duration(speech.PCM, speech.SampleRate)
	for remaining > 0 {
		if !s.isCurrent(chunk.turnID) {
			s.audioOut.Stop()
			return
		}
		step := min(s.cfg.PlaybackSlice, remaining)
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
		remaining -= step
	}
}
