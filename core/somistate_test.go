package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/somihq/somi-core/core/metrics"
	"github.com/somihq/somi-core/core/texttospeech"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SilenceWindow = 100 * time.Millisecond
	cfg.AgentTimeout = 2 * time.Second
	cfg.BackchannelAfter = 0
	cfg.PlaybackSlice = 5 * time.Millisecond
	return cfg
}

func TestDedupeWindowProducesOneTurn(t *testing.T) {
	playback := &recordingPlayback{}
	somi := NewSomiState(testConfig(), playback, &scriptedSynth{}, &scriptedAgent{block: true})

	first := somi.OnTranscriptFinal(context.Background(), "hello", "user-1", 0)
	second := somi.OnTranscriptFinal(context.Background(), "hello", "user-1", 0)

	if first == 0 {
		t.Fatalf("expected first transcript to start a turn")
	}
	if second != 0 {
		t.Fatalf("expected duplicate transcript to be dropped, got turn %d", second)
	}
	if got := somi.CurrentTurn(); got != first {
		t.Fatalf("expected current turn %d, got %d", first, got)
	}
}

func TestDistinctTranscriptsEachStartATurn(t *testing.T) {
	somi := NewSomiState(testConfig(), &recordingPlayback{}, &scriptedSynth{}, &scriptedAgent{block: true})

	if tid := somi.OnTranscriptFinal(context.Background(), "hello", "user-1", 0); tid != 1 {
		t.Fatalf("expected turn 1, got %d", tid)
	}
	if tid := somi.OnTranscriptFinal(context.Background(), "goodbye", "user-1", 0); tid != 2 {
		t.Fatalf("expected turn 2, got %d", tid)
	}
}

func TestEmptyTranscriptIsRejected(t *testing.T) {
	somi := NewSomiState(testConfig(), &recordingPlayback{}, &scriptedSynth{}, &scriptedAgent{block: true})

	if tid := somi.OnTranscriptFinal(context.Background(), "   ", "user-1", 0); tid != 0 {
		t.Fatalf("expected blank transcript to be rejected, got turn %d", tid)
	}
}

func TestCancelClearsQueueAndStopsAudio(t *testing.T) {
	playback := &recordingPlayback{}
	somi := NewSomiState(testConfig(), playback, &scriptedSynth{}, &scriptedAgent{block: true})

	somi.mu.Lock()
	somi.turnID = 1
	somi.state = StateSpeaking
	somi.pendingChunks[1] = 3
	somi.turnMetrics[1] = metrics.NewTurnTimings(1)
	somi.mu.Unlock()
	for range 3 {
		somi.queue <- speakChunk{turnID: 1, text: "queued chunk"}
	}

	cancelled := somi.CancelCurrentTurn("test")

	if cancelled != 1 {
		t.Fatalf("expected turn 1 cancelled, got %d", cancelled)
	}
	if n := len(somi.queue); n != 0 {
		t.Fatalf("expected empty queue after cancel, got %d chunks", n)
	}
	if playback.stopCount() == 0 {
		t.Fatalf("expected playback stop on cancel")
	}
	if got := somi.State(); got != StateListening {
		t.Fatalf("expected LISTENING after cancel, got %s", got)
	}
	if playback.playCount() != 0 {
		t.Fatalf("expected no audio for cancelled turn, got %d plays", playback.playCount())
	}
}

func TestCancelWithNoTurnIsNoOp(t *testing.T) {
	playback := &recordingPlayback{}
	somi := NewSomiState(testConfig(), playback, &scriptedSynth{}, &scriptedAgent{block: true})

	if cancelled := somi.CancelCurrentTurn("test"); cancelled != 0 {
		t.Fatalf("expected no-op cancel, got turn %d", cancelled)
	}
	if got := somi.CurrentTurn(); got != 0 {
		t.Fatalf("expected turn counter untouched, got %d", got)
	}
}

func TestTurnPlaysChunksInOrderThenReturnsToListening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	playback := &recordingPlayback{}
	synth := &scriptedSynth{clip: 10 * time.Millisecond}
	agent := &scriptedAgent{fragments: []string{"Hello there. ", "General Kenobi."}}
	cfg := testConfig()
	// Small enough that the two sentences cannot merge into one chunk.
	cfg.MaxChunkChars = 16
	somi := NewSomiState(cfg, playback, synth, agent)
	go somi.PlaybackConsumer(ctx)

	if tid := somi.OnTranscriptFinal(ctx, "hi", "user-1", 0); tid != 1 {
		t.Fatalf("expected turn 1, got %d", tid)
	}

	waitFor(t, 2*time.Second, func() bool {
		return somi.State() == StateListening && playback.playCount() == 2
	})

	texts := synth.synthesized()
	if len(texts) != 2 || texts[0] != "Hello there." || texts[1] != "General Kenobi." {
		t.Fatalf("unexpected synthesis order: %q", texts)
	}
}

func TestAgentTimeoutReturnsToListeningAndWritesTimeoutRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := metrics.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create metrics writer: %v", err)
	}

	cfg := testConfig()
	cfg.AgentTimeout = 50 * time.Millisecond
	somi := NewSomiState(cfg, &recordingPlayback{}, &scriptedSynth{}, &scriptedAgent{block: true},
		WithMetricsWriter(writer))
	go somi.PlaybackConsumer(ctx)

	if tid := somi.OnTranscriptFinal(ctx, "hi", "user-1", 0); tid != 1 {
		t.Fatalf("expected turn 1, got %d", tid)
	}

	waitFor(t, 2*time.Second, func() bool {
		return somi.State() == StateListening && len(readTurnRecords(t, writer.Path())) == 1
	})

	records := readTurnRecords(t, writer.Path())
	if len(records) != 1 {
		t.Fatalf("expected one metrics record, got %d", len(records))
	}
	if records[0]["timeout"] != true {
		t.Fatalf("expected timeout flag, got %v", records[0])
	}
}

func TestAgentErrorAbortsTurnWithoutAudio(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := metrics.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create metrics writer: %v", err)
	}

	playback := &recordingPlayback{}
	somi := NewSomiState(testConfig(), playback, &scriptedSynth{},
		&scriptedAgent{err: errors.New("upstream exploded")},
		WithMetricsWriter(writer))
	go somi.PlaybackConsumer(ctx)

	somi.OnTranscriptFinal(ctx, "hi", "user-1", 0)

	waitFor(t, 2*time.Second, func() bool {
		return somi.State() == StateListening && len(readTurnRecords(t, writer.Path())) == 1
	})

	if playback.playCount() != 0 {
		t.Fatalf("expected no audio after agent error, got %d plays", playback.playCount())
	}
	records := readTurnRecords(t, writer.Path())
	if _, ok := records[0]["agent_error"]; !ok {
		t.Fatalf("expected agent_error flag, got %v", records[0])
	}
}

func TestAgentErrorAfterChunksDrainsToListening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := metrics.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create metrics writer: %v", err)
	}

	playback := &recordingPlayback{}
	synth := &scriptedSynth{}
	agent := &scriptedAgent{
		fragments: []string{"Hello there. ", "General Kenobi. "},
		err:       errors.New("upstream exploded"),
	}
	cfg := testConfig()
	cfg.MaxChunkChars = 16
	somi := NewSomiState(cfg, playback, synth, agent, WithMetricsWriter(writer))
	go somi.PlaybackConsumer(ctx)

	somi.OnTranscriptFinal(ctx, "hi", "user-1", 0)

	// Chunks enqueued before the failure still play; the turn must then
	// settle back to listening instead of sticking in speaking.
	waitFor(t, 3*time.Second, func() bool {
		return somi.State() == StateListening &&
			playback.playCount() == 2 &&
			len(readTurnRecords(t, writer.Path())) == 1
	})

	records := readTurnRecords(t, writer.Path())
	if _, ok := records[0]["agent_error"]; !ok {
		t.Fatalf("expected agent_error flag, got %v", records[0])
	}
}

func TestSupersededTurnWritesCancelledRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := metrics.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create metrics writer: %v", err)
	}

	somi := NewSomiState(testConfig(), &recordingPlayback{}, &scriptedSynth{}, &scriptedAgent{block: true},
		WithMetricsWriter(writer))
	go somi.PlaybackConsumer(ctx)

	if tid := somi.OnTranscriptFinal(ctx, "hello", "user-1", 0); tid != 1 {
		t.Fatalf("expected turn 1, got %d", tid)
	}
	if tid := somi.OnTranscriptFinal(ctx, "actually nevermind", "user-1", 0); tid != 2 {
		t.Fatalf("expected turn 2, got %d", tid)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(readTurnRecords(t, writer.Path())) == 1
	})

	records := readTurnRecords(t, writer.Path())
	if records[0]["turn_id"] != float64(1) || records[0]["cancelled"] != true {
		t.Fatalf("expected cancelled record for turn 1, got %v", records[0])
	}

	somi.mu.Lock()
	_, leakedMetrics := somi.turnMetrics[1]
	_, leakedPending := somi.pendingChunks[1]
	somi.mu.Unlock()
	if leakedMetrics || leakedPending {
		t.Fatalf("expected superseded turn bookkeeping to be cleaned up")
	}
}

func TestEmptyResponseReturnsToListening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := metrics.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create metrics writer: %v", err)
	}

	somi := NewSomiState(testConfig(), &recordingPlayback{}, &scriptedSynth{},
		&scriptedAgent{fragments: []string{"   "}},
		WithMetricsWriter(writer))
	go somi.PlaybackConsumer(ctx)

	somi.OnTranscriptFinal(ctx, "hi", "user-1", 0)

	waitFor(t, 2*time.Second, func() bool {
		return somi.State() == StateListening && len(readTurnRecords(t, writer.Path())) == 1
	})

	records := readTurnRecords(t, writer.Path())
	if records[0]["empty_response"] != true {
		t.Fatalf("expected empty_response flag, got %v", records[0])
	}
}

func TestSynthesisFailureSkipsChunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	playback := &recordingPlayback{}
	synth := &scriptedSynth{err: errors.New("backend down")}
	somi := NewSomiState(testConfig(), playback, synth, &scriptedAgent{fragments: []string{"Hello there."}})
	go somi.PlaybackConsumer(ctx)

	somi.OnTranscriptFinal(ctx, "hi", "user-1", 0)

	waitFor(t, 2*time.Second, func() bool { return somi.State() == StateListening })

	if playback.playCount() != 0 {
		t.Fatalf("expected no audio when synthesis fails, got %d plays", playback.playCount())
	}
}

func TestBackchannelFiresOnlyWhileThinking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.BackchannelAfter = 20 * time.Millisecond

	var fired sync.WaitGroup
	fired.Add(1)
	somi := NewSomiState(cfg, &recordingPlayback{}, &scriptedSynth{}, &scriptedAgent{block: true},
		WithBackchannel(func() { fired.Done() }))
	go somi.PlaybackConsumer(ctx)

	somi.OnTranscriptFinal(ctx, "hi", "user-1", 0)

	done := make(chan struct{})
	go func() { fired.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected backchannel to fire while thinking")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func readTurnRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read metrics file: %v", err)
	}

	var records []map[string]any
	for line := range strings.Lines(string(raw)) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("failed to parse metrics line %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

type scriptedAgent struct {
	fragments []string
	err       error
	block     bool
}

func (a *scriptedAgent) AskStream(ctx context.Context, _ string, _ string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if a.block {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		for _, fragment := range a.fragments {
			if !yield(fragment, nil) {
				return
			}
		}
		if a.err != nil {
			yield("", a.err)
		}
	}
}

type scriptedSynth struct {
	clip time.Duration
	err  error

	mu    sync.Mutex
	texts []string
}

func (s *scriptedSynth) Synthesize(_ context.Context, text string) (texttospeech.Speech, error) {
	if s.err != nil {
		return texttospeech.Speech{}, s.err
	}

	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()

	clip := s.clip
	if clip == 0 {
		clip = 5 * time.Millisecond
	}
	sampleRate := 16000
	return texttospeech.Speech{
		PCM:        make([]float32, int(float64(sampleRate)*clip.Seconds())),
		SampleRate: sampleRate,
	}, nil
}

func (s *scriptedSynth) synthesized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

type recordingPlayback struct {
	mu    sync.Mutex
	plays int
	stops int
}

func (p *recordingPlayback) Play(_ []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	return nil
}

func (p *recordingPlayback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *recordingPlayback) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func (p *recordingPlayback) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
