package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestTurnTimingsDurations(t *testing.T) {
	tm := NewTurnTimings(7)
	tm.MarkAt(MarkVADFinalized, tm.CreatedAt.Add(10*time.Millisecond))
	tm.MarkAt(MarkFirstAudio, tm.CreatedAt.Add(250*time.Millisecond))

	durations := tm.DurationsMS()
	if got := durations[MarkVADFinalized]; got != 10 {
		t.Fatalf("expected 10ms for vad_finalized, got %f", got)
	}
	if got := durations[MarkFirstAudio]; got != 250 {
		t.Fatalf("expected 250ms for first_audio, got %f", got)
	}
	if _, ok := durations[MarkAgentDone]; ok {
		t.Fatalf("unmarked milestone should not appear in durations")
	}
}

func TestMarkOnceKeepsFirstInstant(t *testing.T) {
	tm := NewTurnTimings(1)
	tm.MarkOnce(MarkAgentDone)
	first := tm.DurationsMS()[MarkAgentDone]

	time.Sleep(5 * time.Millisecond)
	tm.MarkOnce(MarkAgentDone)

	if got := tm.DurationsMS()[MarkAgentDone]; got != first {
		t.Fatalf("MarkOnce overwrote the first instant: %f != %f", got, first)
	}
}

func TestWriterAppendsOneRecordPerTurn(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	tm := NewTurnTimings(3)
	tm.Mark(MarkVADFinalized)
	tm.SetFlag("cancelled", true)
	if err := w.WriteTurn(tm); err != nil {
		t.Fatalf("failed to write turn: %v", err)
	}

	tm2 := NewTurnTimings(4)
	if err := w.WriteTurn(tm2); err != nil {
		t.Fatalf("failed to write second turn: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("failed to open run file: %v", err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("invalid JSON line: %v", err)
		}
		records = append(records, record)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["turn_id"].(float64) != 3 {
		t.Fatalf("unexpected turn_id: %v", records[0]["turn_id"])
	}
	if records[0]["cancelled"] != true {
		t.Fatalf("expected cancelled flag on first record")
	}
	if _, ok := records[0]["durations_ms"].(map[string]any)["vad_finalized"]; !ok {
		t.Fatalf("expected vad_finalized duration in record")
	}
	if _, ok := records[1]["cancelled"]; ok {
		t.Fatalf("flag leaked into second record")
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	if err := w.WriteTurn(NewTurnTimings(1)); err != nil {
		t.Fatalf("nil writer should be a no-op, got %v", err)
	}
}
