package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer appends one JSON object per completed or aborted turn to an
// append-only JSON Lines file. Writes happen only at terminal turn
// transitions, never per-frame.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates the run file in dir, one file per writer lifetime.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("run_%s.jsonl", uuid.NewString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics run file: %w", err)
	}
	f.Close()

	return &Writer{path: path}, nil
}

// Path returns the run file location.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// WriteTurn appends the turn record. Failures are returned, not fatal:
// metrics never take a turn down with them.
func (w *Writer) WriteTurn(turn *TurnTimings) error {
	if w == nil || turn == nil {
		return nil
	}

	record := map[string]any{
		"turn_id":      turn.TurnID,
		"ts":           float64(time.Now().UnixNano()) / float64(time.Second),
		"durations_ms": turn.DurationsMS(),
	}
	for name, value := range turn.Flags() {
		record[name] = value
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal turn record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open metrics run file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append turn record: %w", err)
	}
	return nil
}
