package orchestration

import (
	"testing"
	"time"
)

func TestVADTunablesReachTheDetectorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartFrames = 5
	cfg.AdaptiveThreshold = true
	cfg.CalibrationWindow = 900 * time.Millisecond
	cfg.NoiseFloorMultiplier = 4.5

	vc := cfg.vadConfig()
	if vc.StartFrames != 5 {
		t.Fatalf("expected start frames 5, got %d", vc.StartFrames)
	}
	if !vc.AdaptiveThreshold || vc.CalibrationWindow != 900*time.Millisecond {
		t.Fatalf("expected calibration window 900ms, got %s (adaptive=%v)", vc.CalibrationWindow, vc.AdaptiveThreshold)
	}
	if vc.NoiseFloorMultiplier != 4.5 {
		t.Fatalf("expected noise floor multiplier 4.5, got %v", vc.NoiseFloorMultiplier)
	}
}

func TestDefaultConfigFillsVADTunables(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.StartFrames != 3 {
		t.Fatalf("expected default start frames 3, got %d", cfg.StartFrames)
	}
	if cfg.CalibrationWindow != 400*time.Millisecond {
		t.Fatalf("expected default calibration window 400ms, got %s", cfg.CalibrationWindow)
	}
	if cfg.NoiseFloorMultiplier != 3 {
		t.Fatalf("expected default noise floor multiplier 3, got %v", cfg.NoiseFloorMultiplier)
	}
}
