package detect

import "testing"

func TestBargeInFiresOncePerOnset(t *testing.T) {
	d := NewBargeInDetector(0.03, 6)

	fired := 0
	for range 60 { // sustained loud condition
		if d.Process(loudFrame(320)) {
			fired++
		}
	}

	// The counter resets on trigger, so a sustained condition re-fires only
	// every consecFrames frames, never once per frame.
	if fired != 10 {
		t.Fatalf("expected 10 triggers over 60 sustained frames, got %d", fired)
	}
}

func TestBargeInResetsOnQuietFrame(t *testing.T) {
	d := NewBargeInDetector(0.03, 3)

	for range 2 {
		if d.Process(loudFrame(320)) {
			t.Fatalf("fired before reaching consecutive frame count")
		}
	}
	if d.Process(silentFrame(320)) {
		t.Fatalf("fired on silence")
	}
	for range 2 {
		if d.Process(loudFrame(320)) {
			t.Fatalf("fired without enough consecutive frames after reset")
		}
	}
	if !d.Process(loudFrame(320)) {
		t.Fatalf("expected trigger on third consecutive loud frame")
	}
}

func TestBargeInBelowThresholdNeverFires(t *testing.T) {
	d := NewBargeInDetector(0.5, 2)
	for range 100 {
		if d.Process(loudFrame(320)) {
			t.Fatalf("fired below threshold")
		}
	}
}
