package speechtotext

import (
	"errors"
	"testing"
)

func TestCheckSampleRate(t *testing.T) {
	if err := CheckSampleRate(16000, 16000); err != nil {
		t.Fatalf("matching rates should pass, got %v", err)
	}

	err := CheckSampleRate(24000, 16000)
	if !errors.Is(err, ErrSampleRate) {
		t.Fatalf("expected ErrSampleRate, got %v", err)
	}
}
