package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fixedAgent struct {
	reply string
	err   error
}

func (f *fixedAgent) Ask(_ context.Context, _ string, _ string) (string, error) {
	return f.reply, f.err
}

func TestEmulateStreamPreservesContent(t *testing.T) {
	reply := strings.Repeat("the quick brown fox jumps over the lazy dog ", 5)
	stream := EmulateStream(&fixedAgent{reply: reply}, 16)

	var got strings.Builder
	var fragments int
	for fragment, err := range stream.AskStream(context.Background(), "hello", "user-1") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got.WriteString(fragment)
		fragments++
	}

	if got.String() != reply {
		t.Fatalf("reassembled reply does not match original")
	}
	if fragments < 2 {
		t.Fatalf("expected multiple fragments, got %d", fragments)
	}
}

func TestEmulateStreamFragmentsAreRuneSafe(t *testing.T) {
	reply := strings.Repeat("héllo wörld ", 10)
	stream := EmulateStream(&fixedAgent{reply: reply}, 7)

	for fragment, err := range stream.AskStream(context.Background(), "hi", "user-1") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.ContainsRune(reply, []rune(fragment)[0]) {
			t.Fatalf("fragment starts with unexpected rune: %q", fragment)
		}
		for _, r := range fragment {
			if r == '�' {
				t.Fatalf("fragment split a rune: %q", fragment)
			}
		}
	}
}

func TestEmulateStreamPropagatesError(t *testing.T) {
	wantErr := errors.New("upstream failure")
	stream := EmulateStream(&fixedAgent{err: wantErr}, 16)

	var sawErr error
	for fragment, err := range stream.AskStream(context.Background(), "hello", "user-1") {
		if err != nil {
			sawErr = err
			continue
		}
		if fragment != "" {
			t.Fatalf("expected no fragments on error, got %q", fragment)
		}
	}
	if !errors.Is(sawErr, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, sawErr)
	}
}

func TestEmulateStreamStopsWhenConsumerBreaks(t *testing.T) {
	stream := EmulateStream(&fixedAgent{reply: strings.Repeat("a", 100)}, 10)

	var fragments int
	for _, err := range stream.AskStream(context.Background(), "hello", "user-1") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		fragments++
		if fragments == 3 {
			break
		}
	}
	if fragments != 3 {
		t.Fatalf("expected 3 fragments before break, got %d", fragments)
	}
}
