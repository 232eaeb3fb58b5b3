// Package agent defines the cognition contracts the orchestration layer
// speaks against, plus an adapter that lets non-streaming agents
// participate in the streaming pipeline.
package agent

import (
	"context"
	"iter"
	"unicode/utf8"
)

// Agent produces a complete reply for a user utterance.
type Agent interface {
	Ask(ctx context.Context, text string, userID string) (string, error)
}

// StreamingAgent yields a reply incrementally. The sequence stops after
// the first non-nil error; callers must treat an error element as
// terminal.
type StreamingAgent interface {
	AskStream(ctx context.Context, text string, userID string) iter.Seq2[string, error]
}

type emulatedStream struct {
	agent        Agent
	fragmentSize int
}

const defaultFragmentSize = 48

// EmulateStream adapts a whole-reply agent to the streaming contract by
// slicing its reply into rune-safe fragments. fragmentSize <= 0 picks a
// sensible default.
func EmulateStream(a Agent, fragmentSize int) StreamingAgent {
	if fragmentSize <= 0 {
		fragmentSize = defaultFragmentSize
	}
	return &emulatedStream{agent: a, fragmentSize: fragmentSize}
}

func (e *emulatedStream) AskStream(ctx context.Context, text string, userID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reply, err := e.agent.Ask(ctx, text, userID)
		if err != nil {
			yield("", err)
			return
		}

		for len(reply) > 0 {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}

			cut := e.fragmentSize
			if cut >= len(reply) {
				cut = len(reply)
			} else {
				for cut > 0 && !utf8.RuneStart(reply[cut]) {
					cut--
				}
				if cut == 0 {
					cut = e.fragmentSize
				}
			}

			if !yield(reply[:cut], nil) {
				return
			}
			reply = reply[cut:]
		}
	}
}
