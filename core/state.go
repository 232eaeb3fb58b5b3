package orchestration

// SessionState is the engine's coarse conversational state. It is
// mutated only by the turn state machine.
type SessionState string

const (
	StateListening SessionState = "LISTENING"
	StateThinking  SessionState = "THINKING"
	StateSpeaking  SessionState = "SPEAKING"
)
