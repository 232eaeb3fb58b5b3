package orchestration

// EchoPolicy selects how aggressively recognition is suppressed while
// the engine is producing audio. Tier0 and tier1 both disable STT for
// the duration of speech output; this is a coarse gate, not acoustic
// echo cancellation.
type EchoPolicy string

const (
	EchoPolicyTier0 EchoPolicy = "tier0"
	EchoPolicyTier1 EchoPolicy = "tier1"
	EchoPolicyOff   EchoPolicy = "off"
)

// STTAllowed reports whether recognition may run in the given state.
func (p EchoPolicy) STTAllowed(state SessionState) bool {
	if (p == EchoPolicyTier0 || p == EchoPolicyTier1) && state == StateSpeaking {
		return false
	}
	return true
}
