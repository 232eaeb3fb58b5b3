package orchestration

import (
	"github.com/somihq/somi-core/core/speechtotext"
)

const defaultUserID = "default_user"

type OrchestratorOption func(*Orchestrator)

func WithCaptureClient(client AudioCapture) OrchestratorOption {
	return func(o *Orchestrator) {
		o.audioIn = newAudioInput(client, o.cfg)
	}
}

func WithTranscriber(client speechtotext.FinalTranscriber) OrchestratorOption {
	return func(o *Orchestrator) {
		o.speechToText = client
	}
}

// WithUserID attributes turns to a specific conversation partner; the
// cognition collaborator keys its memory on it.
func WithUserID(userID string) OrchestratorOption {
	return func(o *Orchestrator) {
		if userID != "" {
			o.userID = userID
		}
	}
}
