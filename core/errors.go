package orchestration

import "errors"

// ErrAudioDevice marks capture or playback device failures. These are
// the only failures that escape Run; per-turn failures heal back to
// listening on their own.
var ErrAudioDevice = errors.New("audio device failure")
