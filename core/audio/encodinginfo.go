package audio

import "time"

const (
	DefaultSampleRate    = 16000
	DefaultFrameDuration = 20 * time.Millisecond
	DefaultFormat        = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	case EncodingFloat32:
		return 4
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
	EncodingFloat32  encodingFormat = "float32"
)

// FrameSamples returns the number of mono samples in one frame of the
// given duration at the given sample rate.
func FrameSamples(sampleRate int, frameDuration time.Duration) int {
	return int(float64(sampleRate) * frameDuration.Seconds())
}

// Duration returns the playback duration of a mono float PCM buffer.
func Duration(pcm []float32, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(pcm)) / float64(sampleRate) * float64(time.Second))
}
