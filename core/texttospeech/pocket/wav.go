package pocket

import (
	"encoding/binary"
	"fmt"

	"github.com/somihq/somi-core/core/texttospeech"
)

// decodeWAV parses a RIFF/WAVE payload into mono float PCM. Supports the
// shapes local synthesis servers actually produce: 8- or 16-bit integer
// PCM, one or two channels.
func decodeWAV(raw []byte) ([]float32, int, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE payload")
	}

	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		data          []byte
	)

	offset := 12
	for offset+8 <= len(raw) {
		chunkID := string(raw[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(raw[offset+4 : offset+8]))
		body := raw[offset+8:]
		if chunkSize > len(body) {
			chunkSize = len(body)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("truncated fmt chunk")
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			data = body[:chunkSize]
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize + chunkSize%2
	}

	if sampleRate == 0 || data == nil {
		return nil, 0, fmt.Errorf("missing fmt or data chunk")
	}
	if channels != 1 && channels != 2 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d", channels)
	}

	var pcm []float32
	switch bitsPerSample {
	case 16:
		pcm = make([]float32, 0, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			s := int16(binary.LittleEndian.Uint16(data[i:]))
			pcm = append(pcm, float32(s)/32768.0)
		}
	case 8:
		pcm = make([]float32, 0, len(data))
		for _, b := range data {
			pcm = append(pcm, (float32(b)-128.0)/128.0)
		}
	default:
		return nil, 0, fmt.Errorf("unsupported sample width: %d bits", bitsPerSample)
	}

	pcm = texttospeech.Normalize(pcm, channels)
	if len(pcm) == 0 {
		pcm = make([]float32, 1)
	}
	return pcm, sampleRate, nil
}
