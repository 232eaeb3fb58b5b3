// Package deepgram implements the Synthesizer contract against the
// Deepgram Speak REST endpoint, requesting raw linear16 so no container
// parsing is needed.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/somihq/somi-core/core/audio"
	"github.com/somihq/somi-core/core/texttospeech"
)

const (
	defaultSpeakURL   = "https://api.deepgram.com/v1/speak"
	defaultModel      = "aura-2-thalia-en"
	defaultSampleRate = 24000
	defaultTimeout    = 30 * time.Second
)

type Speaker struct {
	apiKey     string
	speakURL   string
	model      string
	sampleRate int
	httpClient *http.Client

	allowFallbackTone bool
}

type SpeakerOption func(*Speaker)

func WithModel(model string) SpeakerOption {
	return func(s *Speaker) { s.model = model }
}

func WithSampleRate(sampleRate int) SpeakerOption {
	return func(s *Speaker) { s.sampleRate = sampleRate }
}

func WithSpeakURL(speakURL string) SpeakerOption {
	return func(s *Speaker) { s.speakURL = speakURL }
}

// WithFallbackTone substitutes an audible placeholder tone on synthesis
// failure instead of surfacing the error.
func WithFallbackTone() SpeakerOption {
	return func(s *Speaker) { s.allowFallbackTone = true }
}

var _ texttospeech.Synthesizer = (*Speaker)(nil)

func NewSpeaker(opts ...SpeakerOption) (*Speaker, error) {
	apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
	if !ok {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	s := &Speaker{
		apiKey:     apiKey,
		speakURL:   defaultSpeakURL,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Speaker) Synthesize(ctx context.Context, text string) (texttospeech.Speech, error) {
	ctx, span := tracer.Start(ctx, "synthesize chunk")
	defer span.End()

	speech, err := s.synthesize(ctx, text)
	if err == nil {
		return speech, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if !s.allowFallbackTone {
		return texttospeech.Speech{}, &texttospeech.SynthesisError{Backend: "deepgram", Err: err}
	}

	logger.Error("deepgram synthesis failed, substituting fallback tone", "error", err)
	return texttospeech.FallbackTone(text, s.sampleRate), nil
}

func (s *Speaker) synthesize(ctx context.Context, text string) (texttospeech.Speech, error) {
	speakURL, err := url.Parse(s.speakURL)
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("invalid speak url: %w", err)
	}
	queryParams := speakURL.Query()
	queryParams.Set("model", s.model)
	queryParams.Set("encoding", "linear16")
	queryParams.Set("sample_rate", strconv.Itoa(s.sampleRate))
	queryParams.Set("container", "none")
	speakURL.RawQuery = queryParams.Encode()

	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("failed to marshal speak request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, speakURL.String(), bytes.NewReader(body))
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("failed to build speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("speak request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return texttospeech.Speech{}, fmt.Errorf("speak request returned %d: %s", resp.StatusCode, payload)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("failed to read speak response: %w", err)
	}

	pcm := texttospeech.Normalize(audio.FromS16LE(raw), 1)
	if len(pcm) == 0 {
		return texttospeech.Speech{}, fmt.Errorf("speak response contained no audio")
	}
	return texttospeech.Speech{PCM: pcm, SampleRate: s.sampleRate}, nil
}
