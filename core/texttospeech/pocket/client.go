// Package pocket implements the Synthesizer contract against a local
// OpenAI-compatible speech server (POST /v1/audio/speech returning WAV).
package pocket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/somihq/somi-core/core/texttospeech"
)

const (
	defaultBaseURL    = "http://127.0.0.1:8001/v1"
	defaultVoice      = "nova"
	defaultModel      = "pocket-tts"
	defaultSampleRate = 24000
	defaultTimeout    = 30 * time.Second
)

type Client struct {
	client openai.Client

	voice string
	model string
	speed float64
	// fallbackSampleRate sizes the placeholder tone when synthesis fails.
	fallbackSampleRate int
	allowFallbackTone  bool
}

type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL string
	voice   string
	model   string
	speed   float64
	timeout time.Duration

	fallbackSampleRate int
	allowFallbackTone  bool
}

func WithBaseURL(baseURL string) ClientOption {
	return func(c *clientConfig) { c.baseURL = baseURL }
}

func WithVoice(voice string) ClientOption {
	return func(c *clientConfig) { c.voice = voice }
}

func WithModel(model string) ClientOption {
	return func(c *clientConfig) { c.model = model }
}

func WithSpeed(speed float64) ClientOption {
	return func(c *clientConfig) { c.speed = speed }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = timeout }
}

// WithFallbackTone keeps the pipeline alive on synthesis failures by
// substituting an audible placeholder tone instead of returning an error.
func WithFallbackTone(sampleRate int) ClientOption {
	return func(c *clientConfig) {
		c.allowFallbackTone = true
		c.fallbackSampleRate = sampleRate
	}
}

var _ texttospeech.Synthesizer = (*Client)(nil)

func NewClient(opts ...ClientOption) *Client {
	cfg := clientConfig{
		baseURL:            defaultBaseURL,
		voice:              defaultVoice,
		model:              defaultModel,
		speed:              1.0,
		timeout:            defaultTimeout,
		fallbackSampleRate: defaultSampleRate,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		client: openai.NewClient(
			option.WithBaseURL(cfg.baseURL),
			option.WithAPIKey("unused-local"),
			option.WithHTTPClient(&http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
				Timeout:   cfg.timeout,
			}),
		),
		voice:              cfg.voice,
		model:              cfg.model,
		speed:              cfg.speed,
		fallbackSampleRate: cfg.fallbackSampleRate,
		allowFallbackTone:  cfg.allowFallbackTone,
	}
}

func (c *Client) Synthesize(ctx context.Context, text string) (texttospeech.Speech, error) {
	ctx, span := tracer.Start(ctx, "synthesize chunk")
	defer span.End()

	speech, err := c.synthesize(ctx, text)
	if err == nil {
		return speech, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if !c.allowFallbackTone {
		return texttospeech.Speech{}, &texttospeech.SynthesisError{Backend: "pocket", Err: err}
	}

	logger.Error("pocket synthesis failed, substituting fallback tone", "error", err)
	return texttospeech.FallbackTone(text, c.fallbackSampleRate), nil
}

func (c *Client) synthesize(ctx context.Context, text string) (texttospeech.Speech, error) {
	res, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(c.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
		Speed:          openai.Float(c.speed),
	})
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("speech request failed: %w", err)
	}
	defer res.Body.Close()

	wav, err := io.ReadAll(res.Body)
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("failed to read speech response: %w", err)
	}

	pcm, sampleRate, err := decodeWAV(wav)
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("failed to decode speech response: %w", err)
	}
	return texttospeech.Speech{PCM: pcm, SampleRate: sampleRate}, nil
}
