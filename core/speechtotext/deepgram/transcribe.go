// Package deepgram implements the FinalTranscriber contract against the
// Deepgram live transcription websocket, one short-lived connection per
// finalized utterance.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"

	"github.com/somihq/somi-core/core/audio"
	"github.com/somihq/somi-core/core/speechtotext"
)

const defaultListenURL = "wss://api.deepgram.com/v1/listen"

// audio is streamed to the socket in bounded writes so a long utterance
// does not land as one oversized frame.
const sendChunkBytes = 8192

type Transcriber struct {
	apiKey     string
	listenURL  string
	model      string
	language   string
	sampleRate int
}

type TranscriberOption func(*Transcriber)

func WithModel(model string) TranscriberOption {
	return func(t *Transcriber) { t.model = model }
}

func WithLanguage(language string) TranscriberOption {
	return func(t *Transcriber) { t.language = language }
}

// WithSampleRate sets the rate the engine is configured for; utterances at
// any other rate are rejected.
func WithSampleRate(sampleRate int) TranscriberOption {
	return func(t *Transcriber) { t.sampleRate = sampleRate }
}

func WithListenURL(listenURL string) TranscriberOption {
	return func(t *Transcriber) { t.listenURL = listenURL }
}

var _ speechtotext.FinalTranscriber = (*Transcriber)(nil)

func NewTranscriber(opts ...TranscriberOption) (*Transcriber, error) {
	apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
	if !ok {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	t := &Transcriber{
		apiKey:     apiKey,
		listenURL:  defaultListenURL,
		model:      "nova-3",
		language:   "en-US",
		sampleRate: audio.DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transcriber) TranscribeFinal(ctx context.Context, pcm []float32, sampleRate int) (speechtotext.Transcript, error) {
	ctx, span := tracer.Start(ctx, "transcribe utterance")
	defer span.End()

	if err := speechtotext.CheckSampleRate(sampleRate, t.sampleRate); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speechtotext.Transcript{}, err
	}

	conn, err := t.dial()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speechtotext.Transcript{}, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := t.sendUtterance(conn, audio.ToS16LE(pcm)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speechtotext.Transcript{}, err
	}

	transcript, err := t.collectFinals(conn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speechtotext.Transcript{}, err
	}
	return transcript, nil
}

func (t *Transcriber) dial() (*websocket.Conn, error) {
	listenURL, err := url.Parse(t.listenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}

	queryParams := listenURL.Query()
	queryParams.Set("encoding", "linear16")
	queryParams.Set("sample_rate", strconv.Itoa(t.sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", t.model)
	queryParams.Set("language", t.language)
	queryParams.Set("smart_format", "true")
	listenURL.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(listenURL.String(),
		http.Header{"Authorization": {"Token " + t.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

func (t *Transcriber) sendUtterance(conn *websocket.Conn, raw []byte) error {
	for len(raw) > 0 {
		n := min(len(raw), sendChunkBytes)
		if err := conn.WriteMessage(websocket.BinaryMessage, raw[:n]); err != nil {
			return fmt.Errorf("failed to write audio to deepgram: %w", err)
		}
		raw = raw[n:]
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

// collectFinals reads messages until the server closes the stream,
// accumulating final transcript segments.
func (t *Transcriber) collectFinals(conn *websocket.Conn) (speechtotext.Transcript, error) {
	var segments []string
	var confidence *float64

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			if len(segments) > 0 {
				// The transcript already arrived; an unclean teardown is
				// not worth failing the utterance over.
				logger.Warn("deepgram stream ended uncleanly", "error", err)
				break
			}
			return speechtotext.Transcript{}, fmt.Errorf("failed to read deepgram message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var parsedMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.Warn("failed to unmarshal deepgram message", "error", err)
			continue
		}
		if api.TypeResponse(parsedMsg.Type) != api.TypeMessageResponse {
			continue
		}

		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.Warn("failed to unmarshal deepgram transcript", "error", err)
			continue
		}
		if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
			continue
		}

		alternative := msgResp.Channel.Alternatives[0]
		if segment := strings.TrimSpace(alternative.Transcript); segment != "" {
			segments = append(segments, segment)
			c := alternative.Confidence
			confidence = &c
		}
	}

	return speechtotext.Transcript{
		Text:       strings.Join(segments, " "),
		Confidence: confidence,
	}, nil
}
