// Package openai adapts an OpenAI-compatible chat-completions endpoint
// to the agent contracts, keeping a short per-user conversation history
// so consecutive turns stay coherent.
package openai

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/somihq/somi-core/core/agent"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultSystemPrompt = "You are a friendly voice companion. Keep replies short, conversational, and suited to being read aloud."
	defaultHistoryTurns = 12
	defaultTimeout      = 60 * time.Second
)

type Agent struct {
	client       openai.Client
	model        string
	systemPrompt string
	historyTurns int

	mu        sync.Mutex
	histories map[string][]openai.ChatCompletionMessageParamUnion
}

type AgentOption func(*agentOptions)

type agentOptions struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	historyTurns int
	timeout      time.Duration
}

func WithBaseURL(baseURL string) AgentOption {
	return func(o *agentOptions) { o.baseURL = baseURL }
}

func WithAPIKey(apiKey string) AgentOption {
	return func(o *agentOptions) { o.apiKey = apiKey }
}

func WithModel(model string) AgentOption {
	return func(o *agentOptions) { o.model = model }
}

func WithSystemPrompt(prompt string) AgentOption {
	return func(o *agentOptions) { o.systemPrompt = prompt }
}

// WithHistoryTurns bounds how many prior exchanges are replayed into
// each request. Zero disables history entirely.
func WithHistoryTurns(turns int) AgentOption {
	return func(o *agentOptions) { o.historyTurns = turns }
}

func WithTimeout(timeout time.Duration) AgentOption {
	return func(o *agentOptions) { o.timeout = timeout }
}

var _ interface {
	agent.Agent
	agent.StreamingAgent
} = (*Agent)(nil)

func NewAgent(opts ...AgentOption) (*Agent, error) {
	options := agentOptions{
		apiKey:       os.Getenv("OPENAI_API_KEY"),
		model:        defaultModel,
		systemPrompt: defaultSystemPrompt,
		historyTurns: defaultHistoryTurns,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.apiKey == "" {
		return nil, fmt.Errorf("openai api key not found")
	}

	requestOpts := []option.RequestOption{
		option.WithAPIKey(options.apiKey),
		option.WithHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   options.timeout,
		}),
	}
	if options.baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(options.baseURL))
	}

	return &Agent{
		client:       openai.NewClient(requestOpts...),
		model:        options.model,
		systemPrompt: options.systemPrompt,
		historyTurns: options.historyTurns,
		histories:    map[string][]openai.ChatCompletionMessageParamUnion{},
	}, nil
}

// Ask runs a full round trip and returns the complete reply.
func (a *Agent) Ask(ctx context.Context, text string, userID string) (string, error) {
	var reply strings.Builder
	for fragment, err := range a.AskStream(ctx, text, userID) {
		if err != nil {
			return "", err
		}
		reply.WriteString(fragment)
	}
	return reply.String(), nil
}

// AskStream yields the reply as the model produces it. The user turn is
// committed to history only once the stream finishes cleanly, so a
// cancelled turn leaves no half-exchange behind.
func (a *Agent) AskStream(ctx context.Context, text string, userID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "ask agent")
		defer span.End()

		params := openai.ChatCompletionNewParams{
			Model:    a.model,
			Messages: a.buildMessages(text, userID),
		}

		stream := a.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var reply strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			reply.WriteString(delta)
			if !yield(delta, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("chat stream failed", "error", err)
			yield("", fmt.Errorf("chat stream failed: %w", err))
			return
		}

		a.commitExchange(userID, text, reply.String())
	}
}

func (a *Agent) buildMessages(text string, userID string) []openai.ChatCompletionMessageParamUnion {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(a.systemPrompt),
	}
	messages = append(messages, a.histories[userID]...)
	return append(messages, openai.UserMessage(text))
}

func (a *Agent) commitExchange(userID string, text string, reply string) {
	if a.historyTurns <= 0 || reply == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	history := append(a.histories[userID],
		openai.UserMessage(text),
		openai.AssistantMessage(reply),
	)
	if excess := len(history) - 2*a.historyTurns; excess > 0 {
		history = history[excess:]
	}
	a.histories[userID] = history
}
