package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures any OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Provider    string // reported in Response.Provider; defaults to "openai"
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI talks to OpenAI and OpenAI-compatible APIs (DeepSeek, Gemini's
// compatibility endpoint, self-hosted gateways) through the official SDK.
type OpenAI struct {
	provider    string
	model       string
	temperature float64
	client      openai.Client
}

// NewOpenAI creates a client. SDK retries are disabled; a flow is a single attempt.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(defaultTimeout)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}

	return &OpenAI{
		provider:    cfg.Provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      openai.NewClient(opts...),
	}
}

func (o *OpenAI) params(msgs []Message) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: out,
	}
	if o.temperature > 0 {
		p.Temperature = openai.Float(o.temperature)
	}
	return p
}

// Complete sends the conversation and returns the first choice.
func (o *OpenAI) Complete(ctx context.Context, msgs []Message) (*Response, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(msgs))
	if err != nil {
		return nil, o.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s api: response has no choices", o.provider)
	}
	return &Response{
		Content:    resp.Choices[0].Message.Content,
		Provider:   o.provider,
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}

// Stream sends the conversation with stream=true and relays content deltas.
func (o *OpenAI) Stream(ctx context.Context, msgs []Message, onToken func(string)) (*Response, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(msgs))
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		b.WriteString(text)
		if onToken != nil {
			onToken(text)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, o.mapError(err)
	}
	return &Response{Content: b.String(), Provider: o.provider}, nil
}

func (o *OpenAI) mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api status %d: %s", o.provider, apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("%s api status %d", o.provider, apiErr.StatusCode)
	}
	return fmt.Errorf("%s api: %w", o.provider, err)
}
