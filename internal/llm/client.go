package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lazypower/promptsmith/internal/config"
)

// ErrUnknownModel is returned for a model key that is not configured or not enabled.
var ErrUnknownModel = errors.New("unknown model key")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, msgs []Message) (*Response, error)
	// Stream calls onToken once per content chunk received and returns the
	// accumulated response when the provider signals the end of the stream.
	Stream(ctx context.Context, msgs []Message, onToken func(string)) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

const defaultTimeout = 120 * time.Second

// newHTTPClient bounds connecting and waiting for response headers by
// timeout. The body is not bounded, so a long stream is only cut off by the
// caller's context.
func newHTTPClient(timeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = 10 * time.Second
	t.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: t}
}

// NewClient creates an LLM client based on the provider type.
func NewClient(cfg config.ProviderConfig) (Client, error) {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	httpClient := newHTTPClient(timeout)

	switch cfg.Type {
	case "openai", "deepseek", "gemini", "siliconflow", "custom":
		if cfg.BaseURL == "" && cfg.Type != "openai" {
			return nil, fmt.Errorf("%s provider requires base_url", cfg.Type)
		}
		if cfg.Model == "" {
			return nil, fmt.Errorf("%s provider requires model", cfg.Type)
		}
		return NewOpenAI(OpenAIConfig{
			Provider:    cfg.Type,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			HTTPClient:  httpClient,
		}), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires api_key")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.APIKey, model, cfg.BaseURL, httpClient), nil
	case "ollama":
		url := cfg.BaseURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model, httpClient), nil
	case "mock":
		return &MockClient{Response: &Response{Content: "mock: " + cfg.Model, Provider: "mock"}}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Type)
	}
}
