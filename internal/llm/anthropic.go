package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

// NewAnthropic creates a new Anthropic API client. An empty url uses the public API.
func NewAnthropic(apiKey, model, url string, client *http.Client) *Anthropic {
	if url == "" {
		url = anthropicAPI
	}
	if client == nil {
		client = newHTTPClient(defaultTimeout)
	}
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		url:    url,
		client: client,
	}
}

func (a *Anthropic) post(ctx context.Context, msgs []Message, stream bool) (*http.Response, error) {
	var system []string
	turns := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, map[string]string{"role": m.Role, "content": m.Content})
	}

	reqBody := map[string]any{
		"model":      a.model,
		"max_tokens": 4096,
		"messages":   turns,
		"stream":     stream,
	}
	if len(system) > 0 {
		reqBody["system"] = strings.Join(system, "\n\n")
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic api status %d: %s", resp.StatusCode, respBody)
	}
	return resp, nil
}

// Complete sends the conversation to the Anthropic API.
func (a *Anthropic) Complete(ctx context.Context, msgs []Message) (*Response, error) {
	resp, err := a.post(ctx, msgs, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}

	return &Response{
		Content:    text,
		Provider:   "anthropic",
		TokensUsed: result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}

// Stream reads the Messages API server-sent events and relays text deltas.
func (a *Anthropic) Stream(ctx context.Context, msgs []Message, onToken func(string)) (*Response, error) {
	resp, err := a.post(ctx, msgs, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			b.WriteString(event.Delta.Text)
			if onToken != nil {
				onToken(event.Delta.Text)
			}
		case "error":
			return nil, fmt.Errorf("anthropic stream: %s", event.Error.Message)
		case "message_stop":
			return &Response{Content: b.String(), Provider: "anthropic"}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &Response{Content: b.String(), Provider: "anthropic"}, nil
}
