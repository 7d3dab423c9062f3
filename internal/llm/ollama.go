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

// Ollama calls a local Ollama instance.
type Ollama struct {
	url    string
	model  string
	client *http.Client
}

// NewOllama creates a new Ollama client.
func NewOllama(url, model string, client *http.Client) *Ollama {
	if client == nil {
		client = newHTTPClient(defaultTimeout)
	}
	return &Ollama{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: client,
	}
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (o *Ollama) post(ctx context.Context, msgs []Message, stream bool) (*http.Response, error) {
	reqBody := map[string]any{
		"model":    o.model,
		"messages": msgs,
		"stream":   stream,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama api status %d: %s", resp.StatusCode, respBody)
	}
	return resp, nil
}

// Complete sends the conversation to Ollama's chat endpoint.
func (o *Ollama) Complete(ctx context.Context, msgs []Message) (*Response, error) {
	resp, err := o.post(ctx, msgs, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("ollama api: %s", result.Error)
	}

	return &Response{
		Content:    result.Message.Content,
		Provider:   "ollama",
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}

// Stream reads Ollama's newline-delimited JSON chunks.
func (o *Ollama) Stream(ctx context.Context, msgs []Message, onToken func(string)) (*Response, error) {
	resp, err := o.post(ctx, msgs, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama stream: %s", chunk.Error)
		}
		if text := chunk.Message.Content; text != "" {
			b.WriteString(text)
			if onToken != nil {
				onToken(text)
			}
		}
		if chunk.Done {
			return &Response{
				Content:    b.String(),
				Provider:   "ollama",
				TokensUsed: chunk.PromptEvalCount + chunk.EvalCount,
			}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	return &Response{Content: b.String(), Provider: "ollama"}, nil
}
