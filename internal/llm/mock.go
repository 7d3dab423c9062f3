package llm

import (
	"context"
	"strings"
	"sync"
)

// MockClient is a test double for the LLM Client interface.
// It can also be used for dry-run mode.
type MockClient struct {
	Response *Response
	Err      error
	// Tokens, when set, are streamed one by one; otherwise Response.Content is
	// streamed as a single token.
	Tokens []string
	// BeforeToken runs before token i is delivered.
	BeforeToken func(i int)

	mu    sync.Mutex
	Calls [][]Message // records conversations sent
}

func (m *MockClient) record(msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, msgs)
}

// CallCount returns how many requests were made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, msgs []Message) (*Response, error) {
	m.record(msgs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Response, m.Err
}

// Stream records the call and delivers Tokens, honoring ctx between tokens.
func (m *MockClient) Stream(ctx context.Context, msgs []Message, onToken func(string)) (*Response, error) {
	m.record(msgs)
	if m.Err != nil {
		return nil, m.Err
	}

	tokens := m.Tokens
	if len(tokens) == 0 && m.Response != nil && m.Response.Content != "" {
		tokens = []string{m.Response.Content}
	}

	var b strings.Builder
	for i, tok := range tokens {
		if m.BeforeToken != nil {
			m.BeforeToken(i)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.WriteString(tok)
		if onToken != nil {
			onToken(tok)
		}
	}

	provider := "mock"
	if m.Response != nil && m.Response.Provider != "" {
		provider = m.Response.Provider
	}
	return &Response{Content: b.String(), Provider: provider}, nil
}
