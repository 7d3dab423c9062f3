package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/config"
)

// StreamCallbacks receive the events of one streamed request.
type StreamCallbacks struct {
	OnToken    func(token string)
	OnComplete func(content string)
	OnError    func(err error)
}

// Gateway sends chat messages to the provider configured under a model key.
type Gateway interface {
	SendMessage(ctx context.Context, msgs []Message, modelKey string) (string, error)
	SendMessageStream(ctx context.Context, msgs []Message, modelKey string, cb StreamCallbacks) error
}

// ModelInfo describes an enabled model key.
type ModelInfo struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Default  bool   `json:"default"`
}

// Registry maps model keys to provider clients. It implements Gateway.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	models   map[string]ModelInfo
	fallback string
}

// NewRegistry builds clients for every enabled provider in cfg. A provider
// whose client cannot be built is skipped with a warning.
func NewRegistry(cfg config.LLMConfig) *Registry {
	r := &Registry{}
	r.Reload(cfg)
	return r
}

// Reload replaces all clients with ones built from cfg.
func (r *Registry) Reload(cfg config.LLMConfig) {
	clients := make(map[string]Client)
	models := make(map[string]ModelInfo)
	for key, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		c, err := NewClient(p)
		if err != nil {
			log.Warn().Err(err).Str("model", key).Msg("skipping provider")
			continue
		}
		clients[key] = c
		name := p.Name
		if name == "" {
			name = key
		}
		models[key] = ModelInfo{Key: key, Name: name, Provider: p.Type, Model: p.Model, Default: key == cfg.DefaultModel}
	}

	r.mu.Lock()
	r.clients = clients
	r.models = models
	r.fallback = cfg.DefaultModel
	r.mu.Unlock()

	log.Debug().Int("models", len(clients)).Msg("llm registry loaded")
}

// Register adds or replaces the client under key.
func (r *Registry) Register(key string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = make(map[string]Client)
		r.models = make(map[string]ModelInfo)
	}
	r.clients[key] = c
	r.models[key] = ModelInfo{Key: key, Name: key, Provider: fmt.Sprintf("%T", c), Default: key == r.fallback}
}

// Client returns the client for key.
func (r *Registry) Client(key string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, key)
	}
	return c, nil
}

// DefaultModel returns the configured default model key.
func (r *Registry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Models lists the enabled model keys sorted by key.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SendMessage performs one non-streaming completion.
func (r *Registry) SendMessage(ctx context.Context, msgs []Message, modelKey string) (string, error) {
	c, err := r.Client(modelKey)
	if err != nil {
		return "", err
	}
	resp, err := c.Complete(ctx, msgs)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// SendMessageStream streams a completion. Exactly one of OnComplete or
// OnError is called, and the error passed to OnError is also returned.
func (r *Registry) SendMessageStream(ctx context.Context, msgs []Message, modelKey string, cb StreamCallbacks) error {
	fail := func(err error) error {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	c, err := r.Client(modelKey)
	if err != nil {
		return fail(err)
	}
	resp, err := c.Stream(ctx, msgs, cb.OnToken)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if cb.OnComplete != nil {
		cb.OnComplete(resp.Content)
	}
	return nil
}
