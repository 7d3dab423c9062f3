// Package service runs the optimize, iterate and test flows: it renders a
// template, calls the model through the gateway and records the result in
// prompt history.
package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/llm"
	"github.com/lazypower/promptsmith/internal/metrics"
	"github.com/lazypower/promptsmith/internal/template"
)

// Default template ids used when a request names none.
const (
	DefaultOptimizeTemplate = "general-optimize"
	DefaultIterateTemplate  = "iterate"
)

const DefaultMaxPromptLength = 50000

// History is the part of the history manager the flows write through.
type History interface {
	Chain(ctx context.Context, chainID string) (*history.Chain, error)
	CreateNewChain(ctx context.Context, p history.NewChainParams) (*history.Chain, error)
	AddIteration(ctx context.Context, p history.IterationParams) (*history.Chain, error)
	Stats(ctx context.Context) (history.Stats, error)
}

type OptimizeRequest struct {
	Prompt     string `json:"prompt"`
	ModelKey   string `json:"modelKey"`
	TemplateID string `json:"templateId"`
	ChainID    string `json:"chainId,omitempty"`
}

type IterateRequest struct {
	ChainID             string `json:"chainId"`
	OriginalPrompt      string `json:"originalPrompt,omitempty"`
	LastOptimizedPrompt string `json:"lastOptimizedPrompt,omitempty"`
	IterateInput        string `json:"iterateInput"`
	ModelKey            string `json:"modelKey"`
	TemplateID          string `json:"templateId"`
}

type TestRequest struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UserPrompt   string `json:"userPrompt"`
	ModelKey     string `json:"modelKey"`
}

// StreamHandlers receive the events of a streamed optimize or iterate flow.
// Exactly one of OnComplete or OnError is called.
type StreamHandlers struct {
	OnToken    func(token string)
	OnComplete func(chain *history.Chain)
	OnError    func(err error)
}

// TestHandlers receive the events of a streamed test flow.
type TestHandlers struct {
	OnToken    func(token string)
	OnComplete func(content string)
	OnError    func(err error)
}

// Service runs prompt flows.
type Service struct {
	history   History
	gateway   llm.Gateway
	templates template.Provider

	maxPromptLength int
	metrics         *metrics.Metrics
	countTokens     func(string) int
	now             func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMaxPromptLength caps prompt length in runes.
func WithMaxPromptLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPromptLength = n
		}
	}
}

// WithMetrics records flow metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTokenCounter replaces the tiktoken counter used for record metadata.
func WithTokenCounter(fn func(string) int) Option {
	return func(s *Service) { s.countTokens = fn }
}

// WithClock sets the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(h History, gw llm.Gateway, templates template.Provider, opts ...Option) *Service {
	s := &Service{
		history:         h,
		gateway:         gw,
		templates:       templates,
		maxPromptLength: DefaultMaxPromptLength,
		countTokens:     CountTokens,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) checkText(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("%s is required", field)
	}
	if n := utf8.RuneCountInString(text); n > s.maxPromptLength {
		return invalid("%s is %d characters, limit is %d", field, n, s.maxPromptLength)
	}
	return nil
}

func (s *Service) resolveTemplate(ctx context.Context, id, fallback string, allowed ...template.Type) (*template.Template, error) {
	if id == "" {
		id = fallback
	}
	tmpl, err := s.templates.Template(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range allowed {
		if tmpl.Metadata.TemplateType == t {
			return tmpl, nil
		}
	}
	return nil, invalid("template %q is a %s template", id, tmpl.Metadata.TemplateType)
}

// complete calls the model, streaming when onToken is non-nil.
func (s *Service) complete(ctx context.Context, flow string, msgs []llm.Message, modelKey string, onToken func(string)) (string, error) {
	var out string
	if onToken == nil {
		var err error
		out, err = s.gateway.SendMessage(ctx, msgs, modelKey)
		if err != nil {
			return "", err
		}
	} else {
		err := s.gateway.SendMessageStream(ctx, msgs, modelKey, llm.StreamCallbacks{
			OnToken: func(tok string) {
				s.metrics.AddStreamToken(flow)
				onToken(tok)
			},
			OnComplete: func(content string) { out = content },
		})
		if err != nil {
			return "", err
		}
	}
	// A cancelled flow never produces a record, even if the model finished.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func (s *Service) metadata(msgs []llm.Message, start time.Time) map[string]any {
	md := map[string]any{"durationMs": s.now().Sub(start).Milliseconds()}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
	}
	if n := s.countTokens(b.String()); n > 0 {
		md["promptTokens"] = n
	}
	return md
}

func (s *Service) observe(ctx context.Context, flow, modelKey string, start time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeError
	}
	elapsed := s.now().Sub(start)
	s.metrics.ObserveFlow(flow, modelKey, outcome, elapsed)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("flow", flow).Str("model", modelKey).Str("outcome", outcome).Dur("elapsed", elapsed).Msg("flow finished")

	if err == nil && s.metrics != nil && flow != "test" {
		if st, serr := s.history.Stats(ctx); serr == nil {
			s.metrics.SetHistory(st.Records, st.Chains)
		}
	}
}

func (s *Service) optimize(ctx context.Context, req OptimizeRequest, onToken func(string)) (*history.Chain, error) {
	start := s.now()
	if err := s.checkText("prompt", req.Prompt); err != nil {
		return nil, err
	}
	if req.ModelKey == "" {
		return nil, invalid("model key is required")
	}
	tmpl, err := s.resolveTemplate(ctx, req.TemplateID, DefaultOptimizeTemplate, template.TypeOptimize, template.TypeUserOptimize)
	if err != nil {
		return nil, err
	}

	msgs := template.Render(tmpl, map[string]string{template.VarOriginalPrompt: req.Prompt})
	out, err := s.complete(ctx, "optimize", msgs, req.ModelKey, onToken)
	if err != nil {
		return nil, err
	}

	return s.history.CreateNewChain(ctx, history.NewChainParams{
		ChainID:         req.ChainID,
		OriginalPrompt:  req.Prompt,
		OptimizedPrompt: out,
		ModelKey:        req.ModelKey,
		TemplateID:      tmpl.ID,
		Metadata:        s.metadata(msgs, start),
	})
}

// Optimize runs the optimize flow and stores the result as a new chain.
func (s *Service) Optimize(ctx context.Context, req OptimizeRequest) (*history.Chain, error) {
	start := s.now()
	chain, err := s.optimize(ctx, req, nil)
	s.observe(ctx, "optimize", req.ModelKey, start, err)
	if err != nil {
		return nil, &OptimizationError{Input: req, Err: err}
	}
	return chain, nil
}

// OptimizeStream is Optimize with token streaming.
func (s *Service) OptimizeStream(ctx context.Context, req OptimizeRequest, h StreamHandlers) error {
	start := s.now()
	chain, err := s.optimize(ctx, req, tokenSink(h.OnToken))
	s.observe(ctx, "optimize", req.ModelKey, start, err)
	if err != nil {
		return fail(h.OnError, &OptimizationError{Input: req, Err: err})
	}
	if h.OnComplete != nil {
		h.OnComplete(chain)
	}
	return nil
}

func (s *Service) iterate(ctx context.Context, req *IterateRequest, onToken func(string)) (*history.Chain, error) {
	start := s.now()
	if req.ChainID == "" {
		return nil, invalid("chain id is required")
	}
	if err := s.checkText("iterate input", req.IterateInput); err != nil {
		return nil, err
	}
	if req.ModelKey == "" {
		return nil, invalid("model key is required")
	}

	chain, err := s.history.Chain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	if req.OriginalPrompt == "" {
		req.OriginalPrompt = chain.RootRecord.OriginalPrompt
	}
	if req.LastOptimizedPrompt == "" {
		req.LastOptimizedPrompt = chain.CurrentRecord.OptimizedPrompt
	}
	if err := s.checkText("last optimized prompt", req.LastOptimizedPrompt); err != nil {
		return nil, err
	}

	tmpl, err := s.resolveTemplate(ctx, req.TemplateID, DefaultIterateTemplate, template.TypeIterate)
	if err != nil {
		return nil, err
	}

	msgs := template.Render(tmpl, map[string]string{
		template.VarOriginalPrompt:      req.OriginalPrompt,
		template.VarLastOptimizedPrompt: req.LastOptimizedPrompt,
		template.VarIterateInput:        req.IterateInput,
	})
	out, err := s.complete(ctx, "iterate", msgs, req.ModelKey, onToken)
	if err != nil {
		return nil, err
	}

	return s.history.AddIteration(ctx, history.IterationParams{
		ChainID:         req.ChainID,
		OriginalPrompt:  req.OriginalPrompt,
		OptimizedPrompt: out,
		IterationNote:   req.IterateInput,
		ModelKey:        req.ModelKey,
		TemplateID:      tmpl.ID,
		Metadata:        s.metadata(msgs, start),
	})
}

// Iterate refines the chain's current prompt and appends the result as the
// next version. Empty OriginalPrompt and LastOptimizedPrompt are taken from
// the chain.
func (s *Service) Iterate(ctx context.Context, req IterateRequest) (*history.Chain, error) {
	start := s.now()
	chain, err := s.iterate(ctx, &req, nil)
	s.observe(ctx, "iterate", req.ModelKey, start, err)
	if err != nil {
		return nil, &IterationError{Input: req, Err: err}
	}
	return chain, nil
}

// IterateStream is Iterate with token streaming.
func (s *Service) IterateStream(ctx context.Context, req IterateRequest, h StreamHandlers) error {
	start := s.now()
	chain, err := s.iterate(ctx, &req, tokenSink(h.OnToken))
	s.observe(ctx, "iterate", req.ModelKey, start, err)
	if err != nil {
		return fail(h.OnError, &IterationError{Input: req, Err: err})
	}
	if h.OnComplete != nil {
		h.OnComplete(chain)
	}
	return nil
}

func (s *Service) test(ctx context.Context, req TestRequest, onToken func(string)) (string, error) {
	if err := s.checkText("user prompt", req.UserPrompt); err != nil {
		return "", err
	}
	if utf8.RuneCountInString(req.SystemPrompt) > s.maxPromptLength {
		return "", invalid("system prompt exceeds %d characters", s.maxPromptLength)
	}
	if req.ModelKey == "" {
		return "", invalid("model key is required")
	}

	var msgs []llm.Message
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.UserPrompt})
	return s.complete(ctx, "test", msgs, req.ModelKey, onToken)
}

// Test sends a prompt to the model and returns the answer. Nothing is stored.
func (s *Service) Test(ctx context.Context, req TestRequest) (string, error) {
	start := s.now()
	out, err := s.test(ctx, req, nil)
	s.observe(ctx, "test", req.ModelKey, start, err)
	if err != nil {
		return "", &TestError{Input: req, Err: err}
	}
	return out, nil
}

// TestStream is Test with token streaming.
func (s *Service) TestStream(ctx context.Context, req TestRequest, h TestHandlers) error {
	start := s.now()
	out, err := s.test(ctx, req, tokenSink(h.OnToken))
	s.observe(ctx, "test", req.ModelKey, start, err)
	if err != nil {
		return fail(h.OnError, &TestError{Input: req, Err: err})
	}
	if h.OnComplete != nil {
		h.OnComplete(out)
	}
	return nil
}

// tokenSink makes a nil handler non-nil so complete still streams.
func tokenSink(fn func(string)) func(string) {
	if fn == nil {
		return func(string) {}
	}
	return fn
}

func fail(onError func(error), err error) error {
	if onError != nil {
		onError(err)
	}
	return err
}
