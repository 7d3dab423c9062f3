package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/service"
)

// sse writes server-sent events: token, complete and error.
type sse struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSE(w http.ResponseWriter) *sse {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sse{w: w, flusher: f}
}

func (e *sse) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data)
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// Event payloads shared by SSE and WebSocket.
type tokenEvent struct {
	Token string `json:"token"`
}

type errorEvent struct {
	Error  string   `json:"error"`
	Status int      `json:"status"`
	Fields []string `json:"fields,omitempty"`
}

func newErrorEvent(err error) errorEvent {
	b := bodyFor(err)
	return errorEvent{Error: b.Error, Status: statusFor(err), Fields: b.Fields}
}

func (s *Server) defaultModel(key string) string {
	if key == "" && s.Models != nil {
		return s.Models.DefaultModel()
	}
	return key
}

func chainHandlers(e *sse) service.StreamHandlers {
	return service.StreamHandlers{
		OnToken:    func(tok string) { e.send("token", tokenEvent{Token: tok}) },
		OnComplete: func(c *history.Chain) { e.send("complete", c) },
		OnError:    func(err error) { e.send("error", newErrorEvent(err)) },
	}
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req service.OptimizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ModelKey = s.defaultModel(req.ModelKey)

	if wantsStream(r) {
		_ = s.Service.OptimizeStream(r.Context(), req, chainHandlers(newSSE(w)))
		return
	}
	chain, err := s.Service.Optimize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chain)
}

func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	var req service.IterateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ModelKey = s.defaultModel(req.ModelKey)

	if wantsStream(r) {
		_ = s.Service.IterateStream(r.Context(), req, chainHandlers(newSSE(w)))
		return
	}
	chain, err := s.Service.Iterate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chain)
}

type testResult struct {
	Content string `json:"content"`
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req service.TestRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ModelKey = s.defaultModel(req.ModelKey)

	if wantsStream(r) {
		e := newSSE(w)
		_ = s.Service.TestStream(r.Context(), req, service.TestHandlers{
			OnToken:    func(tok string) { e.send("token", tokenEvent{Token: tok}) },
			OnComplete: func(content string) { e.send("complete", testResult{Content: content}) },
			OnError:    func(err error) { e.send("error", newErrorEvent(err)) },
		})
		return
	}
	out, err := s.Service.Test(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, testResult{Content: out})
}
