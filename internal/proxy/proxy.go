// Package proxy holds the browser-facing boundary: a forwarding proxy for
// providers that do not send CORS headers, an SSE-aware stream relay, CORS
// middleware and the optional password gate.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Hop-by-hop headers are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Cookie",
	"Origin",
	"Referer",
}

// Handler forwards a request to the URL in the targetUrl query parameter and
// relays the response.
type Handler struct {
	client *http.Client
	stream bool
}

// New returns a buffered forwarding proxy.
func New(client *http.Client) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{client: client}
}

// NewStreamRelay returns a proxy that flushes text/event-stream responses
// chunk by chunk.
func NewStreamRelay(client *http.Client) *Handler {
	h := New(client)
	h.stream = true
	return h
}

func target(r *http.Request) (*url.URL, error) {
	raw := r.URL.Query().Get("targetUrl")
	if raw == "" {
		return nil, errors.New("targetUrl query parameter is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid targetUrl: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid targetUrl %q: must be an absolute http(s) URL", raw)
	}
	return u, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u, err := target(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	resp, err := h.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("target", u.Host).Msg("proxy upstream failed")
		http.Error(w, "upstream request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// CORS headers come from our own middleware, not the upstream.
	copyHeaders(w.Header(), resp.Header)
	for k := range w.Header() {
		if strings.HasPrefix(k, "Access-Control-") {
			w.Header().Del(k)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if h.stream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		relay(w, resp.Body)
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Msg("proxy copy interrupted")
	}
}

// relay writes body to w, flushing after every read so events reach the
// client as soon as the upstream sends them.
func relay(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("stream relay interrupted")
			}
			return
		}
	}
}
