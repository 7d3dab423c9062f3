package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/llm"
	"github.com/lazypower/promptsmith/internal/metrics"
	"github.com/lazypower/promptsmith/internal/proxy"
	"github.com/lazypower/promptsmith/internal/service"
	"github.com/lazypower/promptsmith/internal/template"
)

// Deps are the components the API serves.
type Deps struct {
	History   *history.Manager
	Service   *service.Service
	Templates *template.Manager
	Models    *llm.Registry
	Metrics   *metrics.Metrics
	Gate      *proxy.PasswordGate
	// AllowedOrigins feeds the CORS middleware. Empty admits only same-host
	// browser clients.
	AllowedOrigins   []string
	AllowCredentials bool
	// ProxyClient is used by /api/proxy and /api/stream.
	ProxyClient *http.Client
}

// Server is the promptsmith HTTP API server.
type Server struct {
	Deps
	router   chi.Router
	upgrader websocket.Upgrader
	version  string
	started  time.Time
}

// New creates a new Server with the given dependencies and version string.
func New(deps Deps, version string) *Server {
	if deps.Gate == nil {
		deps.Gate = proxy.NewPasswordGate("", "")
	}
	s := &Server{
		Deps:    deps,
		version: version,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.routes()
	return s
}

// checkOrigin admits same-host WebSocket clients and the CORS allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if proxy.SameHost(r, origin) {
		return true
	}
	return slices.Contains(s.AllowedOrigins, "*") || slices.Contains(s.AllowedOrigins, origin)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(proxy.CORS(s.AllowedOrigins, s.AllowCredentials))

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.Gate.Middleware("/api/auth", "/api/health"))

		r.Get("/health", s.handleHealth)
		r.Post("/auth", s.Gate.HandleAuth)

		r.Get("/history", s.handleListHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Get("/history/{id}", s.handleGetRecord)
		r.Delete("/history/{id}", s.handleDeleteRecord)
		r.Get("/history/{id}/lineage", s.handleLineage)

		r.Get("/chains", s.handleListChains)
		r.Get("/chains/{chainID}", s.handleGetChain)
		r.Delete("/chains/{chainID}", s.handleDeleteChain)

		r.Post("/optimize", s.handleOptimize)
		r.Post("/iterate", s.handleIterate)
		r.Post("/test", s.handleTest)
		r.Get("/ws", s.handleWebSocket)

		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Put("/templates/{id}", s.handleSaveTemplate)
		r.Delete("/templates/{id}", s.handleDeleteTemplate)

		r.Get("/models", s.handleListModels)

		r.Handle("/proxy", proxy.New(s.ProxyClient))
		r.Handle("/stream", proxy.NewStreamRelay(s.ProxyClient))
	})

	s.router = r
}

// requestLogger logs each request and records HTTP metrics by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.Metrics.ObserveHTTP(r.Method, route, status, elapsed)

		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	}
	if s.Models != nil {
		body["models"] = len(s.Models.Models())
	}

	stats, err := s.History.Stats(r.Context())
	if err != nil {
		body["status"] = "degraded"
		body["history_error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	s.Metrics.SetHistory(stats.Records, stats.Chains)
	body["history"] = stats
	writeJSON(w, http.StatusOK, body)
}
