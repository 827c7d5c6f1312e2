// Package server implements the HTTP API over the knowledge base and the
// generation use-cases. It is started by the `qagent serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/qagent-go/internal/chunker"
	"github.com/54b3r/qagent-go/internal/generation"
	"github.com/54b3r/qagent-go/internal/kb"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/parser"
	"github.com/54b3r/qagent-go/internal/rag"
	"github.com/54b3r/qagent-go/internal/version"
)

// New constructs a Server from the provided services and config.
func New(deps *Deps, cfg *Config) (*Server, error) {
	if deps == nil || deps.KB == nil {
		return nil, fmt.Errorf("server: knowledge base must not be nil")
	}
	if deps.TestCases == nil || deps.Scripts == nil {
		return nil, fmt.Errorf("server: generators must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)

	s := &Server{
		kb:        deps.KB,
		testCases: deps.TestCases,
		scripts:   deps.Scripts,
		history:   deps.History,
		cfg:       cfg,
		log:       cfg.Logger,
		pingers:   cfg.Pingers,
	}
	s.metrics = newServerMetrics(cfg.MetricsRegistry, func() float64 {
		return float64(s.kb.Stats().Entries)
	})

	if cfg.APIKey == "" {
		s.log.Warn("server: QAGENT_API_KEY is not set, API authentication is disabled")
	}

	rl, stop := newRateLimiter(cfg, s.metrics.rateLimitedTotal, s.log)
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.routes(rl)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// applyDefaults fills zero-valued fields of cfg.
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Long enough for a slow completion backend.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.GenerationTimeout == 0 {
		cfg.GenerationTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.GenerationRateLimit == 0 {
		cfg.GenerationRateLimit = defaultGenerationRateLimit
	}
	if cfg.GenerationRateBurst == 0 {
		cfg.GenerationRateBurst = defaultGenerationRateBurst
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = kb.DefaultTopK
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
}

// routes builds the handler tree. Probes and metrics are public; every
// other /api route sits behind auth and the per-IP rate limiter, which
// gives generation routes their own bucket.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	api := http.NewServeMux()
	s.handle(api, "POST /api/kb/build", "kb_build", s.handleBuild)
	s.handle(api, "GET /api/kb/search", "kb_search", s.handleSearch)
	s.handle(api, "GET /api/kb/context", "kb_context", s.handleContext)
	s.handle(api, "GET /api/kb/html", "kb_html_get", s.handleGetHTML)
	s.handle(api, "PUT /api/kb/html", "kb_html_put", s.handlePutHTML)
	s.handle(api, "GET /api/kb/stats", "kb_stats", s.handleStats)
	s.handle(api, "POST /api/testcases", "testcases", s.handleTestCases)
	s.handle(api, "POST /api/script", "script", s.handleScript)
	s.handle(api, "GET /api/history", "history", s.handleHistory)

	mux := http.NewServeMux()
	s.handle(mux, "GET /api/health", "health", s.handleHealth)
	s.handle(mux, "GET /api/ready", "ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/api/", authMiddleware(s.cfg.APIKey, rl.middleware(api)))
	return mux
}

// handle registers h on mux under pattern, instrumented as handler name.
func (s *Server) handle(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.instrument(name, h))
}

// Handler returns the fully wrapped root handler. Tests drive it with
// httptest without opening a socket.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("server: encode response", slog.Any("error", err))
	}
}

// writeError maps err to an HTTP status and writes it as a JSON error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(r.Context(), err)
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("server: request failed", slog.Int("status", status), slog.Any("error", err))
	} else {
		log.Warn("server: request rejected", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

// badRequest writes a 400 with msg.
func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: msg})
}

// statusFor classifies err. A request whose own deadline expired is a
// gateway timeout even when the failing call was a collaborator. A
// non-finite vector can only come from the embedder, so it is a bad gateway.
func statusFor(ctx context.Context, err error) int {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rag.ErrCollaboratorUnavailable),
		errors.Is(err, rag.ErrNonFiniteVector):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, parser.ErrUnparseable),
		errors.Is(err, chunker.ErrInvalidConfiguration),
		errors.Is(err, generation.ErrEmptyQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
