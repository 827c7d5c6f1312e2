package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/qagent-go/internal/logging"
)

// routeKind groups API routes by the backend they exercise. It selects the
// rate-limit bucket and is recorded on every request log line.
type routeKind string

const (
	// kindProbe is liveness, readiness and metrics.
	kindProbe routeKind = "probe"
	// kindIngest writes to the knowledge base.
	kindIngest routeKind = "ingest"
	// kindRetrieval reads from the knowledge base.
	kindRetrieval routeKind = "retrieval"
	// kindGeneration calls the completion model.
	kindGeneration routeKind = "generation"
	// kindHistory reads recorded runs.
	kindHistory routeKind = "history"
	// kindOther is anything unrouted.
	kindOther routeKind = "other"
)

// requestIDHeader carries the request ID in both directions.
const requestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds a caller-supplied request ID.
const maxRequestIDLen = 64

// classifyRoute maps a request to its routeKind by method and path.
func classifyRoute(r *http.Request) routeKind {
	p := r.URL.Path
	switch {
	case p == "/api/health", p == "/api/ready", p == "/metrics":
		return kindProbe
	case p == "/api/testcases", p == "/api/script":
		return kindGeneration
	case p == "/api/history":
		return kindHistory
	case p == "/api/kb/build":
		return kindIngest
	case p == "/api/kb/html" && r.Method == http.MethodPut:
		return kindIngest
	case strings.HasPrefix(p, "/api/kb/"):
		return kindRetrieval
	default:
		return kindOther
	}
}

// requestLogger is an [http.Handler] middleware that:
//  1. Reuses a well-formed inbound X-Request-ID or mints a UUID, and echoes it.
//  2. Injects a child [*slog.Logger] carrying the ID and route kind into the
//     request context.
//  3. Logs status, bytes written and latency on completion, plus k and the
//     query length for retrieval routes and the declared body size for
//     ingestion.
//
// Query text is never logged; it may quote customer documents.
func requestLogger(base *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID(r)
		w.Header().Set(requestIDHeader, reqID)
		kind := classifyRoute(r)

		ctx, log := logging.With(logging.WithLogger(r.Context(), base),
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route_kind", string(kind)),
		)
		r = r.WithContext(ctx)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		attrs := []slog.Attr{
			slog.Int("status", rw.status),
			slog.Int64("bytes", rw.bytes),
			slog.Duration("duration", elapsed),
		}
		attrs = append(attrs, routeAttrs(kind, r)...)

		level := slog.LevelInfo
		if kind == kindProbe {
			level = slog.LevelDebug
		}
		log.LogAttrs(ctx, level, "request", attrs...)
	})
}

// routeAttrs returns the per-kind request fields.
func routeAttrs(kind routeKind, r *http.Request) []slog.Attr {
	switch kind {
	case kindRetrieval:
		q := r.URL.Query()
		if !q.Has("q") {
			return nil
		}
		return []slog.Attr{
			slog.String("k", q.Get("k")),
			slog.Int("query_len", len([]rune(q.Get("q")))),
		}
	case kindIngest:
		return []slog.Attr{slog.Int64("content_length", r.ContentLength)}
	case kindHistory:
		q := r.URL.Query()
		return []slog.Attr{slog.String("kind", q.Get("kind")), slog.String("n", q.Get("n"))}
	default:
		return nil
	}
}

// requestID returns the inbound X-Request-ID when it is short and
// printable ASCII, otherwise a fresh UUID.
func requestID(r *http.Request) string {
	id := r.Header.Get(requestIDHeader)
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	for i := range len(id) {
		if c := id[i]; c < '!' || c > '~' {
			return uuid.NewString()
		}
	}
	return id
}

// responseWriter wraps [http.ResponseWriter] to capture the status code
// and body size written by the handler.
type responseWriter struct {
	http.ResponseWriter
	// status is the HTTP status code sent to the client.
	status int
	// bytes counts body bytes written.
	bytes int64
}

// WriteHeader captures the status code before delegating to the underlying writer.
func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write counts body bytes.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}
