package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/qagent-go/internal/generation"
	"github.com/54b3r/qagent-go/internal/ingestion"
	"github.com/54b3r/qagent-go/internal/kb"
	"github.com/54b3r/qagent-go/internal/rag"
	"github.com/54b3r/qagent-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// GenerationTimeout bounds each test-case or script generation,
	// retrieval included. Defaults to 2 minutes if zero.
	GenerationTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on knowledge
	// base and history routes (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the burst for those routes. Defaults to 20 if zero.
	RateBurst int
	// GenerationRateLimit is the sustained rate per IP on /api/testcases
	// and /api/script, which call the completion model. Defaults to 0.5.
	GenerationRateLimit float64
	// GenerationRateBurst is the burst for generation routes. Defaults to 3.
	GenerationRateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// DefaultTopK is the result count used when a search omits k.
	// Defaults to kb.DefaultTopK if zero.
	DefaultTopK int
	// MaxUploadBytes caps the multipart body of POST /api/kb/build.
	// Defaults to 32 MiB if zero.
	MaxUploadBytes int64
	// MetricsRegistry receives the server's Prometheus collectors.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics.
	// Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// KnowledgeBase is the knowledge-base surface the handlers call.
// *kb.KnowledgeBase satisfies it; tests inject a real one over the hash
// embedder or a fake.
type KnowledgeBase interface {
	IngestFile(ctx context.Context, filename string, data []byte, opts ...ingestion.Option) (*kb.IngestReport, error)
	SearchHits(ctx context.Context, query string, topK int) ([]rag.Hit, error)
	BuildRetrievalContext(ctx context.Context, query string, topK int) (string, error)
	GetHTMLSource(filename string) (string, bool)
	StoreHTMLSource(filename, raw string)
	Stats() kb.Stats
}

// TestCaseGenerator produces a test-case suite for a feature query.
type TestCaseGenerator interface {
	Generate(ctx context.Context, query string) (*generation.TestCaseResult, error)
}

// ScriptGenerator produces an automation script for one test case.
type ScriptGenerator interface {
	Generate(ctx context.Context, tc generation.TestCase, htmlHint string) (*generation.Script, error)
}

// HistoryLister lists recorded generation runs.
type HistoryLister interface {
	Recent(ctx context.Context, kind store.Kind, n int) ([]store.Run, error)
}

var (
	_ KnowledgeBase     = (*kb.KnowledgeBase)(nil)
	_ TestCaseGenerator = (*generation.TestCaseGenerator)(nil)
	_ ScriptGenerator   = (*generation.ScriptGenerator)(nil)
	_ HistoryLister     = (*store.SQLiteStore)(nil)
)

// Deps holds the services the server exposes.
type Deps struct {
	// KB is the knowledge base. Required.
	KB KnowledgeBase
	// TestCases is the test-case generator. Required.
	TestCases TestCaseGenerator
	// Scripts is the script generator. Required.
	Scripts ScriptGenerator
	// History lists past runs. May be nil when history is disabled.
	History HistoryLister
}

// Server is the HTTP server that exposes the knowledge base and the
// generation use-cases.
type Server struct {
	// kb is the knowledge base behind the /api/kb routes.
	kb KnowledgeBase
	// testCases serves POST /api/testcases.
	testCases TestCaseGenerator
	// scripts serves POST /api/script.
	scripts ScriptGenerator
	// history serves GET /api/history. Nil disables the route.
	history HistoryLister
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// errorResponse is the JSON body of every handler error.
type errorResponse struct {
	// Error is the human-readable failure reason.
	Error string `json:"error"`
}

// buildResponse is the JSON response for POST /api/kb/build.
type buildResponse struct {
	// Message summarises the build.
	Message string `json:"message"`
	// Uploaded lists the ingested filenames in upload order.
	Uploaded []string `json:"uploaded"`
	// Chunks is the total number of chunks indexed by this request.
	Chunks int `json:"chunks"`
	// Documents holds the per-file reports.
	Documents []kb.IngestReport `json:"documents"`
}

// searchResponse is the JSON response for GET /api/kb/search.
type searchResponse struct {
	// Query echoes the search text.
	Query string `json:"query"`
	// K is the number of results requested.
	K int `json:"k"`
	// Hits holds the nearest chunks, nearest first.
	Hits []rag.Hit `json:"hits"`
}

// contextResponse is the JSON response for GET /api/kb/context.
type contextResponse struct {
	// Context is the formatted retrieval block.
	Context string `json:"context"`
}

// htmlSource is the JSON shape of GET and PUT /api/kb/html.
type htmlSource struct {
	// Filename is the registry key.
	Filename string `json:"filename"`
	// HTML is the raw markup.
	HTML string `json:"html"`
}

// testCasesRequest is the JSON body for POST /api/testcases.
type testCasesRequest struct {
	// Query is the feature or behaviour to cover.
	Query string `json:"query"`
}

// testCasesResponse is the JSON response for POST /api/testcases.
type testCasesResponse struct {
	// TestCases holds the generated cases, or one raw case on fallback.
	TestCases []generation.TestCase `json:"test_cases"`
	// Outcome is "structured" or "fallback".
	Outcome generation.Outcome `json:"outcome"`
	// ParseError explains a fallback outcome.
	ParseError string `json:"parse_error,omitempty"`
	// Sources lists the documents used as context.
	Sources []string `json:"sources"`
	// RunID is the history record ID, if recorded.
	RunID string `json:"run_id,omitempty"`
}

// scriptRequest is the JSON body for POST /api/script.
type scriptRequest struct {
	// TestCase is the case to script, usually one returned by /api/testcases.
	TestCase *generation.TestCase `json:"test_case"`
	// HTMLFilename selects the page markup; empty uses the first registered page.
	HTMLFilename string `json:"html_filename"`
}

// scriptResponse is the JSON response for POST /api/script.
type scriptResponse struct {
	// Script is the generated code.
	Script string `json:"script"`
	// HTMLSource names the page the script was written against.
	HTMLSource string `json:"html_source"`
	// Sources lists the documents used as context.
	Sources []string `json:"sources"`
	// RunID is the history record ID, if recorded.
	RunID string `json:"run_id,omitempty"`
}

// historyResponse is the JSON response for GET /api/history.
type historyResponse struct {
	// Runs holds the recorded runs, oldest first.
	Runs []store.Run `json:"runs"`
}
