package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/qagent-go/internal/chunker"
	"github.com/54b3r/qagent-go/internal/embedder"
	"github.com/54b3r/qagent-go/internal/generation"
	"github.com/54b3r/qagent-go/internal/kb"
	"github.com/54b3r/qagent-go/internal/parser"
	"github.com/54b3r/qagent-go/internal/rag"
	"github.com/54b3r/qagent-go/internal/store"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// fakeTestCases is a TestCaseGenerator returning a canned result.
type fakeTestCases struct {
	// res is returned on success.
	res *generation.TestCaseResult
	// err is returned instead of res when set.
	err error
	// block makes Generate wait for ctx cancellation.
	block bool
	// gotQuery records the last query.
	gotQuery string
}

func (f *fakeTestCases) Generate(ctx context.Context, query string) (*generation.TestCaseResult, error) {
	f.gotQuery = query
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

// fakeScripts is a ScriptGenerator returning a canned script.
type fakeScripts struct {
	// sc is returned on success.
	sc *generation.Script
	// err is returned instead of sc when set.
	err error
	// gotCase and gotHint record the last call.
	gotCase generation.TestCase
	gotHint string
}

func (f *fakeScripts) Generate(_ context.Context, tc generation.TestCase, hint string) (*generation.Script, error) {
	f.gotCase, f.gotHint = tc, hint
	if f.err != nil {
		return nil, f.err
	}
	return f.sc, nil
}

// fakeHistory is a HistoryLister over a fixed run list.
type fakeHistory struct {
	runs    []store.Run
	gotKind store.Kind
	gotN    int
}

func (f *fakeHistory) Recent(_ context.Context, kind store.Kind, n int) ([]store.Run, error) {
	f.gotKind, f.gotN = kind, n
	return f.runs, nil
}

// testServer bundles a Server with its fakes and metrics registry.
type testServer struct {
	*Server
	kb        *kb.KnowledgeBase
	testCases *fakeTestCases
	scripts   *fakeScripts
	reg       *prometheus.Registry
}

// newTestServer builds a Server over a real knowledge base backed by the
// hash embedder, fake generators, and an isolated metrics registry.
func newTestServer(t *testing.T, opts ...func(*Deps, *Config)) *testServer {
	t.Helper()

	emb := embedder.NewHashEmbedder(64)
	k, err := kb.New(emb, &kb.Config{Dimension: emb.Dimensions(), ChunkSize: 200, ChunkOverlap: 20})
	if err != nil {
		t.Fatalf("kb.New() error: %v", err)
	}

	reg := prometheus.NewRegistry()
	tc := &fakeTestCases{res: &generation.TestCaseResult{Outcome: generation.OutcomeStructured}}
	sc := &fakeScripts{sc: &generation.Script{Code: "print('ok')"}}
	deps := &Deps{KB: k, TestCases: tc, Scripts: sc}
	cfg := &Config{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	}
	for _, o := range opts {
		o(deps, cfg)
	}

	s, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(s.stopRL)
	return &testServer{Server: s, kb: k, testCases: tc, scripts: sc, reg: reg}
}

// do sends req through the full handler chain.
func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

// multipartUpload builds a POST /api/kb/build request carrying files in
// the given order.
func multipartUpload(t *testing.T, files ...[2]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		fw, err := mw.CreateFormFile(uploadField, f[0])
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = fw.Write([]byte(f[1]))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/kb/build", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path string, v any) *http.Request {
	b, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

const loginHTML = `<html><body><h1>Sign in</h1><input id="email"><button id="submit">Sign in</button></body></html>`

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresServices(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for nil deps")
	}
	if _, err := New(&Deps{KB: &kb.KnowledgeBase{}}, nil); err == nil {
		t.Error("expected error for missing generators")
	}
}

// ---------------------------------------------------------------------------
// Knowledge base routes
// ---------------------------------------------------------------------------

func TestHandleBuild_IngestsInUploadOrder(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(multipartUpload(t,
		[2]string{"login.md", "# Login\nUsers sign in with email and password."},
		[2]string{"dir/login.html", loginHTML},
	))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[buildResponse](t, w)
	if got := strings.Join(resp.Uploaded, ","); got != "login.md,login.html" {
		t.Errorf("uploaded = %q", got)
	}
	if resp.Chunks != 2 || len(resp.Documents) != 2 {
		t.Errorf("chunks=%d documents=%d, want 2/2", resp.Chunks, len(resp.Documents))
	}
	if !resp.Documents[1].HTML {
		t.Error("html document should report its markup as registered")
	}

	st := ts.kb.Stats()
	if st.Entries != 2 || st.HTMLSources != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandleBuild_NoFiles(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(multipartUpload(t))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleBuild_StopsAtFirstBadFile(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(multipartUpload(t,
		[2]string{"a.txt", "first document"},
		[2]string{"broken.json", "{"},
		[2]string{"c.txt", "never reached"},
	))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unparseable file, got %d", w.Code)
	}
	resp := decode[errorResponse](t, w)
	if !strings.Contains(resp.Error, "broken.json") {
		t.Errorf("error %q should name the failing file", resp.Error)
	}
	if docs := ts.kb.Documents(); len(docs) != 1 || docs[0] != "a.txt" {
		t.Errorf("documents = %v, want [a.txt]", docs)
	}
}

func TestHandleSearch(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if _, err := ts.kb.IngestDocument(t.Context(), "cart.md", "The cart keeps items between visits.", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/search?q=cart+items", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[searchResponse](t, w)
	if resp.K != kb.DefaultTopK {
		t.Errorf("k = %d, want default %d", resp.K, kb.DefaultTopK)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Metadata.Source() != "cart.md" {
		t.Errorf("hits = %+v", resp.Hits)
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/search?q=cart&k=0", nil))
	if resp := decode[searchResponse](t, w); resp.Hits == nil || len(resp.Hits) != 0 {
		t.Errorf("k=0 should yield an empty list, got %v", resp.Hits)
	}
}

func TestHandleSearch_InvalidK(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, k := range []string{"-1", "ten"} {
		w := ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/search?q=x&k="+k, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("k=%s: expected 400, got %d", k, w.Code)
		}
	}
}

func TestHandleContext(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if _, err := ts.kb.IngestDocument(t.Context(), "cart.md", "The cart keeps items.", nil, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/context?q=cart&k=1", nil))
	resp := decode[contextResponse](t, w)
	if resp.Context != "[source: cart.md]\nThe cart keeps items." {
		t.Errorf("context = %q", resp.Context)
	}
}

func TestHandleHTML_RoundTrip(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/html", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing filename: expected 400, got %d", w.Code)
	}
	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/html?filename=nope.html", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown filename: expected 404, got %d", w.Code)
	}

	w = ts.do(jsonRequest(http.MethodPut, "/api/kb/html", htmlSource{Filename: "login.html", HTML: loginHTML}))
	if w.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d", w.Code)
	}
	if ts.kb.Len() != 0 {
		t.Error("registering markup must not index it")
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/html?filename=login.html", nil))
	if got := decode[htmlSource](t, w); got.HTML != loginHTML {
		t.Errorf("html = %q", got.HTML)
	}

	w = ts.do(jsonRequest(http.MethodPut, "/api/kb/html", htmlSource{HTML: "<p/>"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty filename: expected 400, got %d", w.Code)
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.kb.StoreHTMLSource("a.html", "<a/>")

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/stats", nil))
	st := decode[kb.Stats](t, w)
	if st.Dimension != 64 || st.HTMLSources != 1 || st.Entries != 0 {
		t.Errorf("stats = %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Generation routes
// ---------------------------------------------------------------------------

func TestHandleTestCases_Structured(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.testCases.res = &generation.TestCaseResult{
		Outcome: generation.OutcomeStructured,
		Cases:   []generation.TestCase{{TestID: "TC-1", Feature: "Login"}},
		Sources: []string{"login.md"},
		RunID:   "run-1",
	}

	w := ts.do(jsonRequest(http.MethodPost, "/api/testcases", testCasesRequest{Query: "login"}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[testCasesResponse](t, w)
	if resp.Outcome != generation.OutcomeStructured || len(resp.TestCases) != 1 || resp.TestCases[0].TestID != "TC-1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ParseError != "" || resp.RunID != "run-1" {
		t.Errorf("parse_error=%q run_id=%q", resp.ParseError, resp.RunID)
	}
	if ts.testCases.gotQuery != "login" {
		t.Errorf("query = %q", ts.testCases.gotQuery)
	}
}

func TestHandleTestCases_FallbackReportsParseError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.testCases.res = generation.ParseTestCases("not json")

	w := ts.do(jsonRequest(http.MethodPost, "/api/testcases", testCasesRequest{Query: "login"}))
	resp := decode[testCasesResponse](t, w)
	if resp.Outcome != generation.OutcomeFallback {
		t.Fatalf("outcome = %q", resp.Outcome)
	}
	if resp.ParseError == "" || len(resp.TestCases) != 1 || resp.TestCases[0].Raw != "not json" {
		t.Errorf("fallback response = %+v", resp)
	}
}

func TestHandleTestCases_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"empty query", generation.ErrEmptyQuery, http.StatusBadRequest},
		{"completion down", rag.Unavailable("completion", "login", errors.New("refused")), http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t)
			ts.testCases.err = tc.err

			w := ts.do(jsonRequest(http.MethodPost, "/api/testcases", testCasesRequest{Query: "q"}))
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
			if resp := decode[errorResponse](t, w); resp.Error == "" {
				t.Error("expected a JSON error body")
			}
		})
	}
}

func TestHandleTestCases_Timeout(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(_ *Deps, cfg *Config) {
		cfg.GenerationTimeout = 20 * time.Millisecond
	})
	ts.testCases.block = true

	w := ts.do(jsonRequest(http.MethodPost, "/api/testcases", testCasesRequest{Query: "q"}))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
}

func TestHandleTestCases_InvalidBody(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/testcases", strings.NewReader("{"))
	if w := ts.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleScript(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.scripts.sc = &generation.Script{Code: "driver.get(url)", HTMLSource: "login.html", Sources: []string{"login.md"}}

	w := ts.do(jsonRequest(http.MethodPost, "/api/script", scriptRequest{
		TestCase:     &generation.TestCase{TestID: "TC-1", Scenario: "valid login"},
		HTMLFilename: "login.html",
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[scriptResponse](t, w)
	if resp.Script != "driver.get(url)" || resp.HTMLSource != "login.html" {
		t.Errorf("response = %+v", resp)
	}
	if ts.scripts.gotCase.TestID != "TC-1" || ts.scripts.gotHint != "login.html" {
		t.Errorf("generator got case %+v hint %q", ts.scripts.gotCase, ts.scripts.gotHint)
	}
}

func TestHandleScript_MissingTestCase(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(jsonRequest(http.MethodPost, "/api/script", scriptRequest{}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestHandleHistory_Disabled(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a history store, got %d", w.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{runs: []store.Run{{ID: "r1", Kind: store.KindScript}}}
	ts := newTestServer(t, func(d *Deps, _ *Config) { d.History = hist })

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/history?kind=script", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[historyResponse](t, w)
	if len(resp.Runs) != 1 || resp.Runs[0].ID != "r1" {
		t.Errorf("runs = %+v", resp.Runs)
	}
	if hist.gotKind != store.KindScript || hist.gotN != defaultHistoryLimit {
		t.Errorf("Recent called with kind=%q n=%d", hist.gotKind, hist.gotN)
	}

	for _, q := range []string{"kind=chat", "n=0", "n=x"} {
		w := ts.do(httptest.NewRequest(http.MethodGet, "/api/history?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Routing, auth, and status mapping
// ---------------------------------------------------------------------------

func TestRoutes_AuthProtectsAPIButNotProbes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(_ *Deps, cfg *Config) { cfg.APIKey = "secret" })

	if w := ts.do(httptest.NewRequest(http.MethodGet, "/api/kb/stats", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("stats without token: expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/kb/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if w := ts.do(req); w.Code != http.StatusOK {
		t.Errorf("stats with token: expected 200, got %d", w.Code)
	}

	for _, path := range []string{"/api/health", "/api/ready", "/metrics"} {
		if w := ts.do(httptest.NewRequest(http.MethodGet, path, nil)); w.Code != http.StatusOK {
			t.Errorf("%s: expected 200 without token, got %d", path, w.Code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	expired, cancel := context.WithDeadline(t.Context(), time.Now().Add(-time.Second))
	defer cancel()

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want int
	}{
		{"unparseable", t.Context(), parser.ErrUnparseable, http.StatusBadRequest},
		{"bad chunking", t.Context(), chunker.ErrInvalidConfiguration, http.StatusBadRequest},
		{"empty query", t.Context(), generation.ErrEmptyQuery, http.StatusBadRequest},
		{"collaborator", t.Context(), rag.Unavailable("embedder", "x", errors.New("down")), http.StatusBadGateway},
		{"collaborator deadline", t.Context(), rag.Unavailable("embedder", "x", context.DeadlineExceeded), http.StatusBadGateway},
		{"non-finite embedding", t.Context(), fmt.Errorf("ingestion: committing a.md: %w", rag.ErrNonFiniteVector), http.StatusBadGateway},
		{"request deadline", expired, rag.Unavailable("completion", "x", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"bare deadline", t.Context(), context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", t.Context(), errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.ctx, tc.err); got != tc.want {
			t.Errorf("%s: statusFor() = %d, want %d", tc.name, got, tc.want)
		}
	}
}
