package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/store"
)

// defaultHistoryLimit is the number of runs GET /api/history returns when n
// is omitted.
const defaultHistoryLimit = 20

// handleTestCases handles POST /api/testcases.
func (s *Server) handleTestCases(w http.ResponseWriter, r *http.Request) {
	var req testCasesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.testCases.Generate(ctx, req.Query)
	if err != nil {
		s.failGeneration(w, r.WithContext(ctx), "testcases", start, err)
		return
	}
	s.metrics.observeGeneration("testcases", string(res.Outcome), time.Since(start))

	resp := testCasesResponse{
		TestCases: res.Cases,
		Outcome:   res.Outcome,
		Sources:   res.Sources,
		RunID:     res.RunID,
	}
	if res.ParseErr != nil {
		resp.ParseError = res.ParseErr.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleScript handles POST /api/script.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TestCase == nil {
		badRequest(w, r, "test_case is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	sc, err := s.scripts.Generate(ctx, *req.TestCase, req.HTMLFilename)
	if err != nil {
		s.failGeneration(w, r.WithContext(ctx), "script", start, err)
		return
	}
	s.metrics.observeGeneration("script", outcomeOK, time.Since(start))

	writeJSON(w, r, http.StatusOK, scriptResponse{
		Script:     sc.Code,
		HTMLSource: sc.HTMLSource,
		Sources:    sc.Sources,
		RunID:      sc.RunID,
	})
}

// failGeneration records a failed generation and writes the mapped error.
// r must carry the generation context so its deadline is visible.
func (s *Server) failGeneration(w http.ResponseWriter, r *http.Request, kind string, start time.Time, err error) {
	outcome := outcomeError
	if statusFor(r.Context(), err) == http.StatusGatewayTimeout {
		outcome = outcomeTimeout
	}
	s.metrics.observeGeneration(kind, outcome, time.Since(start))
	logging.FromContext(r.Context()).Warn("server: generation failed",
		slog.String("kind", kind),
		slog.Duration("elapsed", time.Since(start)),
	)
	writeError(w, r, err)
}

// handleHistory handles GET /api/history?kind=&n=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "run history is disabled"})
		return
	}

	kind := store.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		badRequest(w, r, "kind must be testcases or script")
		return
	}

	n := defaultHistoryLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			badRequest(w, r, "n must be a positive integer")
			return
		}
		n = v
	}

	runs, err := s.history.Recent(r.Context(), kind, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, r, http.StatusOK, historyResponse{Runs: runs})
}
