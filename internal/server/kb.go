package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/54b3r/qagent-go/internal/ingestion"
	"github.com/54b3r/qagent-go/internal/kb"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/rag"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 8 << 20

// uploadField is the multipart field that carries documents.
const uploadField = "docs"

// handleBuild handles POST /api/kb/build. Every file in the "docs" field is
// parsed and ingested in upload order. Ingestion stops at the first failing
// file; files before it stay indexed.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		badRequest(w, r, "invalid multipart upload: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[uploadField]
	if len(files) == 0 {
		badRequest(w, r, fmt.Sprintf("no files in multipart field %q", uploadField))
		return
	}

	resp := buildResponse{Uploaded: []string{}, Documents: []kb.IngestReport{}}
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		data, err := readUpload(fh)
		if err != nil {
			writeError(w, r, fmt.Errorf("server: read %s: %w", name, err))
			return
		}

		format := ingestion.InferMetadata(name).Format
		rep, err := s.kb.IngestFile(r.Context(), name, data)
		if err != nil {
			s.metrics.ingestDocumentsTotal.WithLabelValues(format, outcomeError).Inc()
			writeError(w, r, fmt.Errorf("%s: %w", name, err))
			return
		}
		s.metrics.ingestDocumentsTotal.WithLabelValues(format, outcomeOK).Inc()
		s.metrics.ingestChunksTotal.Add(float64(rep.Chunks))

		resp.Uploaded = append(resp.Uploaded, name)
		resp.Documents = append(resp.Documents, *rep)
		resp.Chunks += rep.Chunks
	}

	resp.Message = fmt.Sprintf("knowledge base built: %d document(s), %d chunk(s)", len(resp.Uploaded), resp.Chunks)
	log.Info("kb: build complete",
		slog.Int("documents", len(resp.Uploaded)),
		slog.Int("chunks", resp.Chunks),
	)
	writeJSON(w, r, http.StatusOK, resp)
}

// readUpload reads one multipart file into memory.
func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleSearch handles GET /api/kb/search?q=&k=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	k, err := s.topK(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	hits, err := s.kb.SearchHits(r.Context(), q, k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []rag.Hit{}
	}
	writeJSON(w, r, http.StatusOK, searchResponse{Query: q, K: k, Hits: hits})
}

// handleContext handles GET /api/kb/context?q=&k=.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	k, err := s.topK(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	block, err := s.kb.BuildRetrievalContext(r.Context(), r.URL.Query().Get("q"), k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, contextResponse{Context: block})
}

// handleGetHTML handles GET /api/kb/html?filename=.
func (s *Server) handleGetHTML(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		badRequest(w, r, "filename is required")
		return
	}
	raw, ok := s.kb.GetHTMLSource(name)
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no HTML source registered for %q", name)})
		return
	}
	writeJSON(w, r, http.StatusOK, htmlSource{Filename: name, HTML: raw})
}

// handlePutHTML handles PUT /api/kb/html. The markup is registered without
// being indexed.
func (s *Server) handlePutHTML(w http.ResponseWriter, r *http.Request) {
	var req htmlSource
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		badRequest(w, r, "filename is required")
		return
	}
	s.kb.StoreHTMLSource(req.Filename, req.HTML)
	writeJSON(w, r, http.StatusOK, htmlSource{Filename: req.Filename, HTML: req.HTML})
}

// handleStats handles GET /api/kb/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.kb.Stats())
}

// topK parses the optional k query parameter. Zero is allowed and yields an
// empty result.
func (s *Server) topK(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("k")
	if raw == "" {
		return s.cfg.DefaultTopK, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 0 {
		return 0, fmt.Errorf("k must be a non-negative integer, got %q", raw)
	}
	return k, nil
}

// decodeJSON decodes the request body into v, writing a 400 and returning
// false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		badRequest(w, r, "invalid request body")
		return false
	}
	return true
}
