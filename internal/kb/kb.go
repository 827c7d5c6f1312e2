// Package kb is the knowledge-base service: one flat vector index, one HTML
// source registry, the ingestion pipeline that fills them, and the composer
// that reads them. Every KnowledgeBase is independent; a process may hold
// as many as it likes.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/54b3r/qagent-go/internal/htmlsource"
	"github.com/54b3r/qagent-go/internal/ingestion"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/parser"
	"github.com/54b3r/qagent-go/internal/rag"
)

// Config holds the knowledge-base construction parameters.
type Config struct {
	// Dimension is the vector length of the store. Must match the embedder.
	Dimension int

	// ChunkSize is the chunk window length in characters.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by neighbouring chunks.
	ChunkOverlap int

	// EmbedTimeout bounds each embedding call. Zero means ctx only.
	EmbedTimeout time.Duration
}

// Stats is a point-in-time summary of the knowledge base.
type Stats struct {
	// Entries is the number of indexed chunks.
	Entries int `json:"entries"`
	// Dimension is the vector length.
	Dimension int `json:"dimension"`
	// HTMLSources is the number of registered HTML documents.
	HTMLSources int `json:"html_sources"`
	// Documents lists ingested filenames in ingestion order.
	Documents []string `json:"documents"`
}

// IngestReport describes one ingested file.
type IngestReport struct {
	// Filename is the document name used as the chunk source.
	Filename string `json:"filename"`
	// Format is the format the file was parsed as.
	Format string `json:"format"`
	// Chunks is the number of chunks indexed.
	Chunks int `json:"chunks"`
	// HTML is true when the raw markup was registered.
	HTML bool `json:"html"`
}

// KnowledgeBase is the operation surface used by the CLI, the HTTP server,
// and the generation use-cases. It is safe for concurrent use.
type KnowledgeBase struct {
	// store is the flat vector index.
	store *rag.FlatStore

	// html holds raw markup for HTML documents.
	html *htmlsource.Registry

	// pipeline writes documents into store and html.
	pipeline *ingestion.Pipeline

	// composer reads store to build retrieval context.
	composer *rag.Composer

	// docsMu guards docs.
	docsMu sync.Mutex

	// docs lists successfully ingested filenames, first ingestion order.
	docs []string
}

// New builds an empty knowledge base around embedder.
func New(embedder rag.Embedder, cfg *Config) (*KnowledgeBase, error) {
	if embedder == nil {
		return nil, fmt.Errorf("kb: embedder must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("kb: config must not be nil")
	}

	store, err := rag.NewFlatStore(cfg.Dimension)
	if err != nil {
		return nil, fmt.Errorf("kb: %w", err)
	}
	html := htmlsource.New()

	pipeline, err := ingestion.NewPipeline(embedder, store, html, &ingestion.Config{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		EmbedTimeout: cfg.EmbedTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("kb: %w", err)
	}

	composer, err := rag.NewComposer(embedder, store, cfg.EmbedTimeout)
	if err != nil {
		return nil, fmt.Errorf("kb: %w", err)
	}

	return &KnowledgeBase{
		store:    store,
		html:     html,
		pipeline: pipeline,
		composer: composer,
	}, nil
}

// IngestDocument chunks, embeds, and indexes text under filename. rawHTML,
// when non-nil, is registered once the chunks are committed. opts are passed
// to the ingestion pipeline.
func (k *KnowledgeBase) IngestDocument(ctx context.Context, filename, text string, metadata map[string]string, rawHTML *string, opts ...ingestion.Option) (int, error) {
	n, err := k.pipeline.Ingest(ctx, ingestion.Document{
		Filename: filename,
		Text:     text,
		Metadata: metadata,
		RawHTML:  rawHTML,
	}, opts...)
	if err != nil {
		return 0, err
	}
	k.recordDocument(filename)
	return n, nil
}

// IngestFile parses data by filename extension and ingests the result.
func (k *KnowledgeBase) IngestFile(ctx context.Context, filename string, data []byte, opts ...ingestion.Option) (*IngestReport, error) {
	res, err := parser.Parse(filename, data)
	if err != nil {
		return nil, fmt.Errorf("kb: %w", err)
	}

	n, err := k.IngestDocument(ctx, filename, res.Text, nil, res.RawHTML, opts...)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Debug("kb: file ingested",
		slog.String("filename", filename),
		slog.String("format", res.Format),
		slog.Int("bytes", len(data)),
	)
	return &IngestReport{
		Filename: filename,
		Format:   res.Format,
		Chunks:   n,
		HTML:     res.RawHTML != nil,
	}, nil
}

// SearchKnowledgeBase returns the metadata of the topK chunks nearest to
// query, nearest first.
func (k *KnowledgeBase) SearchKnowledgeBase(ctx context.Context, query string, topK int) ([]rag.Metadata, error) {
	return k.composer.Retrieve(ctx, query, topK)
}

// SearchHits is SearchKnowledgeBase with ids and distances.
func (k *KnowledgeBase) SearchHits(ctx context.Context, query string, topK int) ([]rag.Hit, error) {
	return k.composer.RetrieveHits(ctx, query, topK)
}

// BuildRetrievalContext returns the formatted context block for query.
func (k *KnowledgeBase) BuildRetrievalContext(ctx context.Context, query string, topK int) (string, error) {
	return k.composer.RetrieveContext(ctx, query, topK)
}

// GetHTMLSource returns the raw markup registered under filename.
func (k *KnowledgeBase) GetHTMLSource(filename string) (string, bool) {
	return k.html.Get(filename)
}

// StoreHTMLSource registers raw markup under filename, replacing any
// previous value.
func (k *KnowledgeBase) StoreHTMLSource(filename, raw string) {
	k.html.Put(filename, raw)
}

// ResolveHTMLSource returns the markup for hint, or the first-registered
// source when hint is empty or unknown.
func (k *KnowledgeBase) ResolveHTMLSource(hint string) (filename, raw string, ok bool) {
	return k.html.Resolve(hint)
}

// Len returns the number of indexed chunks.
func (k *KnowledgeBase) Len() int { return k.store.Len() }

// Stats returns a summary of the knowledge base.
func (k *KnowledgeBase) Stats() Stats {
	return Stats{
		Entries:     k.store.Len(),
		Dimension:   k.store.Dimension(),
		HTMLSources: k.html.Len(),
		Documents:   k.Documents(),
	}
}

// Documents returns the ingested filenames in first-ingestion order.
func (k *KnowledgeBase) Documents() []string {
	k.docsMu.Lock()
	defer k.docsMu.Unlock()
	out := make([]string, len(k.docs))
	copy(out, k.docs)
	return out
}

func (k *KnowledgeBase) recordDocument(filename string) {
	k.docsMu.Lock()
	defer k.docsMu.Unlock()
	for _, d := range k.docs {
		if d == filename {
			return
		}
	}
	k.docs = append(k.docs, filename)
}
