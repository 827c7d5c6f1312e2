// Package ingestion implements the document ingestion pipeline.
// It chunks a document's extracted text, embeds every chunk in a single
// batch call, and commits the vectors to the index atomically. Raw HTML is
// registered for later script generation once the vectors are committed.
// Callers may follow each document through its stages with [WithProgress].
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/54b3r/qagent-go/internal/chunker"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/rag"
)

const (
	// DefaultChunkSize is the window length in characters.
	DefaultChunkSize = 800

	// DefaultChunkOverlap is the number of characters shared by neighbouring windows.
	DefaultChunkOverlap = 100
)

// Document is a parsed file ready for ingestion.
type Document struct {
	// Filename identifies the document and becomes each chunk's source.
	Filename string

	// Text is the extracted plain text.
	Text string

	// Metadata holds extra caller fields copied onto every chunk.
	// The reserved keys source and text are always overwritten.
	Metadata map[string]string

	// RawHTML is registered under Filename when non-nil.
	RawHTML *string
}

// Stage names a step of [Pipeline.Ingest] reported to a [ProgressFunc].
type Stage string

const (
	// StageChunked follows splitting; Chunks is the window count.
	StageChunked Stage = "chunked"
	// StageEmbedded follows the batch embedding call. Skipped for empty text.
	StageEmbedded Stage = "embedded"
	// StageCommitted follows the index commit and HTML registration.
	StageCommitted Stage = "committed"
)

// Progress is one event emitted while a document is ingested.
type Progress struct {
	// Filename is the document being ingested.
	Filename string
	// Stage is the step just completed.
	Stage Stage
	// Chunks is the document's chunk count.
	Chunks int
	// Elapsed is the time since Ingest started.
	Elapsed time.Duration
}

// ProgressFunc receives progress events synchronously on the ingesting
// goroutine. It must not block.
type ProgressFunc func(Progress)

// Option configures a single Ingest call.
type Option func(*ingestOptions)

// ingestOptions is the resolved per-call configuration.
type ingestOptions struct {
	// progress is nil unless WithProgress was given.
	progress ProgressFunc
}

// WithProgress reports each completed stage to fn. A failing document stops
// reporting at the stage that failed.
func WithProgress(fn ProgressFunc) Option {
	return func(o *ingestOptions) { o.progress = fn }
}

// Index is the write side of the vector store.
type Index interface {
	// AddBatch commits all pairs or none and returns the first id.
	AddBatch(vectors [][]float32, mds []rag.Metadata) (int, error)
}

// HTMLRegistry receives raw markup for HTML documents.
type HTMLRegistry interface {
	Put(filename, raw string)
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the window length in characters.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	// Used as-is; must be smaller than ChunkSize.
	ChunkOverlap int

	// EmbedTimeout bounds the per-document embedding call. Zero means the
	// caller's context is the only deadline.
	EmbedTimeout time.Duration
}

// DefaultConfig returns the chunking parameters used when none are configured.
func DefaultConfig() *Config {
	return &Config{ChunkSize: DefaultChunkSize, ChunkOverlap: DefaultChunkOverlap}
}

// Pipeline orchestrates the chunk → embed → commit flow for one document
// at a time.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// index stores the embedded chunks.
	index Index

	// html receives raw markup for HTML documents.
	html HTMLRegistry

	// cfg holds the resolved pipeline configuration.
	cfg Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
// An invalid chunk size/overlap pair is rejected with
// [chunker.ErrInvalidConfiguration] rather than corrected.
func NewPipeline(embedder rag.Embedder, index Index, html HTMLRegistry, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if html == nil {
		return nil, fmt.Errorf("ingestion: html registry must not be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	resolved := *cfg
	if resolved.ChunkSize == 0 {
		resolved.ChunkSize = DefaultChunkSize
	}
	if err := chunker.Validate(resolved.ChunkSize, resolved.ChunkOverlap); err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	return &Pipeline{
		embedder: embedder,
		index:    index,
		html:     html,
		cfg:      resolved,
	}, nil
}

// Config returns a copy of the resolved configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Ingest chunks, embeds, and commits doc, returning the number of chunks
// indexed. Either every chunk of the document is committed or none is;
// on failure the HTML registry is left untouched.
func (p *Pipeline) Ingest(ctx context.Context, doc Document, opts ...Option) (int, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	report := func(stage Stage, n int) {
		if o.progress != nil {
			o.progress(Progress{Filename: doc.Filename, Stage: stage, Chunks: n, Elapsed: time.Since(start)})
		}
	}

	ctx, log := logging.With(ctx, slog.String("source", doc.Filename))

	chunks, err := chunker.Split(doc.Text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if err != nil {
		return 0, fmt.Errorf("ingestion: chunking %s: %w", doc.Filename, err)
	}
	p.checkCoverage(ctx, log, doc.Text, chunks)
	report(StageChunked, len(chunks))

	if len(chunks) > 0 {
		vectors, err := p.embed(ctx, doc.Filename, chunker.Texts(chunks))
		if err != nil {
			return 0, err
		}
		report(StageEmbedded, len(chunks))

		// A cancellation that raced the embed call must not commit.
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("ingestion: %s cancelled before commit: %w", doc.Filename, err)
		}

		if _, err := p.index.AddBatch(vectors, p.chunkMetadata(doc, chunks)); err != nil {
			return 0, fmt.Errorf("ingestion: committing %s: %w", doc.Filename, err)
		}
	}

	if doc.RawHTML != nil {
		p.html.Put(doc.Filename, *doc.RawHTML)
	}
	report(StageCommitted, len(chunks))

	log.Info("ingestion: document indexed",
		slog.Int("chunks", len(chunks)),
		slog.Bool("html", doc.RawHTML != nil),
	)
	return len(chunks), nil
}

// checkCoverage verifies at debug level that the chunks rebuild the source
// text exactly. It is skipped unless debug logging is enabled.
func (p *Pipeline) checkCoverage(ctx context.Context, log *slog.Logger, text string, chunks []chunker.Chunk) {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	rebuilt := chunker.Reassemble(chunks, p.cfg.ChunkOverlap)
	if rebuilt != text {
		log.Warn("ingestion: chunks do not cover source text",
			slog.Int("source_runes", utf8.RuneCountInString(text)),
			slog.Int("rebuilt_runes", utf8.RuneCountInString(rebuilt)),
		)
		return
	}
	log.Debug("ingestion: chunk coverage verified",
		slog.Int("chunks", len(chunks)),
		slog.Int("runes", utf8.RuneCountInString(text)),
	)
}

// embed runs the single batch call for a document and checks positional
// correspondence with the input.
func (p *Pipeline) embed(ctx context.Context, filename string, texts []string) ([][]float32, error) {
	if p.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.EmbedTimeout)
		defer cancel()
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, rag.Unavailable("embedder", filename, err)
	}
	if len(vectors) != len(texts) {
		return nil, rag.Unavailable("embedder", filename,
			fmt.Errorf("returned %d vectors for %d chunks", len(vectors), len(texts)))
	}
	return vectors, nil
}

// chunkMetadata builds one metadata map per chunk: inferred fields first,
// then caller fields, then the reserved keys.
func (p *Pipeline) chunkMetadata(doc Document, chunks []chunker.Chunk) []rag.Metadata {
	inferred := InferMetadata(doc.Filename)

	mds := make([]rag.Metadata, len(chunks))
	for i, c := range chunks {
		md := rag.Metadata{
			"doc_type":    inferred.DocType,
			"format":      inferred.Format,
			"chunk_index": strconv.Itoa(i),
			"chunk_start": strconv.Itoa(c.Start),
		}
		for k, v := range doc.Metadata {
			md[k] = v
		}
		md[rag.KeySource] = doc.Filename
		md[rag.KeyText] = c.Text
		mds[i] = md
	}
	return mds
}
