// Package rag holds the retrieval core: a flat in-memory vector index and
// the composer that turns a query into a formatted context block. The
// embedding collaborator is abstracted behind [Embedder] so the core never
// depends on a specific model backend.
package rag

import (
	"context"
	"fmt"
	"maps"
)

// Reserved metadata keys. Every entry written by ingestion carries both.
const (
	// KeySource names the document a chunk came from.
	KeySource = "source"

	// KeyText holds the chunk content itself.
	KeyText = "text"
)

// Metadata is the mapping attached to a stored vector.
type Metadata map[string]string

// Source returns the originating document name.
func (m Metadata) Source() string { return m[KeySource] }

// Text returns the chunk content.
func (m Metadata) Text() string { return m[KeyText] }

// Clone returns a shallow copy of m. A nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// Hit is a single search result with its distance to the query.
type Hit struct {
	// ID is the sequential id assigned when the entry was added.
	ID int `json:"id"`

	// Distance is the squared Euclidean distance to the query vector.
	Distance float64 `json:"distance"`

	// Metadata is a copy of the stored metadata.
	Metadata Metadata `json:"metadata"`
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedOne embeds a single text as a batch of one.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("rag: embedder returned %d vectors for 1 input", len(vecs))
	}
	return vecs[0], nil
}

// Searcher is the read side of the vector index used by the composer.
type Searcher interface {
	// SearchHits returns up to k nearest entries, nearest first.
	SearchHits(query []float32, k int) ([]Hit, error)
}
