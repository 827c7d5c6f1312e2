package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/qagent-go/internal/logging"
)

// Composer embeds a query, searches the index, and formats the hits into
// a context block for a completion prompt. It never calls the completion
// model itself.
type Composer struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the nearest-neighbour search.
	index Searcher

	// embedTimeout bounds each embedding call. Zero means ctx only.
	embedTimeout time.Duration
}

// NewComposer constructs a Composer from the given Embedder and index.
func NewComposer(embedder Embedder, index Searcher, embedTimeout time.Duration) (*Composer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	return &Composer{
		embedder:     embedder,
		index:        index,
		embedTimeout: embedTimeout,
	}, nil
}

// RetrieveHits embeds query and returns up to k nearest hits.
// k <= 0 returns an empty result without calling the embedder.
func (c *Composer) RetrieveHits(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}

	embedCtx := ctx
	if c.embedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, c.embedTimeout)
		defer cancel()
	}

	vec, err := EmbedOne(embedCtx, c.embedder, query)
	if err != nil {
		return nil, Unavailable("embedder", "query", err)
	}

	hits, err := c.index.SearchHits(vec, k)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	logging.FromContext(ctx).Debug("rag: retrieved",
		slog.Int("k", k),
		slog.Int("hits", len(hits)),
	)
	return hits, nil
}

// Retrieve returns the metadata of the k nearest entries to query.
func (c *Composer) Retrieve(ctx context.Context, query string, k int) ([]Metadata, error) {
	hits, err := c.RetrieveHits(ctx, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, len(hits))
	for i, h := range hits {
		out[i] = h.Metadata
	}
	return out, nil
}

// RetrieveContext returns the formatted context block for query, or ""
// when nothing with text was found.
func (c *Composer) RetrieveContext(ctx context.Context, query string, k int) (string, error) {
	mds, err := c.Retrieve(ctx, query, k)
	if err != nil {
		return "", err
	}
	return FormatContext(mds), nil
}

// ContextBlocks renders each entry with non-empty text as
// "[source: <source>]\n<text>", preserving order.
func ContextBlocks(mds []Metadata) []string {
	blocks := make([]string, 0, len(mds))
	for _, md := range mds {
		text := md.Text()
		if text == "" {
			continue
		}
		blocks = append(blocks, "[source: "+md.Source()+"]\n"+text)
	}
	return blocks
}

// FormatContext joins [ContextBlocks] with blank lines.
func FormatContext(mds []Metadata) string {
	return strings.Join(ContextBlocks(mds), "\n\n")
}
