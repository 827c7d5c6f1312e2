package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/qagent-go/internal/chunker"
	"github.com/54b3r/qagent-go/internal/htmlsource"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/rag"
)

// letterEmbedder maps each text to a 2-d vector derived from its first
// byte so distinct chunks get distinct vectors.
type letterEmbedder struct {
	mu     sync.Mutex
	calls  int
	inputs [][]string
	err    error
	short  bool
	cancel context.CancelFunc
}

func (e *letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, texts)
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.err != nil {
		return nil, e.err
	}
	n := len(texts)
	if e.short {
		n--
	}
	out := make([][]float32, n)
	for i := range n {
		var first float32
		if texts[i] != "" {
			first = float32(texts[i][0])
		}
		out[i] = []float32{first, float32(len(texts[i]))}
	}
	return out, nil
}

func newPipeline(t *testing.T, emb rag.Embedder, cfg *Config) (*Pipeline, *rag.FlatStore, *htmlsource.Registry) {
	t.Helper()
	store, err := rag.NewFlatStore(2)
	require.NoError(t, err)
	reg := htmlsource.New()
	p, err := NewPipeline(emb, store, reg, cfg)
	require.NoError(t, err)
	return p, store, reg
}

func TestNewPipeline_Validation(t *testing.T) {
	t.Parallel()
	store, err := rag.NewFlatStore(2)
	require.NoError(t, err)
	reg := htmlsource.New()

	_, err = NewPipeline(nil, store, reg, nil)
	assert.Error(t, err)
	_, err = NewPipeline(&letterEmbedder{}, nil, reg, nil)
	assert.Error(t, err)
	_, err = NewPipeline(&letterEmbedder{}, store, nil, nil)
	assert.Error(t, err)

	_, err = NewPipeline(&letterEmbedder{}, store, reg, &Config{ChunkSize: 10, ChunkOverlap: 10})
	assert.ErrorIs(t, err, chunker.ErrInvalidConfiguration)

	p, err := NewPipeline(&letterEmbedder{}, store, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, p.Config().ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, p.Config().ChunkOverlap)
}

func TestPipeline_IngestBatchesAndPairs(t *testing.T) {
	t.Parallel()
	emb := &letterEmbedder{}
	p, store, reg := newPipeline(t, emb, &Config{ChunkSize: 4, ChunkOverlap: 1})

	n, err := p.Ingest(t.Context(), Document{
		Filename: "letters.txt",
		Text:     "abcdefghij",
		Metadata: map[string]string{"team": "qa", rag.KeySource: "spoofed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, emb.calls, "one batch call per document")
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, emb.inputs[0])
	assert.Equal(t, 3, store.Len())
	assert.Zero(t, reg.Len())

	hits, err := store.SearchHits([]float32{'a', 4}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	got := hits[0].Metadata
	assert.Equal(t, "abcd", got.Text())
	assert.Equal(t, "letters.txt", got.Source(), "reserved keys override caller metadata")
	assert.Equal(t, "qa", got["team"])
	assert.Equal(t, "0", got["chunk_index"])
	assert.Equal(t, "text", got["format"])

	hits, err = store.SearchHits([]float32{'g', 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, "ghij", hits[0].Metadata.Text())
	assert.Equal(t, "6", hits[0].Metadata["chunk_start"])
}

func TestPipeline_IngestRegistersHTMLAfterCommit(t *testing.T) {
	t.Parallel()
	p, store, reg := newPipeline(t, &letterEmbedder{}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	raw := "<html><body>Login</body></html>"
	n, err := p.Ingest(t.Context(), Document{Filename: "login.html", Text: "Login", RawHTML: &raw})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Len())

	got, ok := reg.Get("login.html")
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestPipeline_IngestEmptyText(t *testing.T) {
	t.Parallel()
	emb := &letterEmbedder{}
	p, store, reg := newPipeline(t, emb, nil)

	raw := "<html></html>"
	n, err := p.Ingest(t.Context(), Document{Filename: "blank.html", RawHTML: &raw})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, emb.calls, "no chunks means no embedding call")
	assert.Zero(t, store.Len())
	_, ok := reg.Get("blank.html")
	assert.True(t, ok)
}

func TestPipeline_EmbedFailureCommitsNothing(t *testing.T) {
	t.Parallel()
	boom := errors.New("embedding service down")
	p, store, reg := newPipeline(t, &letterEmbedder{err: boom}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	raw := "<p>x</p>"
	n, err := p.Ingest(t.Context(), Document{Filename: "page.html", Text: "abcdefghij", RawHTML: &raw})
	require.ErrorIs(t, err, rag.ErrCollaboratorUnavailable)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, n)
	assert.Zero(t, store.Len())
	assert.Zero(t, reg.Len())

	var ce *rag.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "embedder", ce.Collaborator)
	assert.Equal(t, "page.html", ce.Source)
}

func TestPipeline_ShortEmbeddingResultCommitsNothing(t *testing.T) {
	t.Parallel()
	p, store, _ := newPipeline(t, &letterEmbedder{short: true}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	_, err := p.Ingest(t.Context(), Document{Filename: "a.txt", Text: "abcdefghij"})
	require.ErrorIs(t, err, rag.ErrCollaboratorUnavailable)
	assert.Zero(t, store.Len())
}

func TestPipeline_CancelledDuringEmbedCommitsNothing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	p, store, reg := newPipeline(t, &letterEmbedder{cancel: cancel}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	raw := "<p/>"
	_, err := p.Ingest(ctx, Document{Filename: "a.html", Text: "abcdefghij", RawHTML: &raw})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.Len())
	assert.Zero(t, reg.Len())
}

func TestPipeline_ConcurrentIngestKeepsStoreConsistent(t *testing.T) {
	t.Parallel()
	p, store, _ := newPipeline(t, &letterEmbedder{}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_, err := p.Ingest(context.Background(), Document{Filename: "doc.txt", Text: "abcdefghij"})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, 30, store.Len())
	mds, err := store.Search([]float32{0, 0}, 30)
	require.NoError(t, err)
	for _, md := range mds {
		assert.Equal(t, "doc.txt", md.Source())
		assert.NotEmpty(t, md.Text())
	}
}

// recordProgress returns an option that appends each event to events.
func recordProgress(events *[]Progress) Option {
	return WithProgress(func(ev Progress) { *events = append(*events, ev) })
}

// stages projects events onto their stage names.
func stages(events []Progress) []Stage {
	out := make([]Stage, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

func TestPipeline_IngestReportsProgress(t *testing.T) {
	t.Parallel()
	p, _, _ := newPipeline(t, &letterEmbedder{}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	var events []Progress
	n, err := p.Ingest(t.Context(), Document{Filename: "letters.txt", Text: "abcdefghij"}, recordProgress(&events))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []Stage{StageChunked, StageEmbedded, StageCommitted}, stages(events))
	for _, ev := range events {
		assert.Equal(t, "letters.txt", ev.Filename)
		assert.Equal(t, 3, ev.Chunks)
	}
	assert.LessOrEqual(t, events[0].Elapsed, events[2].Elapsed)
}

func TestPipeline_IngestProgressEmptyTextSkipsEmbedded(t *testing.T) {
	t.Parallel()
	p, _, _ := newPipeline(t, &letterEmbedder{}, nil)

	var events []Progress
	raw := "<html></html>"
	_, err := p.Ingest(t.Context(), Document{Filename: "blank.html", RawHTML: &raw}, recordProgress(&events))
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageChunked, StageCommitted}, stages(events))
}

func TestPipeline_IngestProgressStopsAtFailure(t *testing.T) {
	t.Parallel()
	p, _, _ := newPipeline(t, &letterEmbedder{err: errors.New("down")}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	var events []Progress
	_, err := p.Ingest(t.Context(), Document{Filename: "a.txt", Text: "abcdefghij"}, recordProgress(&events))
	require.ErrorIs(t, err, rag.ErrCollaboratorUnavailable)
	assert.Equal(t, []Stage{StageChunked}, stages(events))
}

// debugContext returns a context whose logger writes JSON at level to buf.
func debugContext(t *testing.T, buf *bytes.Buffer, level slog.Level) context.Context {
	t.Helper()
	return logging.WithLogger(t.Context(), logging.NewWithOptions(logging.Options{Level: level, Output: buf}))
}

func TestPipeline_IngestVerifiesCoverageAtDebug(t *testing.T) {
	t.Parallel()
	p, _, _ := newPipeline(t, &letterEmbedder{}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	var buf bytes.Buffer
	_, err := p.Ingest(debugContext(t, &buf, slog.LevelDebug), Document{Filename: "résumé.txt", Text: "héllo wörld"})
	require.NoError(t, err)

	var coverage map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "ingestion: chunk coverage verified" {
			coverage = rec
		}
		assert.Equal(t, "résumé.txt", rec["source"], "every record carries the document")
	}
	require.NotNil(t, coverage, "no coverage record in %s", buf.String())
	assert.Equal(t, float64(11), coverage["runes"])
	assert.Equal(t, float64(4), coverage["chunks"])
	assert.NotContains(t, buf.String(), "do not cover")
}

func TestPipeline_IngestSkipsCoverageAboveDebug(t *testing.T) {
	t.Parallel()
	p, _, _ := newPipeline(t, &letterEmbedder{}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	var buf bytes.Buffer
	_, err := p.Ingest(debugContext(t, &buf, slog.LevelInfo), Document{Filename: "a.txt", Text: "abcdefghij"})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "coverage")
	assert.Contains(t, buf.String(), "ingestion: document indexed")
}

func TestPipeline_CheckCoverageWarnsOnGap(t *testing.T) {
	t.Parallel()
	p, _, _ := newPipeline(t, &letterEmbedder{}, &Config{ChunkSize: 4, ChunkOverlap: 1})

	var buf bytes.Buffer
	ctx := debugContext(t, &buf, slog.LevelDebug)
	chunks := []chunker.Chunk{{Text: "abcd", Start: 0}, {Text: "ghij", Start: 6}}
	p.checkCoverage(ctx, logging.FromContext(ctx), "abcdefghij", chunks)

	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), "ingestion: chunks do not cover source text")
}
