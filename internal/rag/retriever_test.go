package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder maps known strings to fixed vectors and everything else to
// the zero vector.
type fakeEmbedder struct {
	vectors map[string][]float32
	dim     int
	err     error
	calls   int
	delay   time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func seededComposer(t *testing.T, emb *fakeEmbedder) *Composer {
	t.Helper()
	s := newStore(t, 2)
	_, err := s.AddBatch(
		[][]float32{{1, 0}, {0, 1}, {0.9, 0.1}},
		[]Metadata{md("login.html", "Login form"), md("empty.md", ""), md("spec.pdf", "Password rules")},
	)
	require.NoError(t, err)

	c, err := NewComposer(emb, s, 0)
	require.NoError(t, err)
	return c
}

func TestNewComposer_NilDependencies(t *testing.T) {
	t.Parallel()
	s := newStore(t, 2)

	_, err := NewComposer(nil, s, 0)
	assert.Error(t, err)
	_, err = NewComposer(&fakeEmbedder{dim: 2}, nil, 0)
	assert.Error(t, err)
}

func TestComposer_RetrieveContextFormatsAndFilters(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{dim: 2, vectors: map[string][]float32{"login": {1, 0}}}
	c := seededComposer(t, emb)

	got, err := c.RetrieveContext(t.Context(), "login", 3)
	require.NoError(t, err)
	assert.Equal(t, "[source: login.html]\nLogin form\n\n[source: spec.pdf]\nPassword rules", got)
	assert.Equal(t, 1, emb.calls)
}

func TestComposer_NonPositiveKSkipsEmbedding(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{dim: 2}
	c := seededComposer(t, emb)

	got, err := c.RetrieveContext(t.Context(), "anything", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, emb.calls)
}

func TestComposer_EmptyQuerySearches(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{dim: 2}
	c := seededComposer(t, emb)

	mds, err := c.Retrieve(t.Context(), "", 2)
	require.NoError(t, err)
	assert.Len(t, mds, 2)
}

func TestComposer_EmbedderFailureIsCollaboratorError(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection refused")
	c := seededComposer(t, &fakeEmbedder{dim: 2, err: boom})

	_, err := c.Retrieve(t.Context(), "login", 3)
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	require.ErrorIs(t, err, boom)

	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "embedder", ce.Collaborator)
	assert.Equal(t, "query", ce.Source)
}

func TestComposer_EmbedTimeout(t *testing.T) {
	t.Parallel()
	s := newStore(t, 2)
	c, err := NewComposer(&fakeEmbedder{dim: 2, delay: time.Second}, s, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = c.Retrieve(context.Background(), "slow", 1)
	require.ErrorIs(t, err, ErrCollaboratorUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComposer_DimensionMismatchFromEmbedder(t *testing.T) {
	t.Parallel()
	c := seededComposer(t, &fakeEmbedder{dim: 5})

	_, err := c.Retrieve(t.Context(), "q", 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestFormatContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []Metadata
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "all empty text", in: []Metadata{md("a", ""), {KeySource: "b"}}, want: ""},
		{name: "single", in: []Metadata{md("a.md", "alpha")}, want: "[source: a.md]\nalpha"},
		{
			name: "order preserved around gaps",
			in:   []Metadata{md("a", "1"), md("b", ""), md("c", "3")},
			want: "[source: a]\n1\n\n[source: c]\n3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatContext(tt.in))
		})
	}
}

func TestEmbedOne_RejectsWrongCount(t *testing.T) {
	t.Parallel()

	_, err := EmbedOne(t.Context(), countEmbedder(2), "x")
	assert.Error(t, err)
}

type countEmbedder int

func (n countEmbedder) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return make([][]float32, int(n)), nil
}
