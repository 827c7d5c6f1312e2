package embedder

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// defaultHashDimensions matches the 384-d sentence-transformer models
// commonly used for small corpora.
const defaultHashDimensions = 384

// HashEmbedder is a deterministic, in-process embedder. Each text is
// tokenised into lowercase words plus boundary-padded character trigrams;
// every feature is hashed into one of Dimensions buckets with a hashed
// sign, and the result is L2-normalised. It needs no network and no
// training, so it backs offline runs and tests. Texts sharing vocabulary
// land close together; it carries no semantics beyond surface overlap.
// It is safe for concurrent use.
type HashEmbedder struct {
	// dims is the output vector length.
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing dims-length vectors.
// dims <= 0 selects the default of 384.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the output vector length.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// Name returns the backend label.
func (e *HashEmbedder) Name() string { return "hash" }

// Embed converts a batch of texts into their corresponding embeddings.
// Text without any letters or digits maps to the zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, word := range tokenize(text) {
		e.add(vec, "w:"+word, 1)
		padded := []rune("#" + word + "#")
		for i := 0; i+3 <= len(padded); i++ {
			e.add(vec, "t:"+string(padded[i:i+3]), 0.5)
		}
	}
	normalize(vec)
	return vec
}

// add hashes feature into a bucket; the top bit of the hash picks the sign
// so collisions tend to cancel rather than accumulate.
func (e *HashEmbedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(e.dims))
	if h>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize splits text into lowercase runs of letters and digits.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
