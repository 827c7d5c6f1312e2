package rag

import (
	"fmt"
	"slices"
	"sync"
)

// FlatStore is an exact nearest-neighbour index over fixed-dimension
// vectors. Search is a linear scan using squared Euclidean distance.
// Vectors and metadata live in parallel slices indexed by entry id and are
// only ever appended together under the write lock.
// It is safe for concurrent use.
type FlatStore struct {
	// dim is the fixed vector length, set at construction.
	dim int

	// mu serialises writers and lets readers scan concurrently.
	mu sync.RWMutex

	// vectors[i] belongs to entry id i.
	vectors [][]float32

	// metadata[i] belongs to entry id i.
	metadata []Metadata
}

// NewFlatStore returns an empty store for vectors of length dim.
func NewFlatStore(dim int) (*FlatStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("rag: store dimension must be positive, got %d", dim)
	}
	return &FlatStore{dim: dim}, nil
}

// Dimension returns the fixed vector length.
func (s *FlatStore) Dimension() int { return s.dim }

// Len returns the number of stored entries.
func (s *FlatStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// Add stores vector with md and returns the new entry's id. A vector of the
// wrong length or with a NaN or infinite component is rejected.
func (s *FlatStore) Add(vector []float32, md Metadata) (int, error) {
	if err := checkVector("add", vector, s.dim); err != nil {
		return 0, err
	}
	v := slices.Clone(vector)
	m := md.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	id := len(s.vectors)
	s.vectors = append(s.vectors, v)
	s.metadata = append(s.metadata, m)
	return id, nil
}

// AddBatch stores every (vectors[i], mds[i]) pair or none of them. It
// returns the id of the first new entry; the rest follow sequentially.
// An empty batch is a no-op returning the current length.
func (s *FlatStore) AddBatch(vectors [][]float32, mds []Metadata) (int, error) {
	if len(vectors) != len(mds) {
		return 0, fmt.Errorf("rag: batch has %d vectors but %d metadata entries", len(vectors), len(mds))
	}
	vs := make([][]float32, len(vectors))
	ms := make([]Metadata, len(mds))
	for i, v := range vectors {
		if err := checkVector(fmt.Sprintf("add batch[%d]", i), v, s.dim); err != nil {
			return 0, err
		}
		vs[i] = slices.Clone(v)
		ms[i] = mds[i].Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.vectors)
	s.vectors = append(s.vectors, vs...)
	s.metadata = append(s.metadata, ms...)
	return first, nil
}

// Search returns the metadata of the k entries nearest to query, nearest
// first. Ties are broken by lower id. k <= 0 or an empty store yields an
// empty result.
func (s *FlatStore) Search(query []float32, k int) ([]Metadata, error) {
	hits, err := s.SearchHits(query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, len(hits))
	for i, h := range hits {
		out[i] = h.Metadata
	}
	return out, nil
}

// SearchHits is Search with ids and distances attached. The query is
// validated like a stored vector, so every distance is finite.
func (s *FlatStore) SearchHits(query []float32, k int) ([]Hit, error) {
	if err := checkVector("search", query, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, len(s.vectors))
	for id, v := range s.vectors {
		hits[id] = Hit{ID: id, Distance: squaredL2(query, v)}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		if a.Distance < b.Distance {
			return -1
		}
		if a.Distance > b.Distance {
			return 1
		}
		return a.ID - b.ID
	})

	hits = hits[:min(k, len(hits))]
	for i := range hits {
		hits[i].Metadata = s.metadata[hits[i].ID].Clone()
	}
	return hits, nil
}

// squaredL2 accumulates in float64 so ordering is stable for long vectors.
func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
