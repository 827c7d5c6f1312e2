package rag

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when a vector's length disagrees with
	// the store dimension.
	ErrDimensionMismatch = errors.New("rag: vector dimension mismatch")

	// ErrNonFiniteVector is returned when a vector has a NaN or infinite
	// component. Such vectors have no meaningful distance to anything.
	ErrNonFiniteVector = errors.New("rag: vector has non-finite component")

	// ErrCollaboratorUnavailable matches any [*CollaboratorError].
	ErrCollaboratorUnavailable = errors.New("rag: collaborator unavailable")
)

// CollaboratorError reports a failed or timed-out call to an external
// collaborator (embedder or completion model). The core never retries;
// callers get enough context to do so themselves.
type CollaboratorError struct {
	// Collaborator names the failing dependency ("embedder", "completion").
	Collaborator string

	// Source identifies what was being processed: a document filename, or
	// "query" for retrieval.
	Source string

	// Err is the underlying failure.
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("rag: %s unavailable for %q: %v", e.Collaborator, e.Source, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCollaboratorUnavailable) true for every
// CollaboratorError.
func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaboratorUnavailable
}

// Unavailable wraps err as a CollaboratorError. A nil err yields nil.
func Unavailable(collaborator, source string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: collaborator, Source: source, Err: err}
}

func dimensionError(op string, got, want int) error {
	return fmt.Errorf("%w: %s got %d, want %d", ErrDimensionMismatch, op, got, want)
}

// checkVector validates v against the store dimension and rejects NaN and
// infinite components.
func checkVector(op string, v []float32, dim int) error {
	if len(v) != dim {
		return dimensionError(op, len(v), dim)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s component %d is %v", ErrNonFiniteVector, op, i, x)
		}
	}
	return nil
}
