package knowledge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks precondition violations such as blank text.
	ErrInvalidArgument = errors.New("knowledge: invalid argument")
	// ErrAllEmbeddingsFailed is returned when no chunk of a document could be embedded.
	ErrAllEmbeddingsFailed = errors.New("knowledge: all chunk embeddings failed")
	// ErrMalformedResponse marks embedding responses missing expected fields. It is never retried.
	ErrMalformedResponse = errors.New("knowledge: malformed embedding response")
	// ErrEmptyContent is returned when a parsed document has no text.
	ErrEmptyContent = errors.New("knowledge: document content is empty")
)

// EmbeddingError is the terminal failure of an embedding call after the retry
// policy gave up.
type EmbeddingError struct {
	Attempts  int
	Retryable bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("knowledge: embedding failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError wraps persistence failures of the vector store.
type VectorStoreError struct {
	Op  string
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("knowledge: vector store %s: %v", e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &VectorStoreError{Op: op, Err: err}
}
