package ingestion

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// permanentError marks a processing failure that retrying cannot fix, such
// as unparseable content or an embedding dimension mismatch.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is non-retryable
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DuplicateError reports that another completed document under the same
// owner already holds this canonical content.
type DuplicateError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate content: already ingested as document %s", e.ExistingID)
}
