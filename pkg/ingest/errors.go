package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat rejects uploads whose MIME type is outside the
	// allow-list.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrFileTooLarge rejects uploads above the configured size ceiling.
	ErrFileTooLarge = errors.New("file too large")
	// ErrDocumentLimitReached rejects uploads once the owner holds the
	// maximum number of active documents.
	ErrDocumentLimitReached = errors.New("document limit reached")
)

// LimitError reports the owner's current document count against the limit.
type LimitError struct {
	Current int
	Limit   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("document limit reached (%d/%d)", e.Current, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return ErrDocumentLimitReached
}
