package app

import "errors"

var (
	// ErrNoDocuments indicates the user has nothing to chat about yet.
	ErrNoDocuments        = errors.New("no documents available")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)
