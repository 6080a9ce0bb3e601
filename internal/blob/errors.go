package blob

import "errors"

// Blob store error types.
var (
	// ErrInvalidRequest is the parent of every validation failure; it never
	// reaches the disk.
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidID      = wrapInvalid("invalid blob ID")
	ErrMissingLength  = wrapInvalid("missing or invalid Content-Length header")
	ErrInvalidHeaders = wrapInvalid("invalid stored headers")

	ErrTooLarge         = errors.New("payload and headers exceed max length")
	ErrQuotaExceeded    = errors.New("disk quota exceeded")
	ErrIncompleteUpload = errors.New("incomplete upload")
	ErrNotFound         = errors.New("blob not found")
)

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }

func (e *invalidError) Unwrap() error { return ErrInvalidRequest }

func wrapInvalid(msg string) error {
	return &invalidError{msg: msg}
}
