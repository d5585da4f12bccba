package engine

import "errors"

// Sentinel errors returned by engine operations. Callers match them with
// errors.Is; the API maps them to HTTP status codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrSaveFailed   = errors.New("failed to save config")
)
