package thread

import "errors"

// Error classes shared by the server client and the local mutation layer.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransport    = errors.New("transport failure")
)
