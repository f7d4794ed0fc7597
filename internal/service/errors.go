package service

import "errors"

// Error kinds surfaced by the service layer. Handlers map these onto HTTP
// status codes with errors.Is; services wrap them with context via
// fmt.Errorf("...: %w", Err...). Every rejection happens either before any
// row is touched or inside a transaction that rolls back as a whole.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrValidation        = errors.New("validation failed")
	ErrTotalMismatch     = errors.New("supplied totals do not match computed totals")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrAllocationFailed  = errors.New("invoice number allocation failed")
)
