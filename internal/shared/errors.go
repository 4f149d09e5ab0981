package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or incomplete input.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyPosted indicates a document line reference was posted before.
	ErrAlreadyPosted = errors.New("reference already posted")
	// ErrInvalidStateTransition indicates a document workflow guard rejected the transition.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrTenantRequired occurs when a request carries no tenant context.
	ErrTenantRequired = errors.New("tenant context required")
)
