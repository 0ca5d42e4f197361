package escrow

import "errors"

var (
	// ErrValidation signals malformed or out-of-range input.
	ErrValidation = errors.New("escrow: invalid input")
	// ErrUnauthorized signals the caller lacks the role the operation requires.
	ErrUnauthorized = errors.New("escrow: caller not permitted")
	// ErrInvalidState signals the operation is illegal for the job's current status.
	ErrInvalidState = errors.New("escrow: status does not allow operation")
	// ErrTiming signals a deadline or resolution-window guard is not satisfied.
	ErrTiming = errors.New("escrow: timing guard not satisfied")
	// ErrJobNotFound is returned when no job exists for the identifier.
	ErrJobNotFound = errors.New("escrow: job not found")
)
