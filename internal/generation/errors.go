package generation

import "errors"

// Domain-level error values returned by the orchestrator.
var (
	ErrActiveJobExists     = errors.New("active generation job already exists")
	ErrJobNotFound         = errors.New("generation job not found")
	ErrInvalidJobState     = errors.New("invalid job state")
	ErrJobCancelled        = errors.New("job cancelled")
	ErrEmptyGeneration     = errors.New("generation produced no items")
	ErrInvalidWorkState    = errors.New("invalid work state")
	ErrInvalidBillingState = errors.New("invalid billing state")
	ErrInvalidConfig       = errors.New("invalid orchestrator config")
)
