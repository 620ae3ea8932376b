package registry

import "errors"

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrAlreadyExists is returned when CreateRun collides with an existing run_id.
	ErrAlreadyExists = errors.New("run already exists")

	// ErrConcurrentModification is returned when an UpdateStage or SetRunState
	// call loses a compare-and-swap race against another writer for the same run.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned when a state transition violates the
	// run or stage state machine (terminal states never re-open).
	ErrInvalidTransition = errors.New("invalid state transition")
)
