package dispute

import "errors"

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidTransition signals the action's precondition does not hold in
	// the dispute's current state.
	ErrInvalidTransition = errors.New("dispute: invalid transition")
	// ErrUnauthorized signals the actor's role may not perform the action on
	// this dispute.
	ErrUnauthorized = errors.New("dispute: unauthorized")
	// ErrAlreadyActioned is returned for actions that are errors on repeat,
	// e.g. a second Accept. Distinguishes a client bug from a benign retry.
	ErrAlreadyActioned = errors.New("dispute: already actioned")
	// ErrLimitExceeded signals the reanalysis cap was hit.
	ErrLimitExceeded = errors.New("dispute: reanalysis limit exceeded")
	// ErrValidationFailed signals malformed action input, e.g. a court-forward
	// reason below the minimum length or a vote index out of range.
	ErrValidationFailed = errors.New("dispute: validation failed")
	// ErrConcurrencyConflict signals the conditional update lost a race; the
	// caller must retry the whole transition from fresh state.
	ErrConcurrencyConflict = errors.New("dispute: concurrency conflict")
)
