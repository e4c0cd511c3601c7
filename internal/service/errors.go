package service

import "errors"

// ─── User-facing errors ─────────────────────────────────────
//
// Handlers map these to HTTP statuses with errors.Is. Services wrap
// them with detail via fmt.Errorf("%w: ...") where it helps the caller.

var (
	// ErrInvalidQuantity is returned when the requested quantity is
	// outside the per-intent bounds.
	ErrInvalidQuantity = errors.New("quantity must be between 1 and 10")

	// ErrInvalidSessionID is returned when the session identifier is
	// empty or longer than the storage limit.
	ErrInvalidSessionID = errors.New("session_id must be between 1 and 255 characters")

	// ErrInvalidEvent is returned when event creation fields fail
	// validation.
	ErrInvalidEvent = errors.New("event fields are invalid")

	// ErrEventNotFound is returned when the referenced event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrIntentNotFound is returned when the referenced intent does not exist.
	ErrIntentNotFound = errors.New("purchase intent not found")

	// ErrEventUnavailable is returned at intake when the event has
	// already started or shows no remaining tickets.
	ErrEventUnavailable = errors.New("event is not available for queueing")

	// ErrNotOwner is returned when a session tries to cancel an intent
	// it did not create.
	ErrNotOwner = errors.New("intent belongs to a different session")

	// ErrNotCancellable is returned when the intent is already being
	// processed or has reached a terminal status.
	ErrNotCancellable = errors.New("intent can no longer be cancelled")

	// ErrProcessorRunning is returned by Start when the queue
	// processor is already running.
	ErrProcessorRunning = errors.New("queue processor is already running")
)
