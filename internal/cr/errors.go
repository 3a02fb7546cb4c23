package cr

import "errors"

// Error taxonomy shared by every component. Callers classify with errors.Is;
// concrete errors wrap one of these with context.
var (
	// ErrNotFound is returned for unknown or soft-deleted entities.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for illegal status changes.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBusy signals that an execution is already in flight for the mission.
	// It is a control-flow signal, not a failure.
	ErrBusy = errors.New("mission busy")

	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrWatchLost             = errors.New("watch lost")

	// ErrIO is an execution-time filesystem or codec failure.
	ErrIO = errors.New("io failure")

	// ErrStorage means the persistence layer rejected or could not serve a request.
	ErrStorage = errors.New("storage failure")

	// ErrStaleTicket is returned when an execution is ended with a ticket that
	// no longer owns the mission.
	ErrStaleTicket = errors.New("stale execution ticket")
)
