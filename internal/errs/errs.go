// Package errs defines the error kinds the core distinguishes (SPEC_FULL.md §7),
// each a sentinel wrapped with fmt.Errorf("...: %w", ...) at the call site so
// errors.Is / errors.As keep working across package boundaries.
package errs

import "errors"

var (
	// ErrConfigInvalid marks an unschedulable recurrence: unknown type, missing
	// time-of-day, malformed cron. The job is retained but not scheduled.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrConnectFailed marks a primary (or fallback) endpoint that could not be dialed.
	ErrConnectFailed = errors.New("connect failed")

	// ErrQueryFailed marks a driver-level query execution error.
	ErrQueryFailed = errors.New("query failed")

	// ErrQueryTimeout is a distinct subkind of ErrQueryFailed for a driver timeout.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrAdapterFailed marks a destination adapter returning success=false or an error.
	ErrAdapterFailed = errors.New("adapter failed")

	// ErrCancelled is the terminal state for a cooperatively cancelled job.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound marks a catalogue lookup miss (unknown connection/job id).
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a catalogue mutation blocked by an existing reference or
	// duplicate natural key.
	ErrConflict = errors.New("conflict")
)
