package model

import "errors"

// Sentinel errors for the scheduler and pipeline surfaces. Callers match with
// errors.Is; messages carry the task/run specifics via wrapping.
var (
	// ErrInvalidTask rejects a submission synchronously: bad priority,
	// negative max_retries, or an unresolvable dependency reference.
	ErrInvalidTask = errors.New("invalid task")

	// ErrAlreadyFinalized is returned when Complete or Fail is called on a
	// task that already reached a terminal status.
	ErrAlreadyFinalized = errors.New("task already finalized")

	// ErrUnknownTask is returned for operations on an id the store has never
	// seen.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnroutableType is returned at construction time when a task type has
	// no registered handler.
	ErrUnroutableType = errors.New("unroutable task type")

	// ErrBudgetExceeded fails a run non-retryably once its cumulative cost
	// passes the configured ceiling.
	ErrBudgetExceeded = errors.New("run cost budget exceeded")

	// ErrRunNotFound is returned by the run registry for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)
