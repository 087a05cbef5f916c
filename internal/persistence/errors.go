package persistence

import "errors"

// Validation and integrity errors surfaced synchronously to callers.
// Expired records are never surfaced as a distinct error: an expired record
// is indistinguishable from an absent one.
var (
	// ErrDuplicateID is returned when a task id already exists in either
	// partition. Inserts never overwrite.
	ErrDuplicateID = errors.New("task id already exists")

	// ErrUnknownRun is returned when a task references a run that does not
	// exist, or a run operation names a missing run.
	ErrUnknownRun = errors.New("unknown run")

	// ErrUnknownNode is returned when non-anonymous routing names a node
	// that was never registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrConflict is returned when a run deletion would orphan dependent
	// task records and cascade was not requested.
	ErrConflict = errors.New("run has dependent tasks")
)
