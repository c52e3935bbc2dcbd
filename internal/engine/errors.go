package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSelfDependency rejects an edge whose subject and target are the
	// same entity.
	ErrSelfDependency = errors.New("cannot depend on itself")

	// ErrLeaseLost rejects a heartbeat or release by an actor that does not
	// hold the task's lease.
	ErrLeaseLost = errors.New("lease lost")

	// ErrVersionConflict rejects a mutation whose expected version no longer
	// matches the stored row.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists rejects creation of an entity whose unique key is
	// taken.
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError marks input the caller can fix and resubmit.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// CycleError rejects a dependency edge that would close a cycle. The edge is
// not written.
type CycleError struct {
	Kind string
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s dependency %s -> %s would create a cycle", e.Kind, e.From, e.To)
}

// ConflictError rejects a claim on a task whose lease is held by another
// owner and has not expired.
type ConflictError struct {
	TaskID    string
	OwnerID   string
	ExpiresAt string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s is leased by %s until %s", e.TaskID, e.OwnerID, e.ExpiresAt)
}

// BlockedError rejects a status transition gated on dependencies that are not
// done.
type BlockedError struct {
	TaskID string
	Unmet  []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("task %s is blocked by unmet dependencies %v", e.TaskID, e.Unmet)
}
