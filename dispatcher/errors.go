package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicate      = errors.New("duplicate request")
	ErrNotFound       = errors.New("request not found")
	ErrUnauthorized   = errors.New("not authorized")
	ErrInvalidState   = errors.New("invalid request state")
	ErrExecution      = errors.New("execution failed")
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrAlreadyStarted = errors.New("dispatcher already started")
)

// DuplicateError is returned by Submit when the dedup key is already held.
// Holder is a copy of the conflicting request; Position is set when it is still queued.
type DuplicateError struct {
	Key      string
	Holder   Request
	Position int
}

func (e *DuplicateError) Error() string {
	if e.Holder.Status == StatusRunning {
		job := e.Holder.JobRef
		if job == "" {
			job = "starting..."
		}
		return fmt.Sprintf("%s is already running as request %s by %s (job %s)", e.Holder.Target, e.Holder.ID, holderName(e.Holder), job)
	}
	return fmt.Sprintf("%s is already queued as request %s by %s (position %d)", e.Holder.Target, e.Holder.ID, holderName(e.Holder), e.Position)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// StateError reports an operation attempted against a request in the wrong state.
type StateError struct {
	ID     string
	Status Status
}

func (e *StateError) Error() string {
	if e.Status == StatusRunning {
		return fmt.Sprintf("request %s is already running and cannot be cancelled", e.ID)
	}
	return fmt.Sprintf("request %s is not in queue (status: %s)", e.ID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

func holderName(r Request) string {
	if r.RequesterName != "" {
		return "@" + r.RequesterName
	}
	return r.Requester
}
