package coordinator

import (
	"errors"
	"fmt"

	"engram/internal/domain"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("coordinator closed")

// DuplicateTaskError reports a submit whose task id is still tracked.
type DuplicateTaskError struct {
	TaskID string
	Status domain.Status
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already submitted (%s)", e.TaskID, e.Status)
}

// UnknownTaskError reports a wait on an id the coordinator does not track.
type UnknownTaskError struct {
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}
