package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound is returned by stores when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by a conditional write when the
	// record changed since it was read. Callers must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
)

// StageError is the structured cause attached to a failed stage or item.
type StageError struct {
	Stage     string `json:"stage"`
	Cause     string `json:"cause"`
	Retryable bool   `json:"retryable"`
}

func (e *StageError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("stage %s failed (%s): %s", e.Stage, kind, e.Cause)
}

// NewStageError wraps a cause for a stage.
func NewStageError(stage string, retryable bool, format string, args ...interface{}) *StageError {
	return &StageError{Stage: stage, Cause: fmt.Sprintf(format, args...), Retryable: retryable}
}

// AsStageError unwraps err to a *StageError if possible, otherwise wraps it
// as a retryable error for the given stage.
func AsStageError(stage string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Cause: err.Error(), Retryable: true}
}
