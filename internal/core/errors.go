package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob is returned by AddJob for nil or non-comparable jobs.
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobPanicked marks a JobError recovered from a panic.
	ErrJobPanicked = errors.New("job panicked")
)

// Job phases reported in JobError.
const (
	PhaseShouldRun = "should_run"
	PhaseRun       = "run"
)

// JobError is a failure escaping a job's ShouldRun or Run.
type JobError struct {
	Job   string
	Phase string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.Job, e.Phase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
