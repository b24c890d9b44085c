package core

import (
	"context"
	"time"
)

// Console executes remote-console commands. *console.Session satisfies it.
type Console interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// Moment is the calendar snapshot a tick evaluates every job against.
// Weekday runs from 1 (Monday) to 7 (Sunday).
type Moment struct {
	Time    time.Time
	Year    int
	Month   int
	Day     int
	Hour    int
	Minute  int
	Weekday int
}

// MomentOf splits t into calendar fields in t's location.
func MomentOf(t time.Time) Moment {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return Moment{
		Time:    t,
		Year:    t.Year(),
		Month:   int(t.Month()),
		Day:     t.Day(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Weekday: wd,
	}
}

// Job is a unit of scheduled work. ShouldRun is evaluated once per tick and
// Run is only invoked when it reported true for that tick.
type Job interface {
	ShouldRun(m Moment) bool
	Run(ctx context.Context, console Console) error
}

// Named jobs report a stable name used in logs and run history.
type Named interface {
	Name() string
}

// Describer jobs report a human readable summary.
type Describer interface {
	Describe() string
}

// Forecaster jobs can compute their next due time.
type Forecaster interface {
	Next(after time.Time) time.Time
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string
	Description string
	NextRunAt   *time.Time
}

// RunStatus describes the state of an individual job invocation.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run captures a single invocation of a due job.
type Run struct {
	ID          string
	JobName     string
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Commands    int
	Error       *string
	CreatedAt   time.Time
}

// RunStore persists run history. The scheduler only writes to it.
type RunStore interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, commands int, errMsg *string) error
	EnsureRunLogDir(runID string) error
	RunLogPath(runID string) string
	PruneOldRuns(ctx context.Context, jobName string) error
}

// Notifier delivers failure alerts.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Observer receives scheduler events, typically for metrics.
type Observer interface {
	TickCompleted(d time.Duration)
	JobFinished(job string, status RunStatus, d time.Duration)
	JobPredicateFailed(job string)
}
