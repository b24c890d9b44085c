package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"rcontab/internal/console"
)

const defaultRetryDelay = 2 * time.Second

// CommandJob sends a fixed list of console commands whenever its cron
// expression matches. It fires at most once per calendar minute even though
// the scheduler polls several times a minute.
type CommandJob struct {
	name        string
	description string
	spec        string
	schedule    cron.Schedule
	location    *time.Location
	commands    []string
	retries     int
	retryDelay  time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	clock     clockwork.Clock
	lastFired time.Time
	pending   time.Time
}

// NewCommandJob builds a job from its definition. Times are matched in loc.
func NewCommandJob(def JobDefinition, loc *time.Location, logger *slog.Logger) (*CommandJob, error) {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, errors.New("job name is required")
	}
	spec := strings.TrimSpace(def.Cron)
	if spec == "" {
		return nil, fmt.Errorf("job %s: cron expression is required", name)
	}
	schedule, err := ParseCronIn(spec, loc)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	commands := make([]string, 0, len(def.Commands))
	for _, c := range def.Commands {
		if c = strings.TrimSpace(c); c != "" {
			commands = append(commands, c)
		}
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("job %s: at least one command is required", name)
	}
	if def.Retries < 0 {
		return nil, fmt.Errorf("job %s: retries must be non-negative", name)
	}
	retryDelay := def.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &CommandJob{
		name:        name,
		description: strings.TrimSpace(def.Description),
		spec:        spec,
		schedule:    schedule,
		location:    loc,
		commands:    commands,
		retries:     def.Retries,
		retryDelay:  retryDelay,
		logger:      logger.With("job", name),
		clock:       clockwork.NewRealClock(),
	}, nil
}

func (j *CommandJob) Name() string { return j.name }

// useClock makes retry waits follow c. The scheduler calls it on AddJob.
func (j *CommandJob) useClock(c clockwork.Clock) {
	j.mu.Lock()
	j.clock = c
	j.mu.Unlock()
}

func (j *CommandJob) Describe() string {
	summary := fmt.Sprintf("cron %q: %s", j.spec, strings.Join(j.commands, "; "))
	if j.description != "" {
		return j.description + " (" + summary + ")"
	}
	return summary
}

// Next returns the first firing time after after.
func (j *CommandJob) Next(after time.Time) time.Time {
	return j.schedule.Next(after.In(j.location))
}

func (j *CommandJob) ShouldRun(m Moment) bool {
	minute := time.Date(m.Year, time.Month(m.Month), m.Day, m.Hour, m.Minute, 0, 0, j.location)
	if !cronMatches(j.schedule, minute) {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if minute.Equal(j.lastFired) {
		return false
	}
	j.pending = minute
	return true
}

// Run sends the commands in order and stops at the first one that still
// fails after retries.
func (j *CommandJob) Run(ctx context.Context, c Console) error {
	j.mu.Lock()
	j.lastFired = j.pending
	j.mu.Unlock()

	for _, command := range j.commands {
		resp, err := j.execute(ctx, c, command)
		if err != nil {
			return fmt.Errorf("command %q: %w", command, err)
		}
		j.logger.Debug("command response", "command", command, "response", resp)
	}
	return nil
}

func (j *CommandJob) execute(ctx context.Context, c Console, command string) (string, error) {
	j.mu.Lock()
	clock := j.clock
	j.mu.Unlock()
	for attempt := 0; ; attempt++ {
		resp, err := c.Execute(ctx, command, 0)
		if err == nil {
			return resp, nil
		}
		if attempt >= j.retries || !retryable(err) {
			return "", err
		}
		j.logger.Warn("command failed, retrying", "command", command, "attempt", attempt+1, "err", err)
		t := clock.NewTimer(j.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.Chan():
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, console.ErrConnect) || errors.Is(err, console.ErrCommand)
}
