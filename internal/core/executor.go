package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// execute runs a due job and records the outcome.
func (s *Scheduler) execute(ctx context.Context, e *jobEntry, m Moment) {
	startedAt := s.clock.Now().UTC()
	run := &Run{
		ID:          NewID(),
		JobName:     e.name,
		Status:      RunStatusRunning,
		ScheduledAt: m.Time.UTC(),
		StartedAt:   &startedAt,
	}

	transcript, closeTranscript := s.openTranscript(ctx, run)
	defer closeTranscript()

	tc := &transcriptConsole{next: s.console, w: transcript}
	s.logger.Info("job started", "job", e.name, "run_id", run.ID)

	err := s.invoke(ctx, e, tc)
	took := s.clock.Since(startedAt)

	status := RunStatusSucceeded
	var errMsg *string
	if err != nil {
		status = RunStatusFailed
		errMsg = ptrString(err.Error())
		s.logger.Error("job failed", "job", e.name, "run_id", run.ID, "took", took, "err", err)
	} else {
		s.logger.Info("job finished", "job", e.name, "run_id", run.ID, "took", took, "commands", tc.Commands())
	}

	if s.store != nil {
		if err := s.store.MarkRunCompleted(ctx, run.ID, status, s.clock.Now().UTC(), tc.Commands(), errMsg); err != nil {
			s.logger.Warn("mark run completed", "job", e.name, "run_id", run.ID, "err", err)
		}
		if err := s.store.PruneOldRuns(ctx, e.name); err != nil {
			s.logger.Warn("prune old runs", "job", e.name, "err", err)
		}
	}
	if s.observer != nil {
		s.observer.JobFinished(e.name, status, took)
	}
	if err != nil {
		s.notifyFailure(ctx, e.name, err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, e *jobEntry, c Console) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.recovered(e, PhaseRun, r)
		}
	}()
	if err := e.job.Run(ctx, c); err != nil {
		return &JobError{Job: e.name, Phase: PhaseRun, Err: err}
	}
	return nil
}

func (s *Scheduler) recovered(e *jobEntry, phase string, r any) error {
	s.logger.Error("panic in job", "job", e.name, "phase", phase, "panic", r, "stack", string(debug.Stack()))
	return &JobError{Job: e.name, Phase: phase, Err: fmt.Errorf("%w: %v", ErrJobPanicked, r)}
}

// openTranscript inserts the run record and opens its log file. Without a
// store, or when recording fails, the transcript is discarded.
func (s *Scheduler) openTranscript(ctx context.Context, run *Run) (io.Writer, func()) {
	noop := func() {}
	if s.store == nil {
		return io.Discard, noop
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.logger.Warn("insert run", "job", run.JobName, "err", err)
		return io.Discard, noop
	}
	if err := s.store.EnsureRunLogDir(run.ID); err != nil {
		s.logger.Warn("ensure run log dir", "run_id", run.ID, "err", err)
		return io.Discard, noop
	}
	f, err := os.OpenFile(s.store.RunLogPath(run.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.logger.Warn("open run log", "run_id", run.ID, "err", err)
		return io.Discard, noop
	}
	return &syncWriter{w: f}, func() { _ = f.Close() }
}

func (s *Scheduler) notifyFailure(ctx context.Context, job string, cause error) {
	if s.notifier == nil {
		return
	}
	body := fmt.Sprintf("%v\nat %s", cause, s.clock.Now().In(s.location).Format(time.RFC3339))
	if err := s.notifier.Send(ctx, "rcontab: job "+job+" failed", body); err != nil {
		s.logger.Warn("send failure notification", "job", job, "err", err)
	}
}

// transcriptConsole forwards to the shared console and copies every
// command and its response into the run log.
type transcriptConsole struct {
	next     Console
	w        io.Writer
	commands atomic.Int32
}

func (t *transcriptConsole) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	t.commands.Add(1)
	resp, err := t.next.Execute(ctx, command, timeout)
	if err != nil {
		fmt.Fprintf(t.w, "> %s\n! %v\n", command, err)
		return resp, err
	}
	fmt.Fprintf(t.w, "> %s\n%s\n", command, resp)
	return resp, nil
}

func (t *transcriptConsole) Commands() int {
	return int(t.commands.Load())
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func ptrString(v string) *string {
	return &v
}
