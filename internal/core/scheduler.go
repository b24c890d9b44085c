package core

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPollInterval is the pause between ticks.
const DefaultPollInterval = 500 * time.Millisecond

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval overrides DefaultPollInterval. Non-positive values are ignored.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLocation sets the time zone calendar fields are computed in.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the logger. A "component" attribute is added to it.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunStore records every job invocation.
func WithRunStore(st RunStore) SchedulerOption {
	return func(s *Scheduler) { s.store = st }
}

// WithNotifier alerts on job failures.
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithObserver receives tick and job metrics.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observer = o }
}

// clockUser is implemented by jobs that wait on their own, so their waits
// follow the scheduler's clock.
type clockUser interface {
	useClock(clockwork.Clock)
}

type jobEntry struct {
	name string
	job  Job
}

type loopState struct {
	stop    chan struct{}
	done    chan struct{}
	stopped bool

	// exited is cancelled when done closes; Stop hands it out.
	exited context.Context
	cancel context.CancelFunc
}

// Scheduler polls registered jobs and runs the due ones against a shared
// console.
//
// Every tick captures the current time once, evaluates each job's ShouldRun
// against that same Moment, and runs due jobs one after another on the loop
// goroutine. A slow job delays the rest of the tick and the next one.
//
// Failures are isolated per job: an error or panic from ShouldRun or Run is
// logged, recorded and notified, and the loop carries on with the next job.
// One misbehaving job never stops scheduling for the others.
type Scheduler struct {
	console  Console
	clock    clockwork.Clock
	location *time.Location
	interval time.Duration
	logger   *slog.Logger
	store    RunStore
	notifier Notifier
	observer Observer

	jobsMu sync.RWMutex
	jobs   []*jobEntry
	index  map[Job]*jobEntry
	names  map[string]struct{}

	mu   sync.Mutex
	loop *loopState
}

// NewScheduler constructs a stopped scheduler that runs jobs against console.
func NewScheduler(console Console, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		console:  console,
		clock:    clockwork.NewRealClock(),
		location: time.Local,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		index:    make(map[Job]*jobEntry),
		names:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// AddJob registers job. Adding the same job again is a no-op. Jobs may be
// added while the scheduler is running; they are picked up on the next tick.
func (s *Scheduler) AddJob(job Job) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	rv := reflect.ValueOf(job)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return fmt.Errorf("%w: nil %T", ErrInvalidJob, job)
		}
	}
	if !rv.Type().Comparable() {
		return fmt.Errorf("%w: %T is not comparable, register a pointer instead", ErrInvalidJob, job)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.index[job]; ok {
		return nil
	}
	if cu, ok := job.(clockUser); ok {
		cu.useClock(s.clock)
	}
	name := s.uniqueNameLocked(jobName(job))
	entry := &jobEntry{name: name, job: job}
	s.jobs = append(s.jobs, entry)
	s.index[job] = entry
	s.names[name] = struct{}{}
	s.logger.Debug("job registered", "job", name)
	return nil
}

// Jobs lists registered jobs in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	now := s.clock.Now().In(s.location)
	entries := s.snapshot()
	out := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		info := JobInfo{Name: e.name}
		if d, ok := e.job.(Describer); ok {
			info.Description = d.Describe()
		}
		if f, ok := e.job.(Forecaster); ok {
			if next := f.Next(now); !next.IsZero() {
				info.NextRunAt = &next
			}
		}
		out = append(out, info)
	}
	return out
}

// HasJob reports whether a job with the given name is registered.
func (s *Scheduler) HasJob(name string) bool {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	_, ok := s.names[name]
	return ok
}

// Location returns the time zone used for calendar fields.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Start launches the polling loop. Calling Start while running is a no-op.
// Cancelling ctx stops the loop like Stop does. A loop started right after
// Stop waits for the previous loop to finish its tick before its first one.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil && !s.loop.stopped {
		return
	}
	var prev <-chan struct{}
	if s.loop != nil {
		prev = s.loop.done
	}
	ls := &loopState{stop: make(chan struct{}), done: make(chan struct{})}
	ls.exited, ls.cancel = context.WithCancel(context.Background())
	s.loop = ls
	go s.run(ctx, ls, prev)
	s.logger.Info("scheduler started", "interval", s.interval, "tz", s.location.String(), "jobs", len(s.snapshot()))
}

// Stop asks the loop to exit after its current tick. It does not interrupt a
// running job. The returned context is done once the loop has exited.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	ls := s.loop
	if ls != nil && !ls.stopped {
		ls.stopped = true
		close(ls.stop)
	}
	s.mu.Unlock()

	if ls == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return ls.exited
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil && !s.loop.stopped
}

func (s *Scheduler) run(ctx context.Context, ls *loopState, prev <-chan struct{}) {
	defer func() {
		s.mu.Lock()
		ls.stopped = true
		s.mu.Unlock()
		close(ls.done)
		ls.cancel()
		s.logger.Info("scheduler stopped")
	}()

	// The previous loop may still be mid-tick; jobs must not overlap it.
	if prev != nil {
		<-prev
	}

	for {
		select {
		case <-ls.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.tick(ctx)

		timer := s.clock.NewTimer(s.interval)
		select {
		case <-ls.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := s.clock.Now()
	m := MomentOf(start.In(s.location))
	for _, e := range s.snapshot() {
		s.dispatch(ctx, e, m)
	}
	if s.observer != nil {
		s.observer.TickCompleted(s.clock.Since(start))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *jobEntry, m Moment) {
	due, err := s.evaluate(e, m)
	if err != nil {
		s.logger.Error("job predicate failed", "job", e.name, "err", err)
		if s.observer != nil {
			s.observer.JobPredicateFailed(e.name)
		}
		s.notifyFailure(ctx, e.name, err)
		return
	}
	if !due {
		return
	}
	s.execute(ctx, e, m)
}

func (s *Scheduler) evaluate(e *jobEntry, m Moment) (due bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.recovered(e, PhaseShouldRun, r)
		}
	}()
	return e.job.ShouldRun(m), nil
}

func (s *Scheduler) snapshot() []*jobEntry {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	out := make([]*jobEntry, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func (s *Scheduler) uniqueNameLocked(name string) string {
	if _, taken := s.names[name]; !taken {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s#%d", name, i)
		if _, taken := s.names[candidate]; !taken {
			return candidate
		}
	}
}

func jobName(job Job) string {
	if n, ok := job.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", job)
}
