package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubConsole struct {
	mu       sync.Mutex
	commands []string
	err      error
}

func (c *stubConsole) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, command)
	if c.err != nil {
		return "", c.err
	}
	return "ok: " + command, nil
}

func (c *stubConsole) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

type probeJob struct {
	name    string
	due     func(Moment) bool
	action  func(ctx context.Context, c Console) error
	mu      sync.Mutex
	moments []Moment
	runs    int
}

func (j *probeJob) Name() string { return j.name }

func (j *probeJob) ShouldRun(m Moment) bool {
	j.mu.Lock()
	j.moments = append(j.moments, m)
	j.mu.Unlock()
	if j.due == nil {
		return true
	}
	return j.due(m)
}

func (j *probeJob) Run(ctx context.Context, c Console) error {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	if j.action != nil {
		return j.action(ctx, c)
	}
	return nil
}

func (j *probeJob) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func (j *probeJob) Moments() []Moment {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Moment(nil), j.moments...)
}

type memStore struct {
	dir    string
	mu     sync.Mutex
	runs   map[string]*Run
	order  []string
	prunes int
}

func newMemStore(t *testing.T) *memStore {
	return &memStore{dir: t.TempDir(), runs: map[string]*Run{}}
}

func (m *memStore) InsertRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	m.order = append(m.order, run.ID)
	return nil
}

func (m *memStore) MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, commands int, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.Commands = commands
	run.Error = errMsg
	return nil
}

func (m *memStore) EnsureRunLogDir(runID string) error {
	return os.MkdirAll(filepath.Dir(m.RunLogPath(runID)), 0o755)
}

func (m *memStore) RunLogPath(runID string) string {
	return filepath.Join(m.dir, runID, "transcript.log")
}

func (m *memStore) PruneOldRuns(ctx context.Context, jobName string) error {
	m.mu.Lock()
	m.prunes++
	m.mu.Unlock()
	return nil
}

func (m *memStore) Runs() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.runs[id])
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Send(ctx context.Context, title, body string) error {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

func newTestScheduler(t *testing.T, clock clockwork.Clock, c Console, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	base := []SchedulerOption{
		WithClock(clock),
		WithLocation(time.UTC),
		WithPollInterval(100 * time.Millisecond),
		WithLogger(quietLogger()),
	}
	s := NewScheduler(c, append(base, opts...)...)
	t.Cleanup(func() {
		select {
		case <-s.Stop().Done():
		case <-time.After(time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return s
}

// waitForSleep blocks until the loop has finished a tick and is waiting for
// the next one.
func waitForSleep(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestSchedulerRunsJobOnlyWhenDue(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})

	job := &probeJob{name: "half-past", due: func(m Moment) bool { return m.Minute == 30 }}
	require.NoError(t, s.AddJob(job))

	s.Start(context.Background())
	waitForSleep(t, clock)
	assert.Equal(t, 1, job.Runs())

	clock.Advance(time.Minute)
	waitForSleep(t, clock)
	assert.Equal(t, 1, job.Runs())
	assert.Len(t, job.Moments(), 2)
	assert.Equal(t, 31, job.Moments()[1].Minute)
}

func TestSchedulerSameMomentForAllJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})

	// The first job burns wall time; the second must still see the tick's moment.
	slow := &probeJob{name: "slow", action: func(ctx context.Context, c Console) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	other := &probeJob{name: "other", due: func(Moment) bool { return false }}
	require.NoError(t, s.AddJob(slow))
	require.NoError(t, s.AddJob(other))

	s.Start(context.Background())
	waitForSleep(t, clock)

	require.Len(t, slow.Moments(), 1)
	require.Len(t, other.Moments(), 1)
	assert.Equal(t, slow.Moments()[0], other.Moments()[0])
	m := other.Moments()[0]
	assert.Equal(t, Moment{
		Time: m.Time, Year: 2026, Month: 10, Day: 18, Hour: 23, Minute: 59, Weekday: 7,
	}, m)
}

func TestSchedulerIsolatesJobFailures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	store := newMemStore(t)
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, clock, &stubConsole{}, WithRunStore(store), WithNotifier(notifier))

	badPredicate := &probeJob{name: "bad-predicate", due: func(Moment) bool { panic("boom") }}
	failing := &probeJob{name: "failing", action: func(ctx context.Context, c Console) error {
		return errors.New("server said no")
	}}
	panicking := &probeJob{name: "panicking", action: func(ctx context.Context, c Console) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}}
	healthy := &probeJob{name: "healthy"}
	for _, j := range []Job{badPredicate, failing, panicking, healthy} {
		require.NoError(t, s.AddJob(j))
	}

	s.Start(context.Background())
	waitForSleep(t, clock)
	clock.Advance(100 * time.Millisecond)
	waitForSleep(t, clock)

	assert.True(t, s.Running())
	assert.Equal(t, 2, healthy.Runs())
	assert.Equal(t, 2, failing.Runs())
	assert.Equal(t, 2, panicking.Runs())
	assert.Equal(t, 0, badPredicate.Runs())

	statuses := map[string][]RunStatus{}
	for _, r := range store.Runs() {
		statuses[r.JobName] = append(statuses[r.JobName], r.Status)
	}
	assert.Equal(t, []RunStatus{RunStatusFailed, RunStatusFailed}, statuses["failing"])
	assert.Equal(t, []RunStatus{RunStatusFailed, RunStatusFailed}, statuses["panicking"])
	assert.Equal(t, []RunStatus{RunStatusSucceeded, RunStatusSucceeded}, statuses["healthy"])
	assert.NotContains(t, statuses, "bad-predicate")

	titles := notifier.Titles()
	assert.Contains(t, titles, "rcontab: job bad-predicate failed")
	assert.Contains(t, titles, "rcontab: job failing failed")
	assert.Contains(t, titles, "rcontab: job panicking failed")
	assert.NotContains(t, titles, "rcontab: job healthy failed")
}

func TestSchedulerRecordsTranscript(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	store := newMemStore(t)
	con := &stubConsole{}
	s := newTestScheduler(t, clock, con, WithRunStore(store))

	var once sync.Once
	job := &probeJob{name: "greeter", action: func(ctx context.Context, c Console) error {
		var err error
		once.Do(func() {
			if _, err = c.Execute(ctx, "say hello", 0); err != nil {
				return
			}
			_, err = c.Execute(ctx, "save-all", 0)
		})
		return err
	}}
	require.NoError(t, s.AddJob(job))

	s.Start(context.Background())
	waitForSleep(t, clock)

	runs := store.Runs()
	require.NotEmpty(t, runs)
	assert.Equal(t, RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, 2, runs[0].Commands)
	assert.Equal(t, clock.Now().UTC(), runs[0].ScheduledAt)

	data, err := os.ReadFile(store.RunLogPath(runs[0].ID))
	require.NoError(t, err)
	assert.Equal(t, "> say hello\nok: say hello\n> save-all\nok: save-all\n", string(data))
	assert.Equal(t, []string{"say hello", "save-all"}, con.Commands())
}

func TestSchedulerStopHaltsEvaluation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})
	job := &probeJob{name: "always"}
	require.NoError(t, s.AddJob(job))

	s.Start(context.Background())
	waitForSleep(t, clock)
	require.True(t, s.Running())

	stopped := s.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.False(t, s.Running())

	runs := job.Runs()
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runs, job.Runs())
}

func TestSchedulerStopDoesNotInterruptRunningJob(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var once sync.Once
	job := &probeJob{name: "long", action: func(ctx context.Context, c Console) error {
		once.Do(func() {
			close(started)
			<-release
			finished = true
		})
		return nil
	}}
	require.NoError(t, s.AddJob(job))
	s.Start(context.Background())
	<-started

	stopped := s.Stop()
	select {
	case <-stopped.Done():
		t.Fatal("loop exited while a job was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after the job finished")
	}
	assert.True(t, finished)
	assert.Equal(t, 1, job.Runs())
}

func TestSchedulerRestart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})
	job := &probeJob{name: "always"}
	require.NoError(t, s.AddJob(job))

	s.Start(context.Background())
	s.Start(context.Background())
	waitForSleep(t, clock)
	<-s.Stop().Done()
	assert.Equal(t, 1, job.Runs())

	s.Start(context.Background())
	assert.True(t, s.Running())
	waitForSleep(t, clock)
	assert.Equal(t, 2, job.Runs())
}

func TestSchedulerRestartWaitsForInFlightTick(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})

	var active, peak atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	job := &probeJob{name: "slow", action: func(ctx context.Context, c Console) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		return nil
	}}
	require.NoError(t, s.AddJob(job))

	s.Start(context.Background())
	<-started
	s.Stop()
	s.Start(context.Background())
	assert.True(t, s.Running())

	select {
	case <-started:
		t.Fatal("restarted loop ran a job while the previous tick was still in flight")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 1, job.Runs())

	close(release)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("restarted loop never ticked")
	}
	waitForSleep(t, clock)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 2, job.Runs())
}

func TestSchedulerStopSharesContext(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})
	s.Start(context.Background())
	waitForSleep(t, clock)

	first := s.Stop()
	assert.Equal(t, first, s.Stop())
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestAddJobInjectsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, clock, &stubConsole{})
	job := mustCommandJob(t, JobDefinition{Name: "save", Cron: "* * * * *", Commands: []string{"save-all"}})

	require.NoError(t, s.AddJob(job))
	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, clockwork.Clock(clock), job.clock)
}

func TestSchedulerStopsWhenContextCancelled(t *testing.T) {
	s := newTestScheduler(t, clockwork.NewRealClock(), &stubConsole{}, WithPollInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(&stubConsole{}, WithLogger(quietLogger()))
	select {
	case <-s.Stop().Done():
	default:
		t.Fatal("Stop on a never-started scheduler should be done immediately")
	}
}

type valueJob struct{ hooks []string }

func (valueJob) ShouldRun(Moment) bool              { return false }
func (valueJob) Run(context.Context, Console) error { return nil }

func TestAddJobValidation(t *testing.T) {
	s := NewScheduler(&stubConsole{}, WithLogger(quietLogger()))

	require.ErrorIs(t, s.AddJob(nil), ErrInvalidJob)
	var typedNil *probeJob
	require.ErrorIs(t, s.AddJob(typedNil), ErrInvalidJob)
	require.ErrorIs(t, s.AddJob(valueJob{}), ErrInvalidJob)
	require.NoError(t, s.AddJob(&valueJob{}))

	job := &probeJob{name: "dup"}
	require.NoError(t, s.AddJob(job))
	require.NoError(t, s.AddJob(job))
	require.NoError(t, s.AddJob(&probeJob{name: "dup"}))

	names := []string{}
	for _, info := range s.Jobs() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"*core.valueJob", "dup", "dup#2"}, names)
	assert.True(t, s.HasJob("dup#2"))
	assert.False(t, s.HasJob("missing"))
}

func TestAddJobWhileRunning(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock, &stubConsole{})
	s.Start(context.Background())
	waitForSleep(t, clock)

	job := &probeJob{name: "late"}
	require.NoError(t, s.AddJob(job))
	clock.Advance(100 * time.Millisecond)
	waitForSleep(t, clock)
	assert.Equal(t, 1, job.Runs())
}

func TestMomentOfWeekdays(t *testing.T) {
	sunday := MomentOf(time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC))
	monday := MomentOf(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	saturday := MomentOf(time.Date(2026, 10, 24, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, 7, sunday.Weekday)
	assert.Equal(t, 1, monday.Weekday)
	assert.Equal(t, 6, saturday.Weekday)
}
