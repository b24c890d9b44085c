package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rcontab/internal/core"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunLogNotFound = errors.New("run log not found")
)

const runColumns = `id, job_name, status, scheduled_at, started_at, ended_at, commands, error, created_at`

var _ core.RunStore = (*Store)(nil)

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	run.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobName, run.Status, run.ScheduledAt.UTC().Format(time.RFC3339Nano),
		nullableTime(run.StartedAt), nullableTime(run.EndedAt), run.Commands, nullableString(run.Error),
		run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) MarkRunCompleted(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, commands int, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, commands = ?, error = ?
		WHERE id = ?
	`, status, endedAt.UTC().Format(time.RFC3339Nano), commands, nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return expectRow(res)
}

// FailInterruptedRuns marks runs still recorded as running as failed. It is
// called at startup, before the scheduler starts, to close out runs cut short
// by a crash.
func (s *Store) FailInterruptedRuns(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, error = ?
		WHERE status = ?
	`, core.RunStatusFailed, at.UTC().Format(time.RFC3339Nano), "interrupted by shutdown", core.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns a job's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, jobName string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE job_name = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, jobName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunLogPath returns the path of the run's command transcript.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.StateDir, "runs", runID, "transcript.log")
}

// EnsureRunLogDir makes sure the directory for a run's transcript exists.
func (s *Store) EnsureRunLogDir(runID string) error {
	return os.MkdirAll(filepath.Dir(s.RunLogPath(runID)), 0o755)
}

// PruneOldRuns drops runs beyond the retention limit for a job, together
// with their transcripts.
func (s *Store) PruneOldRuns(ctx context.Context, jobName string) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE job_name = ?
		ORDER BY created_at DESC
		LIMIT -1 OFFSET ?
	`, jobName, s.LogRetention)
	if err != nil {
		return fmt.Errorf("query runs for pruning: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		if err := os.RemoveAll(filepath.Dir(s.RunLogPath(id))); err != nil {
			return fmt.Errorf("remove run log %s: %w", id, err)
		}
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete run %s: %w", id, err)
		}
	}
	return nil
}

func expectRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id          string
		jobName     string
		status      string
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		commands    int
		errMsg      sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&id, &jobName, &status, &scheduledAt, &startedAt, &endedAt, &commands, &errMsg, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.Run{
		ID:          id,
		JobName:     jobName,
		Status:      core.RunStatus(status),
		ScheduledAt: mustParseTime(scheduledAt),
		Commands:    commands,
		CreatedAt:   mustParseTime(createdAt),
	}
	if startedAt.Valid {
		t := mustParseTime(startedAt.String)
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := mustParseTime(endedAt.String)
		run.EndedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
