package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wavemux/wavemux/pkg/models"
)

// CreateRun starts a new execution run for a task list. Only one run per
// task list may be active (pending, running, or paused) at a time; a second
// attempt returns ErrRunActive. Run numbers are contiguous per list.
func (s *Store) CreateRun(taskListID, triggeredBy string) (*models.ExecutionRun, error) {
	run := &models.ExecutionRun{
		ID:          uuid.New().String(),
		TaskListID:  taskListID,
		Status:      models.RunStatusPending,
		TriggeredBy: triggeredBy,
	}

	err := s.transaction(func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM execution_runs
			WHERE task_list_id = ? AND status IN ('pending', 'running', 'paused')
		`, taskListID).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("task list %s: %w", taskListID, ErrRunActive)
		}

		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(run_number), 0) + 1 FROM execution_runs WHERE task_list_id = ?
		`, taskListID).Scan(&run.RunNumber); err != nil {
			return fmt.Errorf("next run number: %w", err)
		}

		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM tasks WHERE task_list_id = ? AND status NOT IN ('completed', 'skipped')
		`, taskListID).Scan(&run.TotalTasks); err != nil {
			return fmt.Errorf("count run tasks: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO execution_runs (id, task_list_id, run_number, status, total_tasks, triggered_by)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, run.TaskListID, run.RunNumber, string(run.Status), run.TotalTasks, run.TriggeredBy)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

const runColumns = `id, task_list_id, run_number, status, total_tasks,
	completed_tasks, failed_tasks, skipped_tasks, COALESCE(triggered_by, ''),
	started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*models.ExecutionRun, error) {
	var r models.ExecutionRun
	var status string
	var started, completed sql.NullString
	err := row.Scan(&r.ID, &r.TaskListID, &r.RunNumber, &status, &r.TotalTasks,
		&r.Completed, &r.Failed, &r.Skipped, &r.TriggeredBy, &started, &completed)
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = parseNullableTime(started)
	r.CompletedAt = parseNullableTime(completed)
	return &r, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(runID string) (*models.ExecutionRun, error) {
	row := s.queryRow(`SELECT `+runColumns+` FROM execution_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ActiveRuns returns every run that is not yet terminal.
func (s *Store) ActiveRuns() ([]*models.ExecutionRun, error) {
	rows, err := s.query(`
		SELECT ` + runColumns + ` FROM execution_runs
		WHERE status IN ('pending', 'running', 'paused')
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run through its state machine, enforcing legal
// edges. Idempotent for repeated requests of the current status.
func (s *Store) UpdateRunStatus(runID string, next models.RunStatus) error {
	if !next.Valid() {
		return fmt.Errorf("update run %s: unknown status %q", runID, next)
	}

	return s.transaction(func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRow("SELECT status FROM execution_runs WHERE id = ?", runID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return fmt.Errorf("read run status: %w", err)
		}

		from := models.RunStatus(current)
		if from == next {
			// No-op, e.g. pausing an already-paused run.
			return nil
		}
		if !from.CanTransition(next) {
			return fmt.Errorf("run %s: %s -> %s: %w", runID, from, next, ErrInvalidTransition)
		}

		now := formatTime(time.Now())
		set := "status = ?"
		args := []any{string(next)}
		switch next {
		case models.RunStatusRunning:
			set += ", started_at = COALESCE(started_at, ?)"
			args = append(args, now)
		case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
			set += ", completed_at = ?"
			args = append(args, now)
		}
		args = append(args, runID)

		if _, err := tx.Exec("UPDATE execution_runs SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}
		return nil
	})
}

// UpdateRunCounts refreshes a run's task counters.
func (s *Store) UpdateRunCounts(runID string, completed, failed, skipped int) error {
	_, err := s.exec(`
		UPDATE execution_runs SET completed_tasks = ?, failed_tasks = ?, skipped_tasks = ?
		WHERE id = ?
	`, completed, failed, skipped, runID)
	if err != nil {
		return fmt.Errorf("update run counts: %w", err)
	}
	return nil
}
