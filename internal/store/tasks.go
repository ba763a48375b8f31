package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wavemux/wavemux/pkg/models"
)

// CreateTaskList inserts a new task list and returns its id.
func (s *Store) CreateTaskList(projectID, name string) (string, error) {
	id := uuid.New().String()
	_, err := s.exec(`
		INSERT INTO task_lists (id, project_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`, id, projectID, name, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("create task list: %w", err)
	}
	return id, nil
}

// CreateTask inserts a new task. The task's ID is generated when empty and
// the status defaults to pending.
func (s *Store) CreateTask(task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if !task.Status.Valid() {
		return fmt.Errorf("create task: unknown status %q", task.Status)
	}
	if task.Category == "" {
		task.Category = models.CategoryTask
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	_, err := s.exec(`
		INSERT INTO tasks (id, display_id, task_list_id, title, description,
			category, status, priority, effort_estimate, assigned_worker_id,
			blocked_reason, error, retry_count, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.DisplayID, task.TaskListID, task.Title, task.Description,
		string(task.Category), string(task.Status), int(task.Priority),
		task.EffortEstimate, task.AssignedWorkerID, task.BlockedReason,
		task.Error, task.RetryCount, formatTime(task.CreatedAt),
		nullableTimeArg(task.StartedAt), nullableTimeArg(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, display_id, task_list_id, title, description,
	category, status, priority, effort_estimate, assigned_worker_id,
	blocked_reason, error, retry_count, created_at, started_at, completed_at`

// scanTask reads one task row.
func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var category, status, createdAt string
	var description, assignedWorker, blockedReason, taskErr sql.NullString
	var priority int
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.DisplayID, &t.TaskListID, &t.Title, &description,
		&category, &status, &priority, &t.EffortEstimate, &assignedWorker,
		&blockedReason, &taskErr, &t.RetryCount, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.Category = models.TaskCategory(category)
	t.Status = models.TaskStatus(status)
	t.Priority = models.Priority(priority)
	t.AssignedWorkerID = assignedWorker.String
	t.BlockedReason = blockedReason.String
	t.Error = taskErr.String
	if created, err := parseTime(createdAt); err == nil {
		t.CreatedAt = created
	}
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(taskID string) (*models.Task, error) {
	row := s.queryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns all tasks in a task list ordered by creation time.
func (s *Store) ListTasks(taskListID string) ([]*models.Task, error) {
	rows, err := s.query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE task_list_id = ?
		ORDER BY created_at, id
	`, taskListID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task to a new status, enforcing the legal edges
// of the task state machine, and appends an audit row. On an illegal edge it
// returns ErrInvalidTransition and leaves state unchanged. History is
// append-only; it is never overwritten.
func (s *Store) UpdateTaskStatus(taskID string, next models.TaskStatus, reason string) error {
	if !next.Valid() {
		return fmt.Errorf("update task %s: unknown status %q", taskID, next)
	}

	return s.transaction(func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", taskID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("read task status: %w", err)
		}

		from := models.TaskStatus(current)
		if !from.CanTransition(next) {
			return fmt.Errorf("task %s: %s -> %s: %w", taskID, from, next, ErrInvalidTransition)
		}

		now := time.Now()
		set := "status = ?"
		args := []any{string(next)}

		switch next {
		case models.TaskStatusInProgress:
			set += ", started_at = COALESCE(started_at, ?)"
			args = append(args, formatTime(now))
		case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusSkipped:
			set += ", completed_at = ?, assigned_worker_id = NULL"
			args = append(args, formatTime(now))
		case models.TaskStatusBlocked:
			set += ", blocked_reason = ?"
			args = append(args, reason)
		case models.TaskStatusReady, models.TaskStatusPending:
			set += ", blocked_reason = NULL, completed_at = NULL"
		}

		args = append(args, taskID)
		if _, err := tx.Exec("UPDATE tasks SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}

		_, err := tx.Exec(`
			INSERT INTO task_status_history (task_id, from_status, to_status, reason, changed_at)
			VALUES (?, ?, ?, ?, ?)
		`, taskID, current, string(next), reason, formatTime(now))
		if err != nil {
			return fmt.Errorf("append status history: %w", err)
		}
		return nil
	})
}

// AssignWorker records which worker instance is executing a task.
func (s *Store) AssignWorker(taskID, workerID string) error {
	_, err := s.exec("UPDATE tasks SET assigned_worker_id = ? WHERE id = ?", workerID, taskID)
	if err != nil {
		return fmt.Errorf("assign worker to task %s: %w", taskID, err)
	}
	return nil
}

// SetTaskError records the failure detail on a task.
func (s *Store) SetTaskError(taskID, errText string) error {
	_, err := s.exec("UPDATE tasks SET error = ? WHERE id = ?", errText, taskID)
	if err != nil {
		return fmt.Errorf("set task error %s: %w", taskID, err)
	}
	return nil
}

// IncrementRetryCount bumps a task's retry counter and returns the new value.
func (s *Store) IncrementRetryCount(taskID string) (int, error) {
	var count int
	err := s.transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE tasks SET retry_count = retry_count + 1 WHERE id = ?", taskID); err != nil {
			return fmt.Errorf("increment retry count: %w", err)
		}
		return tx.QueryRow("SELECT retry_count FROM tasks WHERE id = ?", taskID).Scan(&count)
	})
	return count, err
}

// StatusHistoryEntry is one append-only audit row for a task.
type StatusHistoryEntry struct {
	TaskID     string
	FromStatus models.TaskStatus
	ToStatus   models.TaskStatus
	Reason     string
	ChangedAt  time.Time
}

// TaskStatusHistory returns the full transition history for a task, oldest
// first.
func (s *Store) TaskStatusHistory(taskID string) ([]StatusHistoryEntry, error) {
	rows, err := s.query(`
		SELECT task_id, from_status, to_status, COALESCE(reason, ''), changed_at
		FROM task_status_history WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var entries []StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		var from, to, changed string
		if err := rows.Scan(&e.TaskID, &from, &to, &e.Reason, &changed); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.FromStatus = models.TaskStatus(from)
		e.ToStatus = models.TaskStatus(to)
		if t, err := parseTime(changed); err == nil {
			e.ChangedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
