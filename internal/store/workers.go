package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wavemux/wavemux/pkg/models"
)

// CreateWorker registers a newly spawned worker instance.
func (s *Store) CreateWorker(w *models.WorkerInstance) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = models.WorkerStatusSpawning
	}
	if w.SpawnedAt.IsZero() {
		w.SpawnedAt = time.Now()
	}
	if w.LastHeartbeatAt.IsZero() {
		w.LastHeartbeatAt = w.SpawnedAt
	}

	_, err := s.exec(`
		INSERT INTO worker_instances (id, task_id, wave_id, status, pid, spawned_at, last_heartbeat_at, stuck_count, error_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.TaskID, w.WaveID, string(w.Status), w.PID,
		formatTime(w.SpawnedAt), formatTime(w.LastHeartbeatAt), w.StuckCount, w.ErrorContext)
	if err != nil {
		return fmt.Errorf("create worker %s: %w", w.ID, err)
	}
	return nil
}

const workerColumns = `id, task_id, wave_id, status, COALESCE(pid, 0),
	spawned_at, last_heartbeat_at, completed_at, stuck_count, COALESCE(error_context, '')`

func scanWorker(row interface{ Scan(...any) error }) (*models.WorkerInstance, error) {
	var w models.WorkerInstance
	var status, spawned, lastHB string
	var completed sql.NullString
	err := row.Scan(&w.ID, &w.TaskID, &w.WaveID, &status, &w.PID,
		&spawned, &lastHB, &completed, &w.StuckCount, &w.ErrorContext)
	if err != nil {
		return nil, err
	}
	w.Status = models.WorkerStatus(status)
	if t, err := parseTime(spawned); err == nil {
		w.SpawnedAt = t
	}
	if t, err := parseTime(lastHB); err == nil {
		w.LastHeartbeatAt = t
	}
	w.CompletedAt = parseNullableTime(completed)
	return &w, nil
}

// GetWorker returns the worker instance with the given id.
func (s *Store) GetWorker(instanceID string) (*models.WorkerInstance, error) {
	row := s.queryRow(`SELECT `+workerColumns+` FROM worker_instances WHERE id = ?`, instanceID)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", instanceID, err)
	}
	return w, nil
}

// ListActiveWorkers returns workers of a wave that have not reached a
// terminal state.
func (s *Store) ListActiveWorkers(waveID string) ([]*models.WorkerInstance, error) {
	rows, err := s.query(`
		SELECT `+workerColumns+` FROM worker_instances
		WHERE wave_id = ? AND status NOT IN ('terminated', 'failed')
		ORDER BY spawned_at
	`, waveID)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.WorkerInstance
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpdateWorkerStatus moves a worker through its state machine. Transitions
// out of a terminal state are rejected with ErrInvalidTransition, which is
// what makes duplicate terminal events and replayed heartbeats harmless.
func (s *Store) UpdateWorkerStatus(instanceID string, next models.WorkerStatus, errorContext string) error {
	if !next.Valid() {
		return fmt.Errorf("update worker %s: unknown status %q", instanceID, next)
	}

	return s.transaction(func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRow("SELECT status FROM worker_instances WHERE id = ?", instanceID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
			}
			return fmt.Errorf("read worker status: %w", err)
		}

		from := models.WorkerStatus(current)
		if !from.CanTransition(next) {
			return fmt.Errorf("worker %s: %s -> %s: %w", instanceID, from, next, ErrInvalidTransition)
		}

		set := "status = ?"
		args := []any{string(next)}
		if next.Terminal() {
			set += ", completed_at = ?"
			args = append(args, formatTime(time.Now()))
		}
		if errorContext != "" {
			set += ", error_context = ?"
			args = append(args, errorContext)
		}
		args = append(args, instanceID)

		if _, err := tx.Exec("UPDATE worker_instances SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("update worker %s: %w", instanceID, err)
		}
		return nil
	})
}

// RecordHeartbeat appends a heartbeat row and refreshes the worker's
// last_heartbeat_at. Heartbeats are append-only. A heartbeat for a worker
// already in a terminal state is recorded for the audit trail but changes
// nothing else, so replaying a heartbeat stream is idempotent.
func (s *Store) RecordHeartbeat(hb models.Heartbeat) error {
	if hb.ReceivedAt.IsZero() {
		hb.ReceivedAt = time.Now()
	}

	return s.transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO worker_heartbeats (instance_id, status, progress_percent, current_step, received_at)
			VALUES (?, ?, ?, ?, ?)
		`, hb.InstanceID, string(hb.Status), hb.ProgressPercent, hb.CurrentStep, formatTime(hb.ReceivedAt))
		if err != nil {
			return fmt.Errorf("append heartbeat: %w", err)
		}

		var current string
		if err := tx.QueryRow("SELECT status FROM worker_instances WHERE id = ?", hb.InstanceID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("worker %s: %w", hb.InstanceID, ErrNotFound)
			}
			return fmt.Errorf("read worker status: %w", err)
		}

		from := models.WorkerStatus(current)
		if from.Terminal() {
			return nil
		}

		set := "last_heartbeat_at = ?"
		args := []any{formatTime(hb.ReceivedAt)}

		// A live heartbeat clears a stuck verdict and pulls a spawning
		// worker into running.
		if (from == models.WorkerStatusStuck || from == models.WorkerStatusSpawning) &&
			from.CanTransition(models.WorkerStatusRunning) {
			set += ", status = ?, stuck_count = 0"
			args = append(args, string(models.WorkerStatusRunning))
		}

		args = append(args, hb.InstanceID)
		if _, err := tx.Exec("UPDATE worker_instances SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("refresh heartbeat for %s: %w", hb.InstanceID, err)
		}
		return nil
	})
}

// ListHeartbeats returns the full heartbeat history of a worker, oldest
// first.
func (s *Store) ListHeartbeats(instanceID string) ([]models.Heartbeat, error) {
	rows, err := s.query(`
		SELECT instance_id, status, progress_percent, COALESCE(current_step, ''), received_at
		FROM worker_heartbeats WHERE instance_id = ? ORDER BY id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []models.Heartbeat
	for rows.Next() {
		var hb models.Heartbeat
		var status, received string
		if err := rows.Scan(&hb.InstanceID, &status, &hb.ProgressPercent, &hb.CurrentStep, &received); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Status = models.WorkerStatus(status)
		if t, err := parseTime(received); err == nil {
			hb.ReceivedAt = t
		}
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

// SetStuckCount records how many stuck-escalation stages a worker has been
// taken through. A live heartbeat resets it to zero.
func (s *Store) SetStuckCount(instanceID string, count int) error {
	if _, err := s.exec("UPDATE worker_instances SET stuck_count = ? WHERE id = ?", count, instanceID); err != nil {
		return fmt.Errorf("set stuck count: %w", err)
	}
	return nil
}
