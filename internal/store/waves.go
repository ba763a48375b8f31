package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wavemux/wavemux/pkg/models"
)

// CreateWave persists a planned wave together with its task assignments in
// one transaction. The wave number must be the next contiguous number for
// the run, and the prior wave must be terminal; both are enforced here so a
// crash between planning and persistence can never produce overlapping
// waves.
func (s *Store) CreateWave(runID string, taskIDs []string) (*models.ExecutionWave, error) {
	wave := &models.ExecutionWave{
		ID:        uuid.New().String(),
		RunID:     runID,
		Status:    models.WaveStatusPending,
		TaskCount: len(taskIDs),
	}

	err := s.transaction(func(tx *sql.Tx) error {
		var lastNumber int
		var lastStatus sql.NullString
		err := tx.QueryRow(`
			SELECT COALESCE(MAX(wave_number), 0),
				(SELECT status FROM execution_waves WHERE run_id = ? ORDER BY wave_number DESC LIMIT 1)
			FROM execution_waves WHERE run_id = ?
		`, runID, runID).Scan(&lastNumber, &lastStatus)
		if err != nil {
			return fmt.Errorf("read last wave: %w", err)
		}

		if lastStatus.Valid && !models.WaveStatus(lastStatus.String).Terminal() {
			return fmt.Errorf("run %s: wave %d is not terminal: %w", runID, lastNumber, ErrInvalidTransition)
		}

		wave.WaveNumber = lastNumber + 1
		_, err = tx.Exec(`
			INSERT INTO execution_waves (id, run_id, wave_number, status, task_count)
			VALUES (?, ?, ?, ?, ?)
		`, wave.ID, wave.RunID, wave.WaveNumber, string(wave.Status), wave.TaskCount)
		if err != nil {
			return fmt.Errorf("insert wave: %w", err)
		}

		for _, taskID := range taskIDs {
			_, err := tx.Exec(`
				INSERT INTO wave_task_assignments (wave_id, task_id, status)
				VALUES (?, ?, ?)
			`, wave.ID, taskID, string(models.AssignmentPending))
			if err != nil {
				return fmt.Errorf("insert assignment %s: %w", taskID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wave, nil
}

const waveColumns = `id, run_id, wave_number, status, task_count,
	completed_count, failed_count, started_at, completed_at`

func scanWave(row interface{ Scan(...any) error }) (*models.ExecutionWave, error) {
	var w models.ExecutionWave
	var status string
	var started, completed sql.NullString
	err := row.Scan(&w.ID, &w.RunID, &w.WaveNumber, &status, &w.TaskCount,
		&w.CompletedCount, &w.FailedCount, &started, &completed)
	if err != nil {
		return nil, err
	}
	w.Status = models.WaveStatus(status)
	w.StartedAt = parseNullableTime(started)
	w.CompletedAt = parseNullableTime(completed)
	return &w, nil
}

// GetWave returns the wave with the given id.
func (s *Store) GetWave(waveID string) (*models.ExecutionWave, error) {
	row := s.queryRow(`SELECT `+waveColumns+` FROM execution_waves WHERE id = ?`, waveID)
	wave, err := scanWave(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wave %s: %w", waveID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wave %s: %w", waveID, err)
	}
	return wave, nil
}

// CurrentWave returns the highest-numbered wave of a run, or ErrNotFound if
// the run has no waves yet.
func (s *Store) CurrentWave(runID string) (*models.ExecutionWave, error) {
	row := s.queryRow(`
		SELECT `+waveColumns+` FROM execution_waves
		WHERE run_id = ? ORDER BY wave_number DESC LIMIT 1
	`, runID)
	wave, err := scanWave(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s has no waves: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("current wave for run %s: %w", runID, err)
	}
	return wave, nil
}

// ListWaves returns all waves of a run in wave order.
func (s *Store) ListWaves(runID string) ([]*models.ExecutionWave, error) {
	rows, err := s.query(`
		SELECT `+waveColumns+` FROM execution_waves WHERE run_id = ? ORDER BY wave_number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list waves: %w", err)
	}
	defer rows.Close()

	var waves []*models.ExecutionWave
	for rows.Next() {
		wave, err := scanWave(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wave: %w", err)
		}
		waves = append(waves, wave)
	}
	return waves, rows.Err()
}

// UpdateWaveStatus moves a wave through its lifecycle and stamps the
// started/completed times.
func (s *Store) UpdateWaveStatus(waveID string, next models.WaveStatus) error {
	if !next.Valid() {
		return fmt.Errorf("update wave %s: unknown status %q", waveID, next)
	}

	now := formatTime(time.Now())
	set := "status = ?"
	args := []any{string(next)}
	switch next {
	case models.WaveStatusInProgress:
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	case models.WaveStatusCompleted, models.WaveStatusFailed, models.WaveStatusCancelled:
		set += ", completed_at = ?"
		args = append(args, now)
	}
	args = append(args, waveID)

	_, err := s.exec("UPDATE execution_waves SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update wave %s: %w", waveID, err)
	}
	return nil
}

// UpdateWaveCounts refreshes a wave's completion counters.
func (s *Store) UpdateWaveCounts(waveID string, completed, failed int) error {
	_, err := s.exec(`
		UPDATE execution_waves SET completed_count = ?, failed_count = ? WHERE id = ?
	`, completed, failed, waveID)
	if err != nil {
		return fmt.Errorf("update wave counts: %w", err)
	}
	return nil
}

// UpdateAssignment sets the status (and optionally worker) of one wave task.
func (s *Store) UpdateAssignment(waveID, taskID string, workerID string, status models.AssignmentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update assignment %s/%s: unknown status %q", waveID, taskID, status)
	}
	var err error
	if workerID != "" {
		_, err = s.exec(`
			UPDATE wave_task_assignments SET status = ?, worker_instance_id = ?
			WHERE wave_id = ? AND task_id = ?
		`, string(status), workerID, waveID, taskID)
	} else {
		_, err = s.exec(`
			UPDATE wave_task_assignments SET status = ? WHERE wave_id = ? AND task_id = ?
		`, string(status), waveID, taskID)
	}
	if err != nil {
		return fmt.Errorf("update assignment %s/%s: %w", waveID, taskID, err)
	}
	return nil
}

// ListAssignments returns the assignments of a wave.
func (s *Store) ListAssignments(waveID string) ([]models.WaveTaskAssignment, error) {
	rows, err := s.query(`
		SELECT wave_id, task_id, COALESCE(worker_instance_id, ''), status
		FROM wave_task_assignments WHERE wave_id = ? ORDER BY task_id
	`, waveID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []models.WaveTaskAssignment
	for rows.Next() {
		var a models.WaveTaskAssignment
		var status string
		if err := rows.Scan(&a.WaveID, &a.TaskID, &a.WorkerInstanceID, &status); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Status = models.AssignmentStatus(status)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
