package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/wavemux/wavemux/pkg/models"
)

// ReplaceImpacts swaps a task's predicted file impacts for a fresh set, then
// drops every cached parallelism analysis and derived conflicts_with edge
// that references the task. Cache invalidation here is mandatory: a stale
// verdict read after an impact write is a correctness bug, not a performance
// one.
func (s *Store) ReplaceImpacts(taskID string, impacts []models.FileImpact) error {
	return s.transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM file_impacts WHERE task_id = ?", taskID); err != nil {
			return fmt.Errorf("clear impacts for %s: %w", taskID, err)
		}
		for _, im := range impacts {
			if err := insertImpact(tx, taskID, im); err != nil {
				return err
			}
		}
		return invalidateDerived(tx, taskID)
	})
}

// UpsertImpact inserts or updates a single impact row and invalidates the
// analysis cache for the task.
func (s *Store) UpsertImpact(im models.FileImpact) error {
	return s.transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM file_impacts WHERE task_id = ? AND file_path = ? AND operation = ?
		`, im.TaskID, im.Path, string(im.Operation)); err != nil {
			return fmt.Errorf("upsert impact: %w", err)
		}
		if err := insertImpact(tx, im.TaskID, im); err != nil {
			return err
		}
		return invalidateDerived(tx, im.TaskID)
	})
}

func insertImpact(tx *sql.Tx, taskID string, im models.FileImpact) error {
	if !im.Operation.Valid() {
		return fmt.Errorf("impact %s %s: unknown operation %q", taskID, im.Path, im.Operation)
	}
	created := im.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.Exec(`
		INSERT INTO file_impacts (task_id, file_path, operation, confidence, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, im.Path, string(im.Operation), im.Confidence, string(im.Source), formatTime(created))
	if err != nil {
		return fmt.Errorf("insert impact %s %s: %w", taskID, im.Path, err)
	}
	return nil
}

// ListImpacts returns all file impacts recorded for a task.
func (s *Store) ListImpacts(taskID string) ([]models.FileImpact, error) {
	rows, err := s.query(`
		SELECT task_id, file_path, operation, confidence, source, created_at
		FROM file_impacts WHERE task_id = ? ORDER BY file_path, operation
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list impacts: %w", err)
	}
	defer rows.Close()

	var impacts []models.FileImpact
	for rows.Next() {
		var im models.FileImpact
		var op, source, created string
		if err := rows.Scan(&im.TaskID, &im.Path, &op, &im.Confidence, &source, &created); err != nil {
			return nil, fmt.Errorf("scan impact: %w", err)
		}
		im.Operation = models.FileOperation(op)
		im.Source = models.ImpactSource(source)
		if t, err := parseTime(created); err == nil {
			im.CreatedAt = t
		}
		impacts = append(impacts, im)
	}
	return impacts, rows.Err()
}

// GetAnalysis returns the cached pairwise verdict for a task pair, or
// ErrNotFound on a cache miss. The caller is responsible for checking
// ValidUntil; the store only reports what was cached.
func (s *Store) GetAnalysis(taskA, taskB string) (*models.ParallelismAnalysis, error) {
	a, b := models.PairKey(taskA, taskB)
	row := s.queryRow(`
		SELECT task_a, task_b, can_parallel, COALESCE(conflict_reason, ''), analyzed_at, valid_until
		FROM parallelism_analyses WHERE task_a = ? AND task_b = ?
	`, a, b)

	var pa models.ParallelismAnalysis
	var canParallel int
	var analyzed, valid string
	err := row.Scan(&pa.TaskA, &pa.TaskB, &canParallel, &pa.ConflictReason, &analyzed, &valid)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("analysis (%s, %s): %w", a, b, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	pa.CanParallel = canParallel != 0
	if t, err := parseTime(analyzed); err == nil {
		pa.AnalyzedAt = t
	}
	if t, err := parseTime(valid); err == nil {
		pa.ValidUntil = t
	}
	return &pa, nil
}

// PutAnalysis caches a pairwise verdict, replacing any existing row for the
// canonical pair.
func (s *Store) PutAnalysis(pa models.ParallelismAnalysis) error {
	a, b := models.PairKey(pa.TaskA, pa.TaskB)
	canParallel := 0
	if pa.CanParallel {
		canParallel = 1
	}
	return s.transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM parallelism_analyses WHERE task_a = ? AND task_b = ?", a, b); err != nil {
			return fmt.Errorf("replace analysis: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO parallelism_analyses (task_a, task_b, can_parallel, conflict_reason, analyzed_at, valid_until)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a, b, canParallel, pa.ConflictReason, formatTime(pa.AnalyzedAt), formatTime(pa.ValidUntil))
		if err != nil {
			return fmt.Errorf("put analysis: %w", err)
		}
		return nil
	})
}

// InvalidateAnalyses drops every cached verdict referencing the task.
func (s *Store) InvalidateAnalyses(taskID string) error {
	return s.transaction(func(tx *sql.Tx) error {
		return invalidateAnalyses(tx, taskID)
	})
}

func invalidateAnalyses(tx *sql.Tx, taskID string) error {
	_, err := tx.Exec(`
		DELETE FROM parallelism_analyses WHERE task_a = ? OR task_b = ?
	`, taskID, taskID)
	if err != nil {
		return fmt.Errorf("invalidate analyses for %s: %w", taskID, err)
	}
	return nil
}

// invalidateDerived drops the cached verdicts and the analyzer-derived
// conflicts_with edges for the task. Both are soft state computed from the
// impact set that just changed.
func invalidateDerived(tx *sql.Tx, taskID string) error {
	if err := invalidateAnalyses(tx, taskID); err != nil {
		return err
	}
	_, err := tx.Exec(`
		DELETE FROM task_relationships
		WHERE type = ? AND source = ? AND (from_task = ? OR to_task = ?)
	`, string(models.RelConflictsWith), string(models.RelSourceDerived), taskID, taskID)
	if err != nil {
		return fmt.Errorf("remove derived conflicts for %s: %w", taskID, err)
	}
	return nil
}
