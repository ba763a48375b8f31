package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wavemux/wavemux/pkg/models"
)

// AddRelationship inserts a typed edge between two tasks. For depends_on
// edges the reachability check and the insert share one transaction, so an
// edge that would close a cycle is rejected with ErrCycleDetected against
// the same graph it is inserted into. conflicts_with edges are stored once
// in the canonical (low, high) ordering since the relation is symmetric.
func (s *Store) AddRelationship(fromTask, toTask string, relType models.RelationshipType, source models.RelationshipSource) (*models.TaskRelationship, error) {
	if !relType.Valid() {
		return nil, fmt.Errorf("add relationship: unknown type %q", relType)
	}
	if fromTask == toTask {
		return nil, fmt.Errorf("add relationship %s -> %s: %w", fromTask, toTask, ErrCycleDetected)
	}
	if source == "" {
		source = models.RelSourceAuthored
	}

	if relType == models.RelConflictsWith {
		fromTask, toTask = models.PairKey(fromTask, toTask)
	}

	rel := &models.TaskRelationship{
		ID:        uuid.New().String(),
		FromTask:  fromTask,
		ToTask:    toTask,
		Type:      relType,
		Source:    source,
		CreatedAt: time.Now(),
	}

	var expires any
	if source == models.RelSourceDerived {
		t := rel.CreatedAt.Add(time.Hour)
		rel.ExpiresAt = &t
		expires = formatTime(t)
	}

	err := s.transaction(func(tx *sql.Tx) error {
		if relType == models.RelDependsOn {
			// The new edge means fromTask depends on toTask. If toTask
			// already (transitively) depends on fromTask, inserting would
			// close a cycle.
			reachable, err := dependsOnReaches(tx, toTask, fromTask)
			if err != nil {
				return err
			}
			if reachable {
				return fmt.Errorf("add relationship %s -> %s: %w", fromTask, toTask, ErrCycleDetected)
			}
		}

		_, err := tx.Exec(`
			INSERT INTO task_relationships (id, from_task, to_task, type, source, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rel.ID, rel.FromTask, rel.ToTask, string(rel.Type), string(rel.Source),
			formatTime(rel.CreatedAt), expires)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("relationship %s -> %s (%s): %w", fromTask, toTask, relType, ErrDuplicate)
			}
			return fmt.Errorf("add relationship: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// dependsOnReaches reports whether target is reachable from start by
// following depends_on edges. Iterative DFS over the stored adjacency.
func dependsOnReaches(tx *sql.Tx, start, target string) (bool, error) {
	edges, err := dependsOnAdjacency(tx)
	if err != nil {
		return false, err
	}

	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, edges[id]...)
	}
	return false, nil
}

// dependsOnAdjacency loads the full depends_on adjacency: task -> tasks it
// depends on.
func dependsOnAdjacency(tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.Query(`
		SELECT from_task, to_task FROM task_relationships WHERE type = ?
	`, string(models.RelDependsOn))
	if err != nil {
		return nil, fmt.Errorf("load depends_on edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

// ListRelationships returns all edges touching the given task.
func (s *Store) ListRelationships(taskID string) ([]*models.TaskRelationship, error) {
	rows, err := s.query(`
		SELECT id, from_task, to_task, type, source, created_at, expires_at
		FROM task_relationships
		WHERE from_task = ? OR to_task = ?
		ORDER BY created_at, id
	`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// AuthoredConflictExists reports whether a human-authored conflicts_with
// edge exists between the two tasks. Authored conflicts always override
// file-level analysis.
func (s *Store) AuthoredConflictExists(taskA, taskB string) (bool, error) {
	a, b := models.PairKey(taskA, taskB)
	var n int
	err := s.queryRow(`
		SELECT COUNT(*) FROM task_relationships
		WHERE from_task = ? AND to_task = ? AND type = ? AND source = ?
	`, a, b, string(models.RelConflictsWith), string(models.RelSourceAuthored)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check authored conflict: %w", err)
	}
	return n > 0, nil
}

// GraphData is the adjacency view of one task list used by the planner:
// every task plus its depends_on and blocks edges.
type GraphData struct {
	Tasks []*models.Task
	// DependsOn maps task id -> ids it depends on.
	DependsOn map[string][]string
	// Blocks maps task id -> ids it blocks.
	Blocks map[string][]string
}

// DependencyGraphData returns the tasks and scheduling edges of a task list.
func (s *Store) DependencyGraphData(taskListID string) (*GraphData, error) {
	tasks, err := s.ListTasks(taskListID)
	if err != nil {
		return nil, err
	}

	inList := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inList[t.ID] = true
	}

	rows, err := s.query(`
		SELECT from_task, to_task, type FROM task_relationships
		WHERE type IN (?, ?)
	`, string(models.RelDependsOn), string(models.RelBlocks))
	if err != nil {
		return nil, fmt.Errorf("load graph edges: %w", err)
	}
	defer rows.Close()

	data := &GraphData{
		Tasks:     tasks,
		DependsOn: make(map[string][]string),
		Blocks:    make(map[string][]string),
	}
	for rows.Next() {
		var from, to, relType string
		if err := rows.Scan(&from, &to, &relType); err != nil {
			return nil, fmt.Errorf("scan graph edge: %w", err)
		}
		if !inList[from] || !inList[to] {
			continue
		}
		switch models.RelationshipType(relType) {
		case models.RelDependsOn:
			data.DependsOn[from] = append(data.DependsOn[from], to)
		case models.RelBlocks:
			data.Blocks[from] = append(data.Blocks[from], to)
		}
	}
	return data, rows.Err()
}

func scanRelationships(rows *sql.Rows) ([]*models.TaskRelationship, error) {
	var rels []*models.TaskRelationship
	for rows.Next() {
		var r models.TaskRelationship
		var relType, source, created string
		var expires sql.NullString
		if err := rows.Scan(&r.ID, &r.FromTask, &r.ToTask, &relType, &source, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.Type = models.RelationshipType(relType)
		r.Source = models.RelationshipSource(source)
		if t, err := parseTime(created); err == nil {
			r.CreatedAt = t
		}
		r.ExpiresAt = parseNullableTime(expires)
		rels = append(rels, &r)
	}
	return rels, rows.Err()
}
