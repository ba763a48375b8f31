// Package graph provides the dependency graph used for wave planning.
// The graph is built fresh from store data each planning pass; it is a
// working view, never a second source of truth.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/wavemux/wavemux/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it depends on.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to the IDs of tasks it depends on.
	edges map[string][]string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
	}
}

// Build constructs the graph from tasks and their depends_on adjacency.
// Returns an error if an edge references an unknown task or a cycle exists.
func (g *DependencyGraph) Build(tasks []*models.Task, dependsOn map[string][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for id, deps := range dependsOn {
		if _, exists := g.nodes[id]; !exists {
			continue
		}
		for _, depID := range deps {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", id, depID)
			}
			g.edges[id] = append(g.edges[id], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalOrder returns task IDs with every dependency ordered before the
// tasks that depend on it. Returns ErrCycleDetected for cyclic graphs.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for id, deps := range g.edges {
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, ErrCycleDetected
	}

	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		if id, ok := v.(string); ok {
			order = append(order, id)
		}
	}
	return order, nil
}

// Ready returns the tasks whose dependencies are all completed and whose own
// status still admits scheduling (pending, evaluating, or ready). A task
// whose sole blocker is a failed dependency is not ready; the planner marks
// it blocked instead of silently proceeding.
func (g *DependencyGraph) Ready() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Task
	for id, task := range g.nodes {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusEvaluating, models.TaskStatusReady:
		default:
			continue
		}

		satisfied := true
		for _, depID := range g.edges[id] {
			dep, exists := g.nodes[depID]
			if !exists || dep.Status != models.TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	return ready
}

// BlockedByFailure returns the tasks that cannot become ready because at
// least one dependency is failed or skipped, mapped to the offending
// dependency.
func (g *DependencyGraph) BlockedByFailure() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	blocked := make(map[string]string)
	for id, task := range g.nodes {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusEvaluating, models.TaskStatusReady, models.TaskStatusBlocked:
		default:
			continue
		}
		for _, depID := range g.edges[id] {
			dep, exists := g.nodes[depID]
			if !exists {
				continue
			}
			if dep.Status == models.TaskStatusFailed || dep.Status == models.TaskStatusSkipped {
				blocked[id] = depID
				break
			}
		}
	}
	return blocked
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Remaining returns the number of tasks that are not yet in a settled state
// (completed, skipped, or failed). Remaining work with an empty ready set
// and nothing in flight is a deadlock.
func (g *DependencyGraph) Remaining() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, task := range g.nodes {
		switch task.Status {
		case models.TaskStatusCompleted, models.TaskStatusSkipped, models.TaskStatusFailed:
		default:
			n++
		}
	}
	return n
}
