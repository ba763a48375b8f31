// Package planner selects the next wave of a run: the largest affordable
// set of dependency-ready, mutually conflict-free tasks. The planner reads
// everything from the store and writes waves back through it; it keeps no
// state of its own between planning passes.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wavemux/wavemux/internal/graph"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/pkg/models"
)

// ErrDeadlock indicates unfinished tasks remain but none can ever become
// ready. With cycle checks at insert time this points at corrupted state,
// so the run must stop rather than spin.
var ErrDeadlock = errors.New("scheduling deadlock: tasks remain but none can become ready")

// Analyzer is the pairwise parallelism oracle the planner packs waves with.
type Analyzer interface {
	Analyze(ctx context.Context, taskA, taskB *models.Task) (*models.ParallelismAnalysis, error)
}

// Exclusion records why a ready task was left out of the current wave.
type Exclusion struct {
	TaskID        string `json:"task_id"`
	ConflictsWith string `json:"conflicts_with,omitempty"`
	Reason        string `json:"reason"`
}

// Plan is the computed composition of one wave before it is persisted.
type Plan struct {
	// Tasks are the selected wave members, in dispatch order.
	Tasks []*models.Task
	// Blocked maps tasks that can never run to the failed or skipped
	// dependency responsible.
	Blocked map[string]string
	// Unblocked lists previously blocked tasks whose dependencies have
	// since completed.
	Unblocked []string
	// Excluded lists ready tasks deferred to a later wave, with reasons.
	Excluded []Exclusion
	// Remaining counts unsettled tasks after this wave is accounted for.
	Remaining int
}

// Planner computes and persists execution waves.
type Planner struct {
	store    *store.Store
	analyzer Analyzer
	// maxAgents caps how many workers run at once, and so the wave size.
	maxAgents int
	// maxWaveSize further caps the wave; zero means no extra cap.
	maxWaveSize int
}

// New creates a planner.
func New(st *store.Store, analyzer Analyzer, maxAgents, maxWaveSize int) *Planner {
	if maxAgents < 1 {
		maxAgents = 1
	}
	return &Planner{
		store:       st,
		analyzer:    analyzer,
		maxAgents:   maxAgents,
		maxWaveSize: maxWaveSize,
	}
}

// Preview computes the next wave for a task list without writing anything.
// Used by the dry-run CLI to show what would be dispatched and why the rest
// would wait.
func (p *Planner) Preview(ctx context.Context, taskListID string) (*Plan, error) {
	return p.compute(ctx, taskListID)
}

// PlanNextWave computes the next wave for the run and persists it: blocked
// tasks are marked blocked, selected tasks are marked ready, and the wave
// row with its assignments is created atomically. Returns a nil wave when
// no task is currently schedulable and none remain (the run is done) or the
// remainder is blocked or in flight.
func (p *Planner) PlanNextWave(ctx context.Context, run *models.ExecutionRun) (*models.ExecutionWave, *Plan, error) {
	plan, err := p.compute(ctx, run.TaskListID)
	if err != nil {
		return nil, nil, err
	}

	for taskID, depID := range plan.Blocked {
		reason := fmt.Sprintf("dependency %s failed", depID)
		if err := p.store.UpdateTaskStatus(taskID, models.TaskStatusBlocked, reason); err != nil {
			return nil, nil, fmt.Errorf("block task %s: %w", taskID, err)
		}
	}
	for _, taskID := range plan.Unblocked {
		if err := p.store.UpdateTaskStatus(taskID, models.TaskStatusReady, ""); err != nil {
			return nil, nil, fmt.Errorf("unblock task %s: %w", taskID, err)
		}
	}

	if len(plan.Tasks) == 0 {
		return nil, plan, nil
	}

	ids := make([]string, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		if task.Status != models.TaskStatusReady {
			if err := p.store.UpdateTaskStatus(task.ID, models.TaskStatusReady, ""); err != nil {
				return nil, nil, fmt.Errorf("mark task %s ready: %w", task.ID, err)
			}
		}
		ids = append(ids, task.ID)
	}

	wave, err := p.store.CreateWave(run.ID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("create wave: %w", err)
	}
	return wave, plan, nil
}

// compute builds the dependency graph from store data and packs the wave.
func (p *Planner) compute(ctx context.Context, taskListID string) (*Plan, error) {
	data, err := p.store.DependencyGraphData(taskListID)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	if err := g.Build(data.Tasks, data.DependsOn); err != nil {
		return nil, err
	}

	plan := &Plan{Blocked: make(map[string]string)}

	for taskID, depID := range g.BlockedByFailure() {
		if task := g.GetTask(taskID); task != nil && task.Status != models.TaskStatusBlocked {
			plan.Blocked[taskID] = depID
		}
	}

	// Previously blocked tasks whose failed dependency has since been
	// retried to completion go back to ready.
	for _, task := range data.Tasks {
		if task.Status != models.TaskStatusBlocked {
			continue
		}
		if _, stillBlocked := g.BlockedByFailure()[task.ID]; stillBlocked {
			continue
		}
		if depsCompleted(g, task.ID) {
			plan.Unblocked = append(plan.Unblocked, task.ID)
			task.Status = models.TaskStatusReady
		}
	}

	candidates := g.Ready()
	sortCandidates(candidates)

	inFlight := 0
	for _, task := range data.Tasks {
		if task.Status == models.TaskStatusInProgress {
			inFlight++
		}
	}

	if len(candidates) == 0 {
		plan.Remaining = g.Remaining()
		if plan.Remaining > 0 && inFlight == 0 && len(plan.Blocked) == 0 &&
			len(plan.Unblocked) == 0 && !anyBlocked(data.Tasks) {
			return nil, ErrDeadlock
		}
		return plan, nil
	}

	capacity := p.maxAgents - inFlight
	if p.maxWaveSize > 0 && p.maxWaveSize < capacity {
		capacity = p.maxWaveSize
	}

	for _, candidate := range candidates {
		if len(plan.Tasks) >= capacity {
			plan.Excluded = append(plan.Excluded, Exclusion{
				TaskID: candidate.ID,
				Reason: "wave capacity reached",
			})
			continue
		}

		excluded := false
		for _, member := range plan.Tasks {
			verdict, err := p.analyzer.Analyze(ctx, member, candidate)
			if err != nil {
				return nil, fmt.Errorf("analyze %s vs %s: %w", member.ID, candidate.ID, err)
			}
			if !verdict.CanParallel {
				plan.Excluded = append(plan.Excluded, Exclusion{
					TaskID:        candidate.ID,
					ConflictsWith: member.ID,
					Reason:        verdict.ConflictReason,
				})
				excluded = true
				break
			}
		}
		if !excluded {
			plan.Tasks = append(plan.Tasks, candidate)
		}
	}

	plan.Remaining = g.Remaining() - len(plan.Tasks)
	return plan, nil
}

func depsCompleted(g *graph.DependencyGraph, taskID string) bool {
	for _, depID := range g.Dependencies(taskID) {
		dep := g.GetTask(depID)
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func anyBlocked(tasks []*models.Task) bool {
	for _, task := range tasks {
		if task.Status == models.TaskStatusBlocked {
			return true
		}
	}
	return false
}

// sortCandidates orders by priority (P0 first), then by creation time, then
// by ID for a stable tie-break.
func sortCandidates(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
