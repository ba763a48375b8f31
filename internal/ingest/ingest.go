// Package ingest loads task definitions from YAML files and imports them
// into the store as a task list with relationships.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/pkg/models"
)

// File is a parsed task-definition file.
type File struct {
	// Name is the task list name.
	Name string `yaml:"name"`
	// Project is the owning project identifier.
	Project string `yaml:"project"`
	// Tasks are the task definitions in file order.
	Tasks []TaskDef `yaml:"tasks"`
}

// TaskDef is one task definition. IDs are file-local handles used to express
// dependencies; the store assigns the real identifiers on import.
type TaskDef struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Priority    *int   `yaml:"priority"`
	Effort      int    `yaml:"effort"`
	// DependsOn lists file-local ids this task depends on.
	DependsOn []string `yaml:"depends_on"`
	// ConflictsWith lists file-local ids this task can never run beside.
	ConflictsWith []string `yaml:"conflicts_with"`
}

// Result summarizes a completed import.
type Result struct {
	// TaskListID is the created task list.
	TaskListID string
	// TaskIDs maps file-local ids to stored task ids.
	TaskIDs map[string]string
	// Relationships is the number of edges created.
	Relationships int
}

// Parse reads a task-definition file from r.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseFile reads and parses the task-definition file at path.
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Validate checks the file for structural problems: missing titles,
// duplicate ids, references to undefined tasks, and self-references.
// Dependency cycles are rejected later, at insert time.
func (f *File) Validate() error {
	if len(f.Tasks) == 0 {
		return fmt.Errorf("task file defines no tasks")
	}

	seen := make(map[string]bool, len(f.Tasks))
	for i, td := range f.Tasks {
		if td.ID == "" {
			return fmt.Errorf("task %d: missing id", i+1)
		}
		if td.Title == "" {
			return fmt.Errorf("task %q: missing title", td.ID)
		}
		if seen[td.ID] {
			return fmt.Errorf("task %q: duplicate id", td.ID)
		}
		seen[td.ID] = true

		if td.Category != "" && !models.TaskCategory(td.Category).Valid() {
			return fmt.Errorf("task %q: unknown category %q", td.ID, td.Category)
		}
		if td.Priority != nil && !models.Priority(*td.Priority).Valid() {
			return fmt.Errorf("task %q: priority %d out of range", td.ID, *td.Priority)
		}
	}

	for _, td := range f.Tasks {
		for _, dep := range td.DependsOn {
			if dep == td.ID {
				return fmt.Errorf("task %q: depends on itself", td.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("task %q: depends on undefined task %q", td.ID, dep)
			}
		}
		for _, other := range td.ConflictsWith {
			if other == td.ID {
				return fmt.Errorf("task %q: conflicts with itself", td.ID)
			}
			if !seen[other] {
				return fmt.Errorf("task %q: conflicts with undefined task %q", td.ID, other)
			}
		}
	}
	return nil
}

// Import creates a task list, its tasks, and their relationships from a
// parsed file. depends_on edges go through the store's cycle check; a file
// whose dependencies form a cycle fails here with the offending edge named.
func Import(st *store.Store, f *File) (*Result, error) {
	name := f.Name
	if name == "" {
		name = "imported tasks"
	}

	listID, err := st.CreateTaskList(f.Project, name)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TaskListID: listID,
		TaskIDs:    make(map[string]string, len(f.Tasks)),
	}

	for i, td := range f.Tasks {
		priority := models.PriorityP2
		if td.Priority != nil {
			priority = models.Priority(*td.Priority)
		}
		category := models.CategoryTask
		if td.Category != "" {
			category = models.TaskCategory(td.Category)
		}

		task := &models.Task{
			DisplayID:      displayID(td.ID, i),
			TaskListID:     listID,
			Title:          td.Title,
			Description:    td.Description,
			Category:       category,
			Priority:       priority,
			EffortEstimate: td.Effort,
		}
		if err := st.CreateTask(task); err != nil {
			return nil, fmt.Errorf("import task %q: %w", td.ID, err)
		}
		res.TaskIDs[td.ID] = task.ID
	}

	for _, td := range f.Tasks {
		for _, dep := range td.DependsOn {
			_, err := st.AddRelationship(res.TaskIDs[td.ID], res.TaskIDs[dep],
				models.RelDependsOn, models.RelSourceAuthored)
			if err != nil {
				return nil, fmt.Errorf("dependency %q -> %q: %w", td.ID, dep, err)
			}
			res.Relationships++
		}
		for _, other := range td.ConflictsWith {
			_, err := st.AddRelationship(res.TaskIDs[td.ID], res.TaskIDs[other],
				models.RelConflictsWith, models.RelSourceAuthored)
			if err != nil {
				// conflicts_with is symmetric; both sides declaring the
				// pair is not an error.
				if errors.Is(err, store.ErrDuplicate) {
					continue
				}
				return nil, fmt.Errorf("conflict %q <-> %q: %w", td.ID, other, err)
			}
			res.Relationships++
		}
	}

	return res, nil
}

// ImportFile parses and imports the task-definition file at path.
func ImportFile(st *store.Store, path string) (*Result, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Import(st, f)
}

// displayID produces the human-readable task code. File-local ids that
// already look like codes (e.g. "WM-42") pass through upcased; otherwise a
// sequential code is assigned.
func displayID(localID string, index int) string {
	if strings.Contains(localID, "-") {
		return strings.ToUpper(localID)
	}
	return fmt.Sprintf("WM-%d", index+1)
}
