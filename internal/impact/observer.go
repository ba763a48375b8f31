package impact

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wavemux/wavemux/pkg/models"
)

// Observer watches a worker's working directory while its task runs and
// records the file operations that actually happen. On Stop the observations
// are returned as validated impacts (confidence 1.0) so future conflict
// analysis improves; they are never used to reschedule the current run.
type Observer struct {
	taskID  string
	root    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	observed map[string]models.FileOperation
	done     chan struct{}
}

// NewObserver starts watching root (recursively) for changes attributed to
// the given task.
func NewObserver(taskID, root string) (*Observer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	o := &Observer{
		taskID:   taskID,
		root:     root,
		watcher:  watcher,
		observed: make(map[string]models.FileOperation),
		done:     make(chan struct{}),
	}

	if err := o.addRecursive(root); err != nil {
		watcher.Close()
		return nil, err
	}

	go o.loop()
	return o, nil
}

// addRecursive registers root and all of its subdirectories with the watcher.
func (o *Observer) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			return o.watcher.Add(p)
		}
		return nil
	})
}

func (o *Observer) loop() {
	defer close(o.done)
	for {
		select {
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			o.record(event)
		case _, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; validated impacts are best-effort.
		}
	}
}

// record folds one fsnotify event into the observation map. Create followed
// by later writes stays CREATE; a remove wins over everything.
func (o *Observer) record(event fsnotify.Event) {
	op, ok := translateOp(event.Op)
	if !ok {
		return
	}

	rel, err := filepath.Rel(o.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, ".") {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// New directories need their own watch for nested changes.
	if op == models.OpCreate {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			o.watcher.Add(event.Name)
			return
		}
	}

	prev, seen := o.observed[rel]
	switch {
	case op == models.OpDelete:
		o.observed[rel] = models.OpDelete
	case !seen:
		o.observed[rel] = op
	case prev == models.OpCreate && op == models.OpUpdate:
		// Writes to a file this task created are still a CREATE.
	default:
		o.observed[rel] = op
	}
}

// translateOp maps fsnotify operations onto file impact operations.
func translateOp(op fsnotify.Op) (models.FileOperation, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return models.OpCreate, true
	case op.Has(fsnotify.Write):
		return models.OpUpdate, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return models.OpDelete, true
	default:
		return "", false
	}
}

// Stop shuts the watcher down and returns what was observed as validated
// impacts.
func (o *Observer) Stop(ctx context.Context) ([]models.FileImpact, error) {
	o.watcher.Close()
	select {
	case <-o.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	impacts := make([]models.FileImpact, 0, len(o.observed))
	for path, op := range o.observed {
		impacts = append(impacts, models.FileImpact{
			TaskID:     o.taskID,
			Path:       path,
			Operation:  op,
			Confidence: 1.0,
			Source:     models.ImpactSourceValidated,
			CreatedAt:  now,
		})
	}
	return impacts, nil
}
