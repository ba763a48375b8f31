package conflict

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wavemux/wavemux/internal/impact"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustTask(t *testing.T, s *store.Store, listID, title string) *models.Task {
	t.Helper()
	task := &models.Task{
		DisplayID:  "WM-" + title,
		TaskListID: listID,
		Title:      title,
		Category:   models.CategoryTask,
		Priority:   models.PriorityP2,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

// stubEstimator returns fixed impacts per task ID and counts calls.
type stubEstimator struct {
	impacts map[string][]models.FileImpact
	err     error
	calls   int
}

func (e *stubEstimator) Estimate(_ context.Context, task *models.Task) ([]models.FileImpact, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.impacts[task.ID], nil
}

func impactOf(taskID, path string, op models.FileOperation, confidence float64) models.FileImpact {
	return models.FileImpact{
		TaskID:     taskID,
		Path:       path,
		Operation:  op,
		Confidence: confidence,
		Source:     models.ImpactSourceOracle,
	}
}

func TestConflictsMatrix(t *testing.T) {
	cases := []struct {
		a, b models.FileOperation
		want bool
	}{
		{models.OpCreate, models.OpCreate, true},
		{models.OpCreate, models.OpUpdate, true},
		{models.OpUpdate, models.OpUpdate, true},
		{models.OpDelete, models.OpUpdate, true},
		{models.OpDelete, models.OpDelete, true},
		{models.OpDelete, models.OpRead, true},
		{models.OpRead, models.OpDelete, true},
		{models.OpRead, models.OpRead, false},
		{models.OpRead, models.OpUpdate, false},
		{models.OpUpdate, models.OpRead, false},
		{models.OpRead, models.OpCreate, false},
	}
	for _, c := range cases {
		if got := Conflicts(c.a, c.b); got != c.want {
			t.Errorf("Conflicts(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestAnalyzeSharedCreateConflicts(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "src/foo.ts", models.OpCreate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "src/foo.ts", models.OpCreate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if verdict.CanParallel {
		t.Error("two CREATEs of the same file must not run in parallel")
	}
	if !strings.Contains(verdict.ConflictReason, "src/foo.ts") {
		t.Errorf("reason does not name the path: %q", verdict.ConflictReason)
	}
}

func TestAnalyzeReadBesideUpdate(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "src/foo.ts", models.OpUpdate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "src/foo.ts", models.OpRead, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !verdict.CanParallel {
		t.Errorf("read beside update should parallelize, reason: %q", verdict.ConflictReason)
	}
}

func TestAnalyzeAuthoredConflictOverrides(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	if _, err := s.AddRelationship(taskA.ID, taskB.ID, models.RelConflictsWith, models.RelSourceAuthored); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	// Estimator predicts disjoint files, but the authored edge still wins.
	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "a.go", models.OpUpdate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "b.go", models.OpUpdate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if verdict.CanParallel {
		t.Error("authored conflicts_with must force a conflict")
	}
	if est.calls != 0 {
		t.Errorf("estimator called %d times despite authored override", est.calls)
	}
}

func TestAnalyzeBelowThresholdIgnored(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "src/foo.ts", models.OpUpdate, 0.2)},
		taskB.ID: {impactOf(taskB.ID, "src/foo.ts", models.OpUpdate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !verdict.CanParallel {
		t.Errorf("advisory impact below threshold must not block, reason: %q", verdict.ConflictReason)
	}
}

func TestAnalyzeCachesVerdict(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "a.go", models.OpUpdate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "b.go", models.OpUpdate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	if _, err := analyzer.Analyze(context.Background(), taskA, taskB); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	cached, err := s.GetAnalysis(taskA.ID, taskB.ID)
	if err != nil {
		t.Fatalf("verdict not cached: %v", err)
	}
	if !cached.CanParallel {
		t.Error("cached verdict wrong")
	}

	if _, err := analyzer.Analyze(context.Background(), taskA, taskB); err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if est.calls != 2 {
		t.Errorf("estimator called %d times, want 2 (once per task)", est.calls)
	}
}

func TestAnalyzeRecomputesExpiredVerdict(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "a.go", models.OpUpdate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "b.go", models.OpUpdate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	if _, err := analyzer.Analyze(context.Background(), taskA, taskB); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	// Jump past the validity window; the cached row must be recomputed.
	analyzer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("analyze after expiry: %v", err)
	}
	if !verdict.AnalyzedAt.After(time.Now().Add(time.Hour)) {
		t.Error("expired verdict was returned instead of recomputed")
	}
}

func TestAnalyzeImpactWriteInvalidates(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "a.go", models.OpUpdate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "b.go", models.OpUpdate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	if _, err := analyzer.Analyze(context.Background(), taskA, taskB); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	// A new impact on taskA drops the cached pair; reanalysis sees the
	// collision with taskB's file.
	if err := s.UpsertImpact(impactOf(taskA.ID, "b.go", models.OpUpdate, 0.9)); err != nil {
		t.Fatalf("upsert impact: %v", err)
	}
	if _, err := s.GetAnalysis(taskA.ID, taskB.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cache not invalidated, err = %v", err)
	}

	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("reanalyze: %v", err)
	}
	if verdict.CanParallel {
		t.Error("verdict not recomputed from updated impacts")
	}
}

func TestAnalyzeRecordsDerivedConflictEdge(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{impacts: map[string][]models.FileImpact{
		taskA.ID: {impactOf(taskA.ID, "src/foo.ts", models.OpCreate, 0.9)},
		taskB.ID: {impactOf(taskB.ID, "src/foo.ts", models.OpCreate, 0.9)},
	}}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	if _, err := analyzer.Analyze(context.Background(), taskA, taskB); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	derived := func() bool {
		rels, err := s.ListRelationships(taskA.ID)
		if err != nil {
			t.Fatalf("list relationships: %v", err)
		}
		for _, r := range rels {
			if r.Type == models.RelConflictsWith && r.Source == models.RelSourceDerived {
				return true
			}
		}
		return false
	}
	if !derived() {
		t.Fatal("conflict verdict did not record a derived conflicts_with edge")
	}

	// Derived edges are soft state: an impact write drops them with the cache.
	if err := s.UpsertImpact(impactOf(taskA.ID, "other.go", models.OpUpdate, 0.9)); err != nil {
		t.Fatalf("upsert impact: %v", err)
	}
	if derived() {
		t.Error("derived conflicts_with edge survived an impact write")
	}
}

func TestAnalyzeOracleUnavailable(t *testing.T) {
	s := newTestStore(t)
	list, _ := s.CreateTaskList("proj", "list")
	taskA := mustTask(t, s, list, "a")
	taskB := mustTask(t, s, list, "b")

	est := &stubEstimator{err: impact.ErrOracleUnavailable}
	analyzer := NewAnalyzer(s, est, 0.3, time.Hour)

	verdict, err := analyzer.Analyze(context.Background(), taskA, taskB)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if verdict.CanParallel {
		t.Error("oracle failure must degrade to a conflict, never to parallel")
	}

	// Conservative verdicts are transient and never cached.
	if _, err := s.GetAnalysis(taskA.ID, taskB.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("conservative verdict was cached, err = %v", err)
	}
}
