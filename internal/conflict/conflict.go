// Package conflict decides whether two tasks may run in the same wave.
// Verdicts come from a fixed operation matrix over the tasks' predicted
// file impacts, with authored conflicts_with relationships as an absolute
// override. Verdicts are cached in the store; any impact write invalidates
// the cached rows for that task.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wavemux/wavemux/internal/impact"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/pkg/models"
)

// Conflicts reports whether two operations on the same path exclude each
// other. Writes exclude writes. A delete also excludes reads, since the
// reader may observe the file vanishing mid-task. Reads coexist with
// creates and updates.
func Conflicts(a, b models.FileOperation) bool {
	if a.Writes() && b.Writes() {
		return true
	}
	if a == models.OpDelete && b == models.OpRead {
		return true
	}
	if a == models.OpRead && b == models.OpDelete {
		return true
	}
	return false
}

// FindConflict scans two impact sets for the first path both touch with
// excluding operations. Returns the offending path and a human-readable
// reason.
func FindConflict(impactsA, impactsB []models.FileImpact) (string, string, bool) {
	byPath := make(map[string][]models.FileOperation, len(impactsA))
	for _, im := range impactsA {
		byPath[im.Path] = append(byPath[im.Path], im.Operation)
	}
	for _, im := range impactsB {
		for _, opA := range byPath[im.Path] {
			if Conflicts(opA, im.Operation) {
				reason := fmt.Sprintf("both tasks touch %s (%s vs %s)", im.Path, opA, im.Operation)
				return im.Path, reason, true
			}
		}
	}
	return "", "", false
}

// Analyzer produces cached pairwise parallelism verdicts.
type Analyzer struct {
	store     *store.Store
	estimator impact.Estimator
	// threshold excludes low-confidence impacts from analysis.
	threshold float64
	// ttl bounds how long a cached verdict stays trusted.
	ttl time.Duration

	now func() time.Time
}

// NewAnalyzer creates an analyzer over the given store and estimator.
func NewAnalyzer(st *store.Store, est impact.Estimator, threshold float64, ttl time.Duration) *Analyzer {
	return &Analyzer{
		store:     st,
		estimator: est,
		threshold: threshold,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Analyze returns the parallelism verdict for a task pair, computing and
// caching it if no valid cached row exists. An authored conflicts_with
// relationship always yields a conflict, regardless of predicted impacts.
//
// If impact estimation fails the verdict is a conservative conflict and is
// NOT cached, so the pair is retried once the oracle recovers. Unavailable
// predictions must never be read as "no conflicts".
func (a *Analyzer) Analyze(ctx context.Context, taskA, taskB *models.Task) (*models.ParallelismAnalysis, error) {
	low, high := models.PairKey(taskA.ID, taskB.ID)

	if cached, err := a.store.GetAnalysis(low, high); err == nil {
		if a.now().Before(cached.ValidUntil) {
			return cached, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	authored, err := a.store.AuthoredConflictExists(low, high)
	if err != nil {
		return nil, err
	}
	if authored {
		return a.cacheVerdict(low, high, false, "authored conflicts_with relationship")
	}

	impactsA, err := a.impactsFor(ctx, taskA)
	if err != nil {
		return a.conservative(low, high, err)
	}
	impactsB, err := a.impactsFor(ctx, taskB)
	if err != nil {
		return a.conservative(low, high, err)
	}

	filteredA := impact.Filter(impactsA, a.threshold)
	filteredB := impact.Filter(impactsB, a.threshold)

	if _, reason, found := FindConflict(filteredA, filteredB); found {
		if err := a.recordDerivedConflict(low, high); err != nil {
			return nil, err
		}
		return a.cacheVerdict(low, high, false, reason)
	}
	return a.cacheVerdict(low, high, true, "")
}

// recordDerivedConflict materializes a conflict verdict as a derived
// conflicts_with edge. The edge is soft state: the store drops it whenever
// either task's impacts change.
func (a *Analyzer) recordDerivedConflict(low, high string) error {
	_, err := a.store.AddRelationship(low, high, models.RelConflictsWith, models.RelSourceDerived)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}

// impactsFor returns the task's stored impacts, running the estimator and
// persisting the predictions on first use.
func (a *Analyzer) impactsFor(ctx context.Context, task *models.Task) ([]models.FileImpact, error) {
	impacts, err := a.store.ListImpacts(task.ID)
	if err != nil {
		return nil, err
	}
	if len(impacts) > 0 {
		return impacts, nil
	}

	impacts, err = a.estimator.Estimate(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := a.store.ReplaceImpacts(task.ID, impacts); err != nil {
		return nil, err
	}
	return impacts, nil
}

func (a *Analyzer) cacheVerdict(low, high string, canParallel bool, reason string) (*models.ParallelismAnalysis, error) {
	now := a.now()
	verdict := &models.ParallelismAnalysis{
		TaskA:          low,
		TaskB:          high,
		CanParallel:    canParallel,
		ConflictReason: reason,
		AnalyzedAt:     now,
		ValidUntil:     now.Add(a.ttl),
	}
	if err := a.store.PutAnalysis(*verdict); err != nil {
		return nil, err
	}
	return verdict, nil
}

// conservative returns an uncached conflict verdict when estimation failed.
func (a *Analyzer) conservative(low, high string, cause error) (*models.ParallelismAnalysis, error) {
	if !errors.Is(cause, impact.ErrOracleUnavailable) {
		return nil, cause
	}
	now := a.now()
	return &models.ParallelismAnalysis{
		TaskA:          low,
		TaskB:          high,
		CanParallel:    false,
		ConflictReason: "impact estimation unavailable, assuming conflict",
		AnalyzedAt:     now,
		ValidUntil:     now,
	}, nil
}
