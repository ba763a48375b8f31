package models

import "time"

// FileOperation is the kind of change a task is predicted to make to a path.
type FileOperation string

const (
	OpCreate FileOperation = "CREATE"
	OpUpdate FileOperation = "UPDATE"
	OpDelete FileOperation = "DELETE"
	OpRead   FileOperation = "READ"
)

// Valid returns true if the operation is a known value.
func (op FileOperation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpRead:
		return true
	default:
		return false
	}
}

// Writes returns true if the operation mutates the path.
func (op FileOperation) Writes() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// ImpactSource records how a file impact prediction was produced.
type ImpactSource string

const (
	// ImpactSourceHeuristic means the impact was extracted by path heuristics.
	ImpactSourceHeuristic ImpactSource = "heuristic"
	// ImpactSourceOracle means the impact came from the estimation oracle.
	ImpactSourceOracle ImpactSource = "oracle"
	// ImpactSourceValidated means the impact reflects observed changes after
	// the task actually ran. Used to improve future analysis, never to
	// reschedule retroactively.
	ImpactSourceValidated ImpactSource = "validated"
)

// FileImpact predicts (or records) that a task touches a file path.
// Unique per (task_id, file_path, operation).
type FileImpact struct {
	TaskID string `json:"task_id"`
	// Path is the repository-relative file path.
	Path string `json:"path"`
	// Operation is what the task does to the path.
	Operation FileOperation `json:"operation"`
	// Confidence is the estimator's trust in this prediction, in [0,1].
	// Validated impacts carry confidence 1.0.
	Confidence float64 `json:"confidence"`
	// Source records where this prediction came from.
	Source    ImpactSource `json:"source"`
	CreatedAt time.Time    `json:"created_at"`
}

// ParallelismAnalysis is a cached pairwise verdict on whether two tasks may
// run concurrently. TaskA < TaskB canonically, so a pair has a single row.
// This is a cache over the conflict analyzer, not a source of truth: rows
// past ValidUntil, or invalidated by a FileImpact write to either task, must
// be recomputed before being trusted.
type ParallelismAnalysis struct {
	TaskA          string    `json:"task_a"`
	TaskB          string    `json:"task_b"`
	CanParallel    bool      `json:"can_parallel"`
	ConflictReason string    `json:"conflict_reason,omitempty"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
	ValidUntil     time.Time `json:"valid_until"`
}

// PairKey returns the canonical (low, high) ordering for a task pair.
func PairKey(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
