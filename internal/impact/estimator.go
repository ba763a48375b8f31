// Package impact predicts which files a task will touch. Predictions feed
// the conflict analyzer; they are advisory, never a guarantee, so every
// prediction carries a confidence score the caller can threshold on.
package impact

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/wavemux/wavemux/pkg/models"
)

// ErrOracleUnavailable indicates the estimation oracle could not produce a
// prediction. Callers must fall back to conservative sequential scheduling,
// never to "no conflicts".
var ErrOracleUnavailable = errors.New("impact oracle unavailable")

// Estimator produces file impact predictions for a task.
type Estimator interface {
	// Estimate returns the predicted file impacts of executing the task.
	// Deterministic for identical input text on the same estimator version.
	Estimate(ctx context.Context, task *models.Task) ([]models.FileImpact, error)
}

// Filter returns the impacts at or above the confidence threshold. Impacts
// below the threshold are advisory only and excluded from conflict analysis
// to avoid false-positive blocking.
func Filter(impacts []models.FileImpact, threshold float64) []models.FileImpact {
	var kept []models.FileImpact
	for _, im := range impacts {
		if im.Confidence >= threshold {
			kept = append(kept, im)
		}
	}
	return kept
}

// HeuristicEstimator extracts path-like tokens from the task's title and
// description and infers the operation from surrounding verbs. It is the
// default oracle and the fallback when the Claude oracle is disabled.
type HeuristicEstimator struct{}

// NewHeuristicEstimator creates a heuristic estimator.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

// pathIndicators are directory prefixes that mark a token as a likely path.
var pathIndicators = []string{
	"internal/", "pkg/", "cmd/", "src/", "lib/", "app/", "test/", "tests/",
	"docs/", "api/", "config/", "scripts/",
}

// Estimate scans the task text for path tokens. Tokens with a file
// extension become file-level impacts; bare directory prefixes become
// low-confidence directory impacts.
func (e *HeuristicEstimator) Estimate(_ context.Context, task *models.Task) ([]models.FileImpact, error) {
	text := task.Title + " " + task.Description
	op := dominantOperation(text)
	now := time.Now()

	seen := make(map[string]bool)
	var impacts []models.FileImpact
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,;:\"'`()[]{}*<>")

		p, ok := extractPath(word)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true

		confidence := 0.7
		if !strings.Contains(path.Base(p), ".") {
			// Directory mention, not a concrete file.
			confidence = 0.4
		}

		impacts = append(impacts, models.FileImpact{
			TaskID:     task.ID,
			Path:       p,
			Operation:  op,
			Confidence: confidence,
			Source:     models.ImpactSourceHeuristic,
			CreatedAt:  now,
		})
	}
	return impacts, nil
}

// extractPath returns the path portion of a word if it looks like a
// repository path.
func extractPath(word string) (string, bool) {
	for _, indicator := range pathIndicators {
		idx := strings.Index(word, indicator)
		if idx < 0 {
			continue
		}
		return word[idx:], true
	}
	// A bare filename with an extension still counts, e.g. "go.mod".
	if !strings.Contains(word, "/") && strings.Count(word, ".") == 1 &&
		!strings.HasPrefix(word, ".") && !strings.HasSuffix(word, ".") &&
		looksLikeFilename(word) {
		return word, true
	}
	return "", false
}

// knownExtensions limits bare-filename matches to real code and config
// files; without this every sentence-final word would look like a path.
var knownExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".rb": true, ".sql": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".mod": true,
	".sum": true, ".md": true, ".proto": true, ".css": true, ".html": true,
}

func looksLikeFilename(word string) bool {
	return knownExtensions[path.Ext(word)]
}

// dominantOperation infers the task-level operation from verbs in the text.
// Ambiguous text defaults to UPDATE, the most conservative write.
func dominantOperation(text string) models.FileOperation {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "delete ", "remove ", "drop ", "deprecate "):
		return models.OpDelete
	case containsAny(lower, "create ", "add ", "new ", "implement ", "introduce ", "scaffold "):
		return models.OpCreate
	case containsAny(lower, "read ", "audit ", "review ", "inspect ", "analyze ", "document "):
		return models.OpRead
	default:
		return models.OpUpdate
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
