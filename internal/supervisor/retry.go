package supervisor

import "strings"

// ErrorClass buckets a task failure for the retry policy.
type ErrorClass string

const (
	// ClassTransient covers environment hiccups worth retrying as-is.
	ClassTransient ErrorClass = "transient"
	// ClassLogic covers failures inside the task's own work; the agent may
	// do better on another attempt.
	ClassLogic ErrorClass = "logic"
	// ClassNonRetryable covers failures a retry cannot fix.
	ClassNonRetryable ErrorClass = "non_retryable"
)

var transientMarkers = []string{
	"timeout", "timed out", "connection", "network", "temporar",
	"rate limit", "overloaded", "unavailable", "429", "500", "502", "503",
}

var nonRetryableMarkers = []string{
	"permission denied", "unauthorized", "forbidden", "invalid api key",
	"authentication", "unsupported", "invalid input",
}

// Classify buckets a failure message. Unknown failures are treated as logic
// errors and stay retryable; only failures a retry provably cannot fix are
// escalated immediately.
func Classify(errText string) ErrorClass {
	lower := strings.ToLower(errText)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lower, marker) {
			return ClassNonRetryable
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return ClassTransient
		}
	}
	return ClassLogic
}

// Retryable reports whether the class admits another attempt.
func (c ErrorClass) Retryable() bool {
	return c != ClassNonRetryable
}
