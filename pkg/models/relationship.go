package models

import "time"

// RelationshipType is the typed edge between two tasks.
type RelationshipType string

const (
	RelDependsOn     RelationshipType = "depends_on"
	RelBlocks        RelationshipType = "blocks"
	RelConflictsWith RelationshipType = "conflicts_with"
	RelParentOf      RelationshipType = "parent_of"
	RelChildOf       RelationshipType = "child_of"
	RelDuplicateOf   RelationshipType = "duplicate_of"
	RelSupersedes    RelationshipType = "supersedes"
	RelImplements    RelationshipType = "implements"
	RelEnables       RelationshipType = "enables"
	RelRelatedTo     RelationshipType = "related_to"
	RelInspiredBy    RelationshipType = "inspired_by"
	RelTests         RelationshipType = "tests"
)

// Valid returns true if the relationship type is a known value.
func (t RelationshipType) Valid() bool {
	switch t {
	case RelDependsOn, RelBlocks, RelConflictsWith, RelParentOf, RelChildOf,
		RelDuplicateOf, RelSupersedes, RelImplements, RelEnables,
		RelRelatedTo, RelInspiredBy, RelTests:
		return true
	default:
		return false
	}
}

// RelationshipSource records how an edge came to exist.
type RelationshipSource string

const (
	// RelSourceAuthored means a human or planning layer declared the edge.
	RelSourceAuthored RelationshipSource = "authored"
	// RelSourceDerived means the conflict analyzer inferred the edge. Derived
	// edges are soft state and may be recomputed or removed.
	RelSourceDerived RelationshipSource = "derived"
)

// TaskRelationship is a directed typed edge between two tasks.
// conflicts_with is symmetric: one row implies both directions.
type TaskRelationship struct {
	ID        string             `json:"id"`
	FromTask  string             `json:"from_task"`
	ToTask    string             `json:"to_task"`
	Type      RelationshipType   `json:"type"`
	Source    RelationshipSource `json:"source"`
	CreatedAt time.Time          `json:"created_at"`
	// ExpiresAt bounds the validity of derived edges. Nil for authored edges.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
