// Package release implements the release registry: annotation creation,
// release-intent creation, per-destination release rows, status
// transitions, and the consolidated queries the RPC surface needs.
package release

import (
	"time"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/storage"
)

// Status is the lifecycle state of a Release row.
type Status string

const (
	StatusStaged  Status = "STAGED"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether status ends the release's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Annotation is provenance metadata attached to exactly one artifact.
type Annotation struct {
	ID         int64                        `db:"id"`
	ArtifactID uuid.UUID                    `db:"artifact_id"`
	Slug       string                       `db:"slug"`
	Metadata   storage.JSON[map[string]any] `db:"metadata"`
	Source     storage.JSON[map[string]any] `db:"source"`
	Context    storage.JSON[map[string]any] `db:"context"`
	ProjectID  int64                        `db:"project_id"`
	Ref        storage.JSON[map[string]any] `db:"ref"`
	Created    time.Time                    `db:"created"`
}

// MatchedDestination is a (destination, environment) pair returned from a
// release request.
type MatchedDestination struct {
	Destination string `db:"name"`
	Environment string `db:"environment"`
}

// Release is the per-destination row tracked through STAGED -> SUCCESS|FAILURE.
type Release struct {
	ID              int64     `db:"id"`
	ReleaseIntentID int64     `db:"release_intent_id"`
	ProjectID       int64     `db:"project_id"`
	DestinationID   int64     `db:"destination_id"`
	Status          Status    `db:"status"`
	Created         time.Time `db:"created"`
	Updated         time.Time `db:"updated"`
}

// ReleaseView is a Release joined with its destination name, for status
// update events and get_release_status_by_intent.
type ReleaseView struct {
	Release
	DestinationName string    `db:"destination_name"`
	ArtifactID      uuid.UUID `db:"artifact_id"`
}

// AnnotationView is an Annotation consolidated with the destinations its
// releases (across all its intents) target, ordered by destination name.
type AnnotationView struct {
	Annotation
	Destinations []MatchedDestination
}

// Project is a (namespace, project) pair.
type Project struct {
	ID        int64  `db:"id"`
	Namespace string `db:"namespace"`
	Project   string `db:"project"`
}
