package release

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forest-release/forest/internal/releaseerr"
)

// GetAnnotationBySlug returns the annotation with the given slug, with its
// destinations consolidated across every release it has ever produced.
func (r *Registry) GetAnnotationBySlug(ctx context.Context, slug string) (*AnnotationView, error) {
	var ann Annotation
	err := r.gw.DB().GetContext(ctx, &ann, `
		SELECT id, artifact_id, slug, metadata, source, context, project_id, ref, created
		FROM annotations WHERE slug = $1`, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("no annotation with slug %q", slug))
		}
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "fetching annotation", err)
	}

	dests, err := r.destinationsForAnnotation(ctx, ann.ID)
	if err != nil {
		return nil, err
	}

	return &AnnotationView{Annotation: ann, Destinations: dests}, nil
}

// GetAnnotationsByProject returns every annotation for (namespace, project),
// newest first, each consolidated with the destinations its releases target.
// The join is left-outer: annotations with no releases appear once with an
// empty Destinations slice.
func (r *Registry) GetAnnotationsByProject(ctx context.Context, namespace, project string) ([]AnnotationView, error) {
	var anns []Annotation
	err := r.gw.DB().SelectContext(ctx, &anns, `
		SELECT a.id, a.artifact_id, a.slug, a.metadata, a.source, a.context, a.project_id, a.ref, a.created
		FROM annotations a
		JOIN projects p ON p.id = a.project_id
		WHERE p.namespace = $1 AND p.project = $2
		ORDER BY a.created DESC`, namespace, project)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "listing annotations by project", err)
	}

	// Insertion-ordered consolidation: iterate anns in their queried
	// (created DESC) order and preserve that order in the output even though
	// destinations are fetched per-annotation below.
	out := make([]AnnotationView, 0, len(anns))
	for _, ann := range anns {
		dests, err := r.destinationsForAnnotation(ctx, ann.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, AnnotationView{Annotation: ann, Destinations: dests})
	}

	return out, nil
}

// destinationsForAnnotation joins annotation -> release_intents -> releases
// -> destinations, consolidating across every intent the annotation has ever
// produced, ordered by destination name.
func (r *Registry) destinationsForAnnotation(ctx context.Context, annotationID int64) ([]MatchedDestination, error) {
	var dests []MatchedDestination
	err := r.gw.DB().SelectContext(ctx, &dests, `
		SELECT DISTINCT d.name, d.environment
		FROM release_intents ri
		JOIN releases r ON r.release_intent_id = ri.id
		JOIN destinations d ON d.id = r.destination_id
		WHERE ri.annotation_id = $1
		ORDER BY d.name`, annotationID)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "listing destinations for annotation", err)
	}
	if dests == nil {
		dests = []MatchedDestination{}
	}
	return dests, nil
}

// GetReleaseStatusByIntent returns every release row produced by intentID,
// joined with its destination name.
func (r *Registry) GetReleaseStatusByIntent(ctx context.Context, intentID int64) ([]ReleaseView, error) {
	var out []ReleaseView
	err := r.gw.DB().SelectContext(ctx, &out, `
		SELECT r.id, r.release_intent_id, r.project_id, r.destination_id, r.status, r.created, r.updated,
		       d.name AS destination_name, ri.artifact AS artifact_id
		FROM releases r
		JOIN destinations d ON d.id = r.destination_id
		JOIN release_intents ri ON ri.id = r.release_intent_id
		WHERE r.release_intent_id = $1
		ORDER BY d.name`, intentID)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "fetching release status by intent", err)
	}
	return out, nil
}

// GetNamespaces returns every distinct namespace with at least one project.
func (r *Registry) GetNamespaces(ctx context.Context) ([]string, error) {
	var out []string
	err := r.gw.DB().SelectContext(ctx, &out, `SELECT DISTINCT namespace FROM projects ORDER BY namespace`)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "listing namespaces", err)
	}
	return out, nil
}

// GetProjectsByNamespace returns every project name under namespace.
func (r *Registry) GetProjectsByNamespace(ctx context.Context, namespace string) ([]string, error) {
	var out []string
	err := r.gw.DB().SelectContext(ctx, &out, `SELECT project FROM projects WHERE namespace = $1 ORDER BY project`, namespace)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "listing projects by namespace", err)
	}
	return out, nil
}
