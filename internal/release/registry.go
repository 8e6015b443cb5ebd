package release

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/storage"
)

// Registry owns the annotation/intent/release transactions. It holds the
// Gateway directly, rather than a bare Querier, because Annotate, Release,
// and GetStagedRelease each open their own transaction.
type Registry struct {
	gw *storage.Gateway
}

// New builds a Registry against gw.
func New(gw *storage.Gateway) *Registry {
	return &Registry{gw: gw}
}

// Annotate attaches provenance to an artifact and mints its slug. Find-or-
// creates the Project row, then inserts the Annotation; fails with
// CodeConflict if the artifact already has one (enforced by the `annotations
// (artifact_id)` unique constraint from migrations/0001_init.sql).
func (r *Registry) Annotate(ctx context.Context, artifactID uuid.UUID, slug string, metadata, source, ctxMeta map[string]any, namespace, project string, ref map[string]any) (*Annotation, error) {
	if namespace == "" || project == "" {
		return nil, releaseerr.New(releaseerr.CodeValidation, "namespace and project are required")
	}
	if slug == "" {
		slug = NewSlug()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if source == nil {
		source = map[string]any{}
	}
	if ctxMeta == nil {
		ctxMeta = map[string]any{}
	}
	if ref == nil {
		ref = map[string]any{}
	}

	tx, err := r.gw.BeginTx(ctx, nil)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "beginning annotate transaction", err)
	}
	defer tx.Rollback()

	q := tx.Querier()

	var projectID int64
	err = q.QueryRowxContext(ctx, `
		INSERT INTO projects (namespace, project) VALUES ($1, $2)
		ON CONFLICT (namespace, project) DO UPDATE SET namespace = excluded.namespace
		RETURNING id`, namespace, project).Scan(&projectID)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "finding or creating project", err)
	}

	var ann Annotation
	err = q.QueryRowxContext(ctx, `
		INSERT INTO annotations (artifact_id, slug, metadata, source, context, project_id, ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, artifact_id, slug, metadata, source, context, project_id, ref, created`,
		artifactID, slug, storage.NewJSON(metadata), storage.NewJSON(source), storage.NewJSON(ctxMeta), projectID, storage.NewJSON(ref),
	).Scan(&ann.ID, &ann.ArtifactID, &ann.Slug, &ann.Metadata, &ann.Source, &ann.Context, &ann.ProjectID, &ann.Ref, &ann.Created)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, releaseerr.New(releaseerr.CodeConflict, fmt.Sprintf("artifact %s is already annotated", artifactID))
		}
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "inserting annotation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "committing annotate transaction", err)
	}

	return &ann, nil
}

// Release creates one ReleaseIntent and upserts a Release row for every
// destination matched by name or environment. If destinations is non-empty
// and fewer of them matched than were named, or if the matched set is empty,
// the whole call fails with no state mutated.
func (r *Registry) Release(ctx context.Context, artifactID uuid.UUID, destinations, environments []string) (int64, []MatchedDestination, error) {
	var ann struct {
		ID        int64 `db:"id"`
		ProjectID int64 `db:"project_id"`
	}
	err := r.gw.DB().GetContext(ctx, &ann, `SELECT id, project_id FROM annotations WHERE artifact_id = $1`, artifactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("artifact %s has no annotation", artifactID))
		}
		return 0, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "resolving annotation", err)
	}

	tx, err := r.gw.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "beginning release transaction", err)
	}
	defer tx.Rollback()

	q := tx.Querier()

	type matchedRow struct {
		ID          int64  `db:"id"`
		Name        string `db:"name"`
		Environment string `db:"environment"`
	}
	var matched []matchedRow
	err = q.SelectContext(ctx, &matched, `
		SELECT id, name, environment FROM destinations
		WHERE name = ANY($1) OR environment = ANY($2)`,
		pqStringArray(destinations), pqStringArray(environments))
	if err != nil {
		return 0, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "matching destinations", err)
	}

	if len(matched) == 0 {
		return 0, nil, releaseerr.New(releaseerr.CodeValidation, "release matched no destinations")
	}
	if len(destinations) > 0 && len(matched) < len(destinations) {
		return 0, nil, releaseerr.New(releaseerr.CodeValidation,
			fmt.Sprintf("release named %d destinations but only %d matched", len(destinations), len(matched)))
	}

	var intentID int64
	err = q.QueryRowxContext(ctx, `
		INSERT INTO release_intents (artifact, annotation_id, project_id)
		VALUES ($1, $2, $3) RETURNING id`, artifactID, ann.ID, ann.ProjectID).Scan(&intentID)
	if err != nil {
		return 0, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "creating release intent", err)
	}

	out := make([]MatchedDestination, 0, len(matched))
	for _, d := range matched {
		_, err = q.ExecContext(ctx, `
			INSERT INTO releases (release_intent_id, project_id, destination_id, status, created, updated)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (project_id, destination_id) DO UPDATE
			SET release_intent_id = excluded.release_intent_id, status = excluded.status, updated = now()`,
			intentID, ann.ProjectID, d.ID, StatusStaged)
		if err != nil {
			return 0, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "upserting release row", err)
		}
		out = append(out, MatchedDestination{Destination: d.Name, Environment: d.Environment})
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "committing release transaction", err)
	}

	return intentID, out, nil
}

// pqStringArray returns ss unchanged, or an empty slice when ss is nil; pgx
// encodes the slice natively as a text[] parameter for ANY($1) comparisons.
func pqStringArray(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
