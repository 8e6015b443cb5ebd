// Package staging implements the artifact staging registry: session-based
// upload of files keyed by (env, destination, path), committed into an
// immutable Artifact.
package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/storage"
)

// File is one uploaded (or committed) file within a staging session.
type File struct {
	Env         string
	Destination string
	Path        string
	Content     []byte
}

// ReleaseFile is a file as returned to a driver: its Path already carries the
// env/destination prefix so the driver can reconstruct the tree relative to
// its working directory.
type ReleaseFile struct {
	Path    string
	Content []byte
}

// Registry implements session-based staging over a storage.Querier.
type Registry struct {
	q storage.Querier
}

// New builds a Registry against q (either the pool or an open transaction).
func New(q storage.Querier) *Registry {
	return &Registry{q: q}
}

// CreateStaging opens a new staging session.
func (r *Registry) CreateStaging(ctx context.Context) (ID, error) {
	id := NewID()

	_, err := r.q.ExecContext(ctx, `INSERT INTO artifact_staging (artifact_id) VALUES ($1)`, id.String())
	if err != nil {
		return ID{}, releaseerr.Wrap(releaseerr.CodeDatabase, "creating staging session", err)
	}

	return id, nil
}

// UploadFile appends one file to a staging session. Re-uploading the same
// (staging_id, env, destination, file_path) fails with CodeConflict — the
// registry is append-only.
func (r *Registry) UploadFile(ctx context.Context, stagingID ID, f File) error {
	var blobID int64
	err := r.q.QueryRowxContext(ctx, `INSERT INTO blob_storage (content) VALUES ($1) RETURNING id`, f.Content).Scan(&blobID)
	if err != nil {
		return releaseerr.Wrap(releaseerr.CodeDatabase, "storing blob", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO artifact_files (artifact_staging_id, env, destination, file_name, file_content)
		VALUES ($1, $2, $3, $4, $5)`,
		stagingID.String(), f.Env, f.Destination, f.Path, blobID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return releaseerr.New(releaseerr.CodeConflict, fmt.Sprintf(
				"file already uploaded for (staging=%s, env=%s, destination=%s, path=%s)",
				stagingID, f.Env, f.Destination, f.Path))
		}
		return releaseerr.Wrap(releaseerr.CodeDatabase, "appending staged file", err)
	}

	return nil
}

// CommitStaging terminates a staging session, producing an immutable
// artifact id. Idempotent on stagingID: repeated commits return the same
// artifact_id.
func (r *Registry) CommitStaging(ctx context.Context, stagingID ID) (uuid.UUID, error) {
	var existing uuid.UUID
	err := r.q.GetContext(ctx, &existing, `SELECT artifact_id FROM artifacts WHERE staging_id = $1`, stagingID.String())
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to first commit
	default:
		return uuid.Nil, releaseerr.Wrap(releaseerr.CodeDatabase, "checking for existing commit", err)
	}

	var sessionExists bool
	if err := r.q.GetContext(ctx, &sessionExists,
		`SELECT EXISTS(SELECT 1 FROM artifact_staging WHERE artifact_id = $1)`, stagingID.String()); err != nil {
		return uuid.Nil, releaseerr.Wrap(releaseerr.CodeDatabase, "checking staging session", err)
	}
	if !sessionExists {
		return uuid.Nil, releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("unknown staging session %q", stagingID))
	}

	artifactID := uuid.New()
	if _, err := r.q.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, staging_id) VALUES ($1, $2)`, artifactID, stagingID.String()); err != nil {
		if storage.IsUniqueViolation(err) {
			// Another commit of the same session won the race; return its id.
			if err := r.q.GetContext(ctx, &existing, `SELECT artifact_id FROM artifacts WHERE staging_id = $1`, stagingID.String()); err != nil {
				return uuid.Nil, releaseerr.Wrap(releaseerr.CodeDatabase, "resolving concurrently committed artifact", err)
			}
			return existing, nil
		}
		return uuid.Nil, releaseerr.Wrap(releaseerr.CodeDatabase, "committing staging session", err)
	}

	return artifactID, nil
}

// GetFilesForRelease returns the committed files whose env matches, with
// Path including the environment and destination prefix.
func (r *Registry) GetFilesForRelease(ctx context.Context, artifactID uuid.UUID, env string) ([]ReleaseFile, error) {
	var stagingID string
	if err := r.q.GetContext(ctx, &stagingID, `SELECT staging_id FROM artifacts WHERE artifact_id = $1`, artifactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("unknown artifact %s", artifactID))
		}
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "resolving artifact", err)
	}

	rows, err := r.q.QueryxContext(ctx, `
		SELECT af.env, af.destination, af.file_name, bs.content
		FROM artifact_files af
		JOIN blob_storage bs ON bs.id = af.file_content
		WHERE af.artifact_staging_id = $1 AND af.env = $2
		ORDER BY af.destination, af.file_name`, stagingID, env)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "listing release files", err)
	}
	defer rows.Close()

	var out []ReleaseFile
	for rows.Next() {
		var env, destination, fileName string
		var content []byte
		if err := rows.Scan(&env, &destination, &fileName, &content); err != nil {
			return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "scanning release file", err)
		}
		out = append(out, ReleaseFile{
			Path:    fmt.Sprintf("%s/%s/%s", env, destination, fileName),
			Content: content,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "iterating release files", err)
	}

	return out, nil
}
