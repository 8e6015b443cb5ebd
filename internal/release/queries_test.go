package release_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-release/forest/internal/releaseerr"
)

func TestGetAnnotationBySlugNotFound(t *testing.T) {
	reg, mock := newTestRegistry(t)

	mock.ExpectQuery(`SELECT id, artifact_id, slug`).
		WithArgs("missing-slug").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "artifact_id", "slug", "metadata", "source", "context", "project_id", "ref", "created",
		}))

	_, err := reg.GetAnnotationBySlug(context.Background(), "missing-slug")
	require.Error(t, err)
	assert.Equal(t, releaseerr.CodeNotFound, releaseerr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAnnotationsByProjectConsolidatesDestinations(t *testing.T) {
	reg, mock := newTestRegistry(t)
	artifactID := "66666666-6666-6666-6666-666666666666"

	mock.ExpectQuery(`SELECT a\.id, a\.artifact_id`).
		WithArgs("acme", "web").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "artifact_id", "slug", "metadata", "source", "context", "project_id", "ref", "created",
		}).AddRow(1, artifactID, "brave-otter-42", []byte(`{}`), []byte(`{}`), []byte(`{}`), int64(100), []byte(`{}`), time.Now()))

	mock.ExpectQuery(`SELECT DISTINCT d\.name, d\.environment`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "environment"}).AddRow("web", "prod"))

	out, err := reg.GetAnnotationsByProject(context.Background(), "acme", "web")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].Destinations, 1)
	assert.Equal(t, "web", out[0].Destinations[0].Destination)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNamespacesListsDistinct(t *testing.T) {
	reg, mock := newTestRegistry(t)

	mock.ExpectQuery(`SELECT DISTINCT namespace FROM projects`).
		WillReturnRows(sqlmock.NewRows([]string{"namespace"}).AddRow("acme").AddRow("other"))

	out, err := reg.GetNamespaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "other"}, out)
	require.NoError(t, mock.ExpectationsWereMet())
}
